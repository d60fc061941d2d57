package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
)

// debugTarget is one entry from a candidate port's debug target list.
type debugTarget struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// productMarker identifies the assistant product among several debug
// targets that may be listening on the candidate ports.
const productMarker = "assistant"

// discover lists debug targets on each configured candidate port and
// selects the one identifying the assistant product. The listing step is
// retried with bounded backoff; once a target is chosen, dialing it is the
// caller's concern and is not retried here.
func discover(ctx context.Context, cfg config.AdapterConfig, logger *log.Logger) (*debugTarget, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout())
	defer cancel()

	var chosen *debugTarget

	err := retry.Do(func() error {
		for _, port := range cfg.DiscoveryPorts {
			target, err := listDebugTargets(ctx, cfg.DiscoveryHost, port)
			if err != nil {
				logger.Debug("discovery probe failed",
					zap.String("host", cfg.DiscoveryHost), zap.Int("port", port), zap.Error(err))
				continue
			}
			if target != nil {
				chosen = target
				return nil
			}
		}
		return fmt.Errorf("no debug target identifying %q found on any candidate port", productMarker)
	},
		retry.Context(ctx),
		retry.Attempts(0), // unlimited attempts; the context deadline is the real bound
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(1*time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	return chosen, nil
}

// listDebugTargets fetches a single port's target list and returns the first
// target that identifies the assistant product, or nil if none match.
func listDebugTargets(ctx context.Context, host string, port int) (*debugTarget, error) {
	url := fmt.Sprintf("http://%s:%d/json/list", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var targets []debugTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, err
	}

	for i := range targets {
		t := targets[i]
		if t.WebSocketDebuggerURL == "" {
			continue
		}
		if strings.Contains(strings.ToLower(t.Title), productMarker) ||
			strings.Contains(strings.ToLower(t.URL), productMarker) {
			return &t, nil
		}
	}
	return nil, nil
}
