// Command conductord runs the orchestration engine: it resolves templates,
// drives the host app's remote-debugging runtime, spawns worker sessions,
// and aggregates results, until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/adapter"
	"github.com/kdlbs/conductor/internal/events"
	"github.com/kdlbs/conductor/internal/history"
	"github.com/kdlbs/conductor/internal/orchestrator"
	"github.com/kdlbs/conductor/internal/parser"
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
	"github.com/kdlbs/conductor/internal/subsession"
	"github.com/kdlbs/conductor/internal/templates"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	logger, err := log.New(log.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log.SetDefault(logger)

	logger.Info("starting conductor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Construct and connect the RemoteRuntimeAdapter.
	runtime := adapter.New(cfg.Adapter, logger)
	if err := runtime.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to host runtime", zap.Error(err))
	}
	logger.Info("connected to host runtime")

	// 4. Construct the Dispatcher (event bus).
	provided, cleanupBus, err := events.Provide(cfg.Events, logger)
	if err != nil {
		logger.Fatal("failed to construct event dispatcher", zap.Error(err))
	}
	defer cleanupBus()

	// 5. Load the TemplateStore.
	templateStore := templates.NewStore(cfg.Storage.CustomTemplatesDir, logger)
	if err := templateStore.Load(); err != nil {
		logger.Fatal("failed to load templates", zap.Error(err))
	}
	templateService := templates.NewService(templateStore, logger)

	// 6. Construct the shared ResponseParser.
	responseParser := parser.New()

	// 7. Construct the OrchestratorManager.
	engine := orchestrator.NewEngine(
		cfg.Storage.OrchestratorsFile,
		cfg.WorkerPool,
		runtime,
		templateService,
		responseParser,
		provided.Bus,
		logger,
	)

	// 8. Wire the optional HistoryRecorder, if enabled.
	if cfg.History.Enabled {
		historyStore, err := history.Open(cfg.History, logger)
		if err != nil {
			logger.Fatal("failed to open history store", zap.Error(err))
		}
		defer historyStore.Close()
		engine.SetHistoryRecorder(historyStore)
		logger.Info("history recording enabled", zap.String("driver", cfg.History.Driver))
	}

	// 9. Construct and wire the SubSessionTracker.
	subsessionTracker := subsession.New(runtime, responseParser, provided.Bus, cfg.SubSession, logger)
	engine.SetSubSessionTracker(subsessionTracker)
	subsessionTracker.Start(ctx)
	defer subsessionTracker.Stop()

	// 10. Start the engine.
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator engine", zap.Error(err))
	}
	logger.Info("orchestrator engine started")

	// 11. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down conductor")

	// 12. Graceful shutdown.
	cancel()

	if err := engine.Stop(); err != nil {
		logger.Error("orchestrator engine stop error", zap.Error(err))
	}

	logger.Info("conductor stopped")
}
