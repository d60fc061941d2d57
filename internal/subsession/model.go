// Package subsession implements the SubSessionTracker: it watches a parent
// session's transcript for agent-spawn tool use, attributes newly appeared
// top-level sessions to that parent, and derives each relation's status
// from transcript growth and parent reachability.
package subsession

import "time"

// Status is a tracked relation's position. A relation never regresses
// except active <-> idle, both of which may still end in orphaned or
// returned.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusOrphaned Status = "orphaned"
	StatusReturned Status = "returned"
)

// Relation is one parent/child session pairing under watch.
type Relation struct {
	ChildSessionID  string    `json:"childSessionId"`
	ParentSessionID string    `json:"parentSessionId"`
	Status          Status    `json:"status"`
	MessageCount    int       `json:"messageCount"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	CreatedAt       time.Time `json:"createdAt"`
	ReturnedResult  string    `json:"returnedResult,omitempty"`

	// lastParentSeenAt tracks the last poll at which the parent session
	// itself was reachable, independent of the child's own activity;
	// the basis for orphan detection.
	lastParentSeenAt time.Time

	// lastTranscriptLen is the child transcript length observed at the
	// previous poll, used to detect growth without re-diffing content.
	lastTranscriptLen int
}
