// Package event defines the job event model and the in-process event bus
// that fans job state changes out to stream connections, with a bounded
// ring buffer serving replay on reconnect.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/jobstream/id"
)

// State identifies a job lifecycle state as delivered to stream consumers.
type State string

const (
	// StateStarted covers jobs that were created or became active.
	StateStarted State = "started"

	// StateProgress marks an incremental update from a long-running job.
	StateProgress State = "progress"

	// StateCompleted marks successful completion.
	StateCompleted State = "completed"

	// StateFailed covers failed and expired jobs.
	StateFailed State = "failed"
)

// Producer-side states as written by the job tier. NormalizeState maps
// them onto the consumer-facing State set.
const (
	RawCreated   = "created"
	RawActive    = "active"
	RawCompleted = "completed"
	RawFailed    = "failed"
	RawExpired   = "expired"
)

// NormalizeState maps a producer-side job state onto the consumer-facing
// state set. Unknown states are rejected so that malformed notifications
// never reach a live stream.
func NormalizeState(raw string) (State, error) {
	switch raw {
	case RawCreated, RawActive:
		return StateStarted, nil
	case RawCompleted:
		return StateCompleted, nil
	case RawFailed, RawExpired:
		return StateFailed, nil
	default:
		return "", fmt.Errorf("event: unknown job state %q", raw)
	}
}

// Progress reports completion of a long-running job.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// JobEvent is the unit of propagation: one job state change, scoped to
// the server it belongs to.
type JobEvent struct {
	// ID identifies the underlying job instance (opaque to this layer).
	ID string `json:"id"`

	// EventID is assigned when the event enters this process.
	EventID id.ID `json:"eventId"`

	// Name is the job type key.
	Name string `json:"name"`

	// State is the consumer-facing lifecycle state.
	State State `json:"state"`

	// ScopeID is the server this event applies to. All delivery is
	// filtered by it.
	ScopeID string `json:"serverId"`

	// Timestamp is the wall-clock marker for this event.
	Timestamp time.Time `json:"timestamp"`

	// EpochMs is assigned at publish and is monotonically non-decreasing.
	// Clients use it as the resume watermark.
	EpochMs int64 `json:"epochMs"`

	// Progress is set only for progress events.
	Progress *Progress `json:"progress,omitempty"`

	// Error carries failure detail when State is failed.
	Error string `json:"error,omitempty"`
}

// notification is the raw payload written by the job tier onto the
// external channel.
type notification struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	ServerID    string    `json:"serverId"`
	CreatedOn   time.Time `json:"createdOn"`
	CompletedOn time.Time `json:"completedOn"`
	Progress    *Progress `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// ParseNotification decodes a raw channel payload into a JobEvent.
// The returned event carries a consumer-facing state and a timestamp
// taken from completedOn when present, otherwise createdOn, otherwise
// the current time.
func ParseNotification(payload []byte) (*JobEvent, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("event: decode notification: %w", err)
	}
	if n.ID == "" || n.Name == "" {
		return nil, fmt.Errorf("event: notification missing id or name")
	}

	state, err := NormalizeState(n.State)
	if err != nil {
		return nil, err
	}
	if n.Progress != nil && state == StateStarted {
		state = StateProgress
	}

	ts := n.CompletedOn
	if ts.IsZero() {
		ts = n.CreatedOn
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return &JobEvent{
		ID:        n.ID,
		EventID:   id.NewEventID(),
		Name:      n.Name,
		State:     state,
		ScopeID:   n.ServerID,
		Timestamp: ts,
		Progress:  n.Progress,
		Error:     n.Error,
	}, nil
}
