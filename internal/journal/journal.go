package journal

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawned       EventType = "spawned"
	EventRunning       EventType = "running"
	EventCrashed       EventType = "crashed"
	EventHealthTimeout EventType = "health_timeout"
	EventStopped       EventType = "stopped"
	EventSpawnFailed   EventType = "spawn_failed"

	EventUpdateAvailable  EventType = "update_available"
	EventUpdateDownloaded EventType = "update_downloaded"
	EventUpdateApplied    EventType = "update_applied"
)

// Record carries the backend details attached to an event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Event is one append-only journal entry.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for journal events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 5 * time.Second

// Recorder appends events for one backend to a sink, best effort. A nil
// Recorder or a Recorder without a sink drops everything, so callers never
// need to branch on journal configuration.
type Recorder struct {
	name string
	sink Sink
}

func NewRecorder(name string, sink Sink) *Recorder {
	return &Recorder{name: name, sink: sink}
}

// Record appends one event. Failures are logged and swallowed; the journal
// must never stall supervision.
func (r *Recorder) Record(t EventType, pid int, exitCode *int, detail string) {
	if r == nil || r.sink == nil {
		return
	}
	e := Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: Record{
			Name:     r.name,
			PID:      pid,
			ExitCode: exitCode,
			Detail:   detail,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		slog.Warn("journal write failed", "name", r.name, "event", t, "error", err)
	}
}
