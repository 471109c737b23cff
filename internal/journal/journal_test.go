package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestRecorderAppendsEvents(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder("app", sink)

	code := 1
	r.Record(EventSpawned, 100, nil, "")
	r.Record(EventCrashed, 100, &code, "exit status 1")

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventSpawned || got[0].Record.PID != 100 {
		t.Errorf("first event = %+v", got[0])
	}
	if got[0].Record.Name != "app" {
		t.Errorf("recorder must stamp the backend name, got %q", got[0].Record.Name)
	}
	if got[1].Type != EventCrashed {
		t.Errorf("second event type = %s", got[1].Type)
	}
	if got[1].Record.ExitCode == nil || *got[1].Record.ExitCode != 1 {
		t.Errorf("crash event must carry the exit code: %+v", got[1].Record)
	}
	if got[1].Record.Detail != "exit status 1" {
		t.Errorf("detail = %q", got[1].Record.Detail)
	}
	for _, e := range got {
		if e.OccurredAt.IsZero() {
			t.Errorf("event %s has zero timestamp", e.Type)
		}
	}
}

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	r.Record(EventStopped, 0, nil, "") // must not panic

	r = NewRecorder("app", nil)
	r.Record(EventStopped, 0, nil, "")
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	sink := &captureSink{err: errors.New("db gone")}
	r := NewRecorder("app", sink)
	r.Record(EventRunning, 7, nil, "") // logged, not returned
}

func TestRecorderTimestampsUTC(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder("app", sink)
	before := time.Now().UTC().Add(-time.Second)
	r.Record(EventRunning, 7, nil, "")
	after := time.Now().UTC().Add(time.Second)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ts := got[0].OccurredAt
	if ts.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", ts.Location())
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp %v outside [%v, %v]", ts, before, after)
	}
}
