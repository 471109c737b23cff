package process

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies one live run of the backend. It is created on successful
// spawn and stays valid until the exit event for its ID has been observed.
type Handle struct {
	ID        string
	PID       int
	StartedAt time.Time

	mu       sync.Mutex
	name     string
	exitCode *int
}

func newHandle(name string, pid int) *Handle {
	return &Handle{
		ID:        uuid.NewString(),
		PID:       pid,
		StartedAt: time.Now(),
		name:      name,
	}
}

// Name returns the backend name this handle belongs to.
func (h *Handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.name
}

// ExitCode returns the recorded exit code once the process has been reaped.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitCode == nil {
		return 0, false
	}
	return *h.exitCode, true
}

func (h *Handle) setExitCode(code int) {
	h.mu.Lock()
	h.exitCode = &code
	h.mu.Unlock()
}
