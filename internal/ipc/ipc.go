package ipc

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Message is the wire envelope in both directions: commands arrive from UI
// clients, events go out to them.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Commands a UI client may issue. The bridge validates the name and forwards
// it; it never interprets what a command means.
const (
	CommandStart          = "start"
	CommandStop           = "stop"
	CommandRestart        = "restart"
	CommandCheckUpdate    = "checkUpdate"
	CommandDownloadUpdate = "downloadUpdate"
	CommandApplyUpdate    = "applyUpdate"
)

// Event types pushed to UI clients.
const (
	EventSnapshot         = "snapshot"
	EventUpdateAvailable  = "updateAvailable"
	EventDownloadProgress = "downloadProgress"
	EventCrashed          = "crashed"
	EventError            = "error"
)

var knownCommands = map[string]struct{}{
	CommandStart:          {},
	CommandStop:           {},
	CommandRestart:        {},
	CommandCheckUpdate:    {},
	CommandDownloadUpdate: {},
	CommandApplyUpdate:    {},
}

// KnownCommand reports whether name is a command the bridge will forward.
func KnownCommand(name string) bool {
	_, ok := knownCommands[name]
	return ok
}

// Dispatcher executes validated commands on behalf of UI clients. A non-nil
// error is reported back to the issuing client as an error event.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, command string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, command string) error {
	return f(ctx, command)
}

// errorPayload is the payload of an error event.
type errorPayload struct {
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

var errMalformed = errors.New("malformed message")

func errUnknownCommand(name string) error {
	return fmt.Errorf("unknown command %q", name)
}
