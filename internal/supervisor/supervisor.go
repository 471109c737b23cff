package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/ipc"
	"github.com/loykin/vigil/internal/journal"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/process"
	"github.com/loykin/vigil/internal/update"
)

// State is the supervisor's lifecycle state. The values travel as-is in
// snapshots, so they stay camelCase like the rest of the UI payloads.
type State string

const (
	StateIdle           State = "idle"
	StateSpawning       State = "spawning"
	StateHealthChecking State = "healthChecking"
	StateRunning        State = "running"
	StateCrashed        State = "crashed"
	StateRestarting     State = "restarting"
	StateStopping       State = "stopping"
	StateStopped        State = "stopped"
)

// Crash causes as reported in CrashEvent.
const (
	CauseExited        = "exited"
	CauseHealthTimeout = "healthTimeout"
)

// CrashEvent is the payload of the crashed notification. It is published
// exactly once per crash.
type CrashEvent struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exitCode"`
	Cause    string `json:"cause"`
	Error    string `json:"error"`
}

// Snapshot is the point-in-time view of the supervised backend. It is
// rebuilt on every state change and pushed to UI clients; timestamps are
// epoch milliseconds so zero values drop out of the JSON.
type Snapshot struct {
	Name        string         `json:"name"`
	State       State          `json:"state"`
	PID         int            `json:"pid,omitempty"`
	StartedAtMs int64          `json:"startedAtMs,omitempty"`
	UptimeMs    int64          `json:"uptimeMs,omitempty"`
	ExitCode    *int           `json:"exitCode,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	Restarts    uint32         `json:"restarts"`
	Update      *update.Status `json:"update,omitempty"`
	AtMs        int64          `json:"atMs"`
}

// Publisher pushes events to connected UI clients. *ipc.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Config describes the one backend a Supervisor owns.
type Config struct {
	Backend process.Spec
	Health  health.Config
}

// Options carries the optional collaborators. All of them may be left zero;
// a Supervisor without a journal, updater or publisher still supervises.
type Options struct {
	Environ *env.Env
	Journal *journal.Recorder
	Updates *update.Manager
	// OnApplied fires after an update was handed to the installer. It runs
	// on the control loop, so it must only signal (e.g. cancel the app
	// context) and return.
	OnApplied func()
}

type command struct {
	action commandAction
	reply  chan error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionCheckUpdate
	actionDownloadUpdate
	actionApplyUpdate
	actionShutdown
)

type healthResult struct {
	handleID string
	err      error
}

type updateOutcome struct {
	op     string
	status update.Status
	err    error
}

const (
	opCheck    = "check"
	opDownload = "download"
	opApply    = "apply"
)

// run is the loop-local bookkeeping for one spawned backend process. It
// exists while the state is Spawning, HealthChecking, Running or Stopping.
type run struct {
	handle       *process.Handle
	kick         chan struct{}
	cancelHealth context.CancelFunc
}

var errUpdatesDisabled = errors.New("update: not configured")

// Supervisor drives one backend process through its lifecycle.
//
// A single control-loop goroutine owns the state machine; commands, process
// events, health results and update outcomes all arrive as messages and are
// consumed in a total order, so there is exactly one writer for lifecycle
// state.
//
// State machine:
//
//	Idle -> Spawning -> HealthChecking -> Running
//	HealthChecking/Running -> Crashed -> Restarting -> Spawning
//	any active state -> Stopping -> Stopped
type Supervisor struct {
	spec    process.Spec
	hcfg    health.Config
	runner  *process.Runner
	checker *health.Checker
	journal *journal.Recorder
	updates *update.Manager

	cmdChan  chan command
	doneChan chan struct{}
	healthCh chan healthResult
	updateCh chan updateOutcome

	baseCtx    context.Context
	cancelBase context.CancelFunc
	onApplied  func()

	mu        sync.RWMutex
	state     State
	pid       int
	startedAt time.Time
	exitCode  *int
	lastErr   error
	restarts  uint32
	publisher Publisher

	// Loop-local fields, touched only by the control goroutine.
	cur             *run
	restartInFlight bool
	updateOp        string

	lastDLBytes atomic.Int64
}

// New builds a Supervisor and starts its control loop. The loop runs until
// Shutdown.
func New(cfg Config, opts Options) *Supervisor {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		spec:       cfg.Backend,
		hcfg:       cfg.Health,
		runner:     process.NewRunner(opts.Environ),
		checker:    health.New(cfg.Health),
		journal:    opts.Journal,
		updates:    opts.Updates,
		cmdChan:    make(chan command, 16),
		doneChan:   make(chan struct{}),
		healthCh:   make(chan healthResult, 1),
		updateCh:   make(chan updateOutcome, 4),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		onApplied:  opts.OnApplied,
		state:      StateIdle,
	}

	name := cfg.Backend.Name
	s.checker.OnResult = func(res health.Result) {
		metrics.ObserveHealthCheck(name, res.Healthy, res.Latency.Seconds())
	}
	if s.updates != nil {
		s.updates.SetOnAvailable(s.onUpdateAvailable)
		s.updates.SetOnProgress(s.onDownloadProgress)
	}

	go s.loop()
	return s
}

// SetPublisher wires the event sink. It is the one collaborator set after
// construction because the bridge needs the Supervisor as its dispatcher.
func (s *Supervisor) SetPublisher(p Publisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// Start spawns the backend and begins health checking.
func (s *Supervisor) Start() error { return s.send(actionStart) }

// Stop terminates the backend: TERM to the group, the configured grace
// period, then KILL. It also cancels in-flight health polls and aborts an
// in-flight update download.
func (s *Supervisor) Stop() error { return s.send(actionStop) }

// Restart tears the backend down and spawns it again. Duplicate restarts
// while one is in flight collapse into a single spawn attempt.
func (s *Supervisor) Restart() error { return s.send(actionRestart) }

// CheckUpdate runs an update feed check in the background. The outcome
// arrives through snapshots and, when a newer release exists, an
// updateAvailable event.
func (s *Supervisor) CheckUpdate() error { return s.send(actionCheckUpdate) }

// DownloadUpdate fetches the available release artifact. It is rejected
// unless a check reported one; a successful check alone never moves bytes.
func (s *Supervisor) DownloadUpdate() error { return s.send(actionDownloadUpdate) }

// ApplyUpdate hands the downloaded artifact to the installer hook.
func (s *Supervisor) ApplyUpdate() error { return s.send(actionApplyUpdate) }

// Shutdown stops the backend and terminates the control loop. It is safe to
// call more than once.
func (s *Supervisor) Shutdown() error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionShutdown, reply: reply}:
	case <-s.doneChan:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-s.doneChan:
		return nil
	}
}

// Dispatch implements ipc.Dispatcher, mapping bridge commands onto the
// supervisor's operations. REST and WebSocket commands both land here, so
// they share one validation and ordering path. A ctx deadline bounds how
// long the caller waits for the reply; the operation itself continues.
func (s *Supervisor) Dispatch(ctx context.Context, cmd string) error {
	switch cmd {
	case ipc.CommandStart:
		return s.sendCtx(ctx, actionStart)
	case ipc.CommandStop:
		return s.sendCtx(ctx, actionStop)
	case ipc.CommandRestart:
		return s.sendCtx(ctx, actionRestart)
	case ipc.CommandCheckUpdate:
		return s.sendCtx(ctx, actionCheckUpdate)
	case ipc.CommandDownloadUpdate:
		return s.sendCtx(ctx, actionDownloadUpdate)
	case ipc.CommandApplyUpdate:
		return s.sendCtx(ctx, actionApplyUpdate)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot assembles the current view of the backend and the update flow.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Name:     s.spec.Name,
		State:    s.state,
		PID:      s.pid,
		Restarts: s.restarts,
		AtMs:     time.Now().UnixMilli(),
	}
	if !s.startedAt.IsZero() {
		snap.StartedAtMs = s.startedAt.UnixMilli()
		snap.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	if s.exitCode != nil {
		c := *s.exitCode
		snap.ExitCode = &c
	}
	if s.lastErr != nil {
		snap.LastError = errorWithHint(s.lastErr)
	}
	s.mu.RUnlock()

	if s.updates != nil {
		st := s.updates.Status()
		snap.Update = &st
	}
	return snap
}

func (s *Supervisor) send(action commandAction) error {
	return s.sendCtx(context.Background(), action)
}

func (s *Supervisor) sendCtx(ctx context.Context, action commandAction) error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: action, reply: reply}:
	case <-s.doneChan:
		return errors.New("supervisor is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.doneChan:
		return errors.New("supervisor is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) publish(eventType string, payload any) {
	s.mu.RLock()
	p := s.publisher
	s.mu.RUnlock()
	if p != nil {
		p.Publish(eventType, payload)
	}
}

func (s *Supervisor) publishSnapshot() {
	s.publish(ipc.EventSnapshot, s.Snapshot())
}

// onUpdateAvailable runs on whichever goroutine discovered the release
// (manual check or periodic ticker); everything it touches is safe for that.
func (s *Supervisor) onUpdateAvailable(info update.Info) {
	s.journal.Record(journal.EventUpdateAvailable, 0, nil, info.Version)
	s.publish(ipc.EventUpdateAvailable, info)
}

func (s *Supervisor) onDownloadProgress(p update.Progress) {
	last := s.lastDLBytes.Swap(p.BytesReceived)
	delta := p.BytesReceived - last
	if delta < 0 {
		// A new download session restarts the byte count.
		delta = p.BytesReceived
	}
	metrics.AddDownloadBytes(delta)
	s.publish(ipc.EventDownloadProgress, p)
}

func errorWithHint(err error) string {
	var se *process.SpawnError
	if errors.As(err, &se) {
		if hint := se.Hint(); hint != "" {
			return se.Error() + " (" + hint + ")"
		}
	}
	return err.Error()
}
