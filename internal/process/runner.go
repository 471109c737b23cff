package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/vigil/internal/env"
)

// SpawnError wraps a synchronous start failure: the OS refused to create the
// process, so no Handle exists and no exit event will ever follow. A crash
// after a successful spawn is reported through EventExited instead.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "spawn: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// Hint returns a short remediation hint for the common failure classes, or
// an empty string.
func (e *SpawnError) Hint() string {
	switch {
	case errors.Is(e.Err, exec.ErrNotFound):
		return "executable not found in PATH; check that the backend is installed"
	case os.IsNotExist(e.Err):
		return "file or working directory does not exist"
	case os.IsPermission(e.Err):
		return "permission denied; check the executable bit"
	default:
		return ""
	}
}

// Runner spawns and reaps one backend process at a time. Output lines, the
// optional ready hint, and the final exit are emitted on Events; the exit
// event is emitted exactly once per run, after all of that run's lines.
type Runner struct {
	environ *env.Env
	events  chan Event

	mu      sync.Mutex
	current *child
	status  Status
}

type child struct {
	handle   *Handle
	cmd      *exec.Cmd
	outW     io.WriteCloser
	errW     io.WriteCloser
	hint     string
	hintOnce sync.Once
	waitDone chan struct{}
	scanners sync.WaitGroup
}

// NewRunner creates a Runner. environ may be nil, in which case the OS
// environment is the merge base.
func NewRunner(environ *env.Env) *Runner {
	if environ == nil {
		environ = env.New()
	}
	return &Runner{
		environ: environ,
		events:  make(chan Event, 256),
	}
}

// Events returns the runner's event stream. The channel is never closed;
// consumers stop reading when they shut down.
func (r *Runner) Events() <-chan Event { return r.events }

// Start spawns the backend described by spec. It returns a Handle on
// success or a *SpawnError when the OS refuses synchronously. A second
// Start while a run is live is an error.
func (r *Runner) Start(spec Spec) (*Handle, error) {
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return nil, errors.New("process already running")
	}
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	merged := r.environ.Merge(spec.Env)
	cmd.Env = env.EnsureDefaults(merged, env.UnbufferedIO)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	var outW, errW io.WriteCloser
	if spec.Log.File.Dir != "" || spec.Log.File.StdoutPath != "" || spec.Log.File.StderrPath != "" {
		if spec.Log.File.Dir != "" {
			_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
		}
		outW, errW, _ = spec.Log.ProcessWriters(spec.Name)
	}

	if err := cmd.Start(); err != nil {
		closeWriter(outW)
		closeWriter(errW)
		return nil, &SpawnError{Err: err}
	}

	h := newHandle(spec.Name, cmd.Process.Pid)
	c := &child{
		handle:   h,
		cmd:      cmd,
		outW:     outW,
		errW:     errW,
		hint:     spec.ReadyHint,
		waitDone: make(chan struct{}),
	}

	r.mu.Lock()
	r.current = c
	r.status = Status{
		Name:      spec.Name,
		Running:   true,
		PID:       h.PID,
		StartedAt: h.StartedAt,
	}
	r.mu.Unlock()

	writePIDFile(spec.PIDFile, h.PID, spec.Name)

	c.scanners.Add(2)
	go r.scan(c, stdout, Stdout, outW)
	go r.scan(c, stderr, Stderr, errW)
	go r.reap(c, spec.PIDFile)

	return h, nil
}

// Signal sends sig to the current run's process group. It is a no-op when
// nothing is running; a vanished group is not an error.
func (r *Runner) Signal(sig syscall.Signal) error {
	r.mu.Lock()
	c := r.current
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := syscall.Kill(-c.handle.PID, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Stop terminates the current run: TERM to the group, up to grace for a
// clean exit, then KILL. It returns once the process has been reaped (or
// the reap window expired after KILL). Nil when nothing was running.
func (r *Runner) Stop(grace time.Duration) error {
	r.mu.Lock()
	c := r.current
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	_ = r.Signal(syscall.SIGTERM)
	select {
	case <-c.waitDone:
		return nil
	case <-time.After(grace):
	}
	_ = r.Signal(syscall.SIGKILL)
	select {
	case <-c.waitDone:
	case <-time.After(DefaultReapWindow):
		// best-effort
	}
	return nil
}

// Status returns a copy of the runner's view of the backend.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Current returns the live run's handle, if any.
func (r *Runner) Current() (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil, false
	}
	return r.current.handle, true
}

func (r *Runner) scan(c *child, pipe io.Reader, stream Stream, w io.Writer) {
	defer c.scanners.Done()
	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		if w != nil {
			_, _ = w.Write(append([]byte(text), '\n'))
		}
		if stream == Stdout && c.hint != "" && strings.Contains(text, c.hint) {
			c.hintOnce.Do(func() {
				r.events <- Event{Kind: EventReadyHint, HandleID: c.handle.ID, PID: c.handle.PID}
			})
		}
		r.events <- Event{
			Kind:     EventLine,
			HandleID: c.handle.ID,
			PID:      c.handle.PID,
			Stream:   stream,
			Text:     text,
		}
	}
	if err := sc.Err(); err != nil {
		slog.Debug("output scan ended", "name", c.handle.Name(), "stream", stream, "error", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pipe)
	}
}

// reap waits for the scanners, then for the process, and emits the single
// exit event for this run.
func (r *Runner) reap(c *child, pidFile string) {
	c.scanners.Wait()
	err := c.cmd.Wait()

	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	c.handle.setExitCode(code)

	closeWriter(c.outW)
	closeWriter(c.errW)
	removePIDFile(pidFile)

	var exitErr string
	if err != nil {
		exitErr = err.Error()
	}
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitCode = &code
	r.status.ExitErr = exitErr
	r.current = nil
	r.mu.Unlock()

	close(c.waitDone)

	r.events <- Event{
		Kind:     EventExited,
		HandleID: c.handle.ID,
		PID:      c.handle.PID,
		Code:     code,
		Err:      err,
	}
}

func closeWriter(w io.WriteCloser) {
	if w != nil {
		_ = w.Close()
	}
}
