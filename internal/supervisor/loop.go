package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/ipc"
	"github.com/loykin/vigil/internal/journal"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/process"
	"github.com/loykin/vigil/internal/update"
)

// loop is the control goroutine. It is the only writer of lifecycle state;
// everything it calls runs on this goroutine unless noted otherwise.
func (s *Supervisor) loop() {
	defer close(s.doneChan)
	for {
		select {
		case cmd := <-s.cmdChan:
			if s.handleCommand(cmd) {
				return
			}
		case ev := <-s.runner.Events():
			s.handleProcessEvent(ev)
		case hr := <-s.healthCh:
			s.handleHealthResult(hr)
		case out := <-s.updateCh:
			s.handleUpdateOutcome(out)
		}
	}
}

func (s *Supervisor) handleCommand(cmd command) (shutdown bool) {
	var err error
	switch cmd.action {
	case actionStart:
		err = s.handleStart()
	case actionStop:
		err = s.handleStop("")
	case actionRestart:
		err = s.handleRestart()
	case actionCheckUpdate:
		err = s.startCheck()
	case actionDownloadUpdate:
		err = s.startDownload()
	case actionApplyUpdate:
		err = s.startApply()
	case actionShutdown:
		err = s.handleShutdown()
		shutdown = true
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
	return shutdown
}

func (s *Supervisor) handleStart() error {
	switch st := s.State(); st {
	case StateIdle, StateStopped, StateCrashed:
		return s.spawn()
	case StateRunning:
		return fmt.Errorf("backend %s is already running (pid %d)", s.spec.Name, s.pidNow())
	case StateSpawning, StateHealthChecking:
		return fmt.Errorf("backend %s is already starting", s.spec.Name)
	case StateRestarting:
		return fmt.Errorf("backend %s is restarting", s.spec.Name)
	case StateStopping:
		return fmt.Errorf("backend %s is stopping, wait for it to finish", s.spec.Name)
	default:
		return fmt.Errorf("backend %s cannot start from state %s", s.spec.Name, st)
	}
}

// spawn takes the backend from a dead state to HealthChecking. A stale
// process left behind by a previous supervisor run is terminated first so
// its ports are free and exactly one backend exists.
func (s *Supervisor) spawn() error {
	if took, err := process.TakeOverStale(s.spec, s.spec.GracePeriod()); err != nil {
		slog.Warn("stale backend takeover failed", "name", s.spec.Name, "error", err)
	} else if took {
		slog.Info("terminated stale backend before spawn", "name", s.spec.Name)
	}

	s.mu.Lock()
	s.lastErr = nil
	s.exitCode = nil
	s.mu.Unlock()
	s.setState(StateSpawning)

	h, err := s.runner.Start(s.spec)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.restartInFlight = false
		s.journal.Record(journal.EventSpawnFailed, 0, nil, errorWithHint(err))
		slog.Error("backend spawn failed", "name", s.spec.Name, "error", errorWithHint(err))
		s.setState(StateStopped)
		return err
	}

	s.mu.Lock()
	s.pid = h.PID
	s.startedAt = h.StartedAt
	s.mu.Unlock()
	s.cur = &run{handle: h, kick: make(chan struct{}, 1)}

	metrics.IncSpawn(s.spec.Name)
	s.journal.Record(journal.EventSpawned, h.PID, nil, "")
	slog.Info("backend spawned", "name", s.spec.Name, "pid", h.PID)
	s.setState(StateHealthChecking)
	s.startHealth()
	return nil
}

// startHealth launches the readiness poll for the current run. Without a
// configured endpoint the spawn itself counts as ready.
func (s *Supervisor) startHealth() {
	if s.hcfg.URL == "" {
		s.restartInFlight = false
		s.journal.Record(journal.EventRunning, s.pidNow(), nil, "")
		s.setState(StateRunning)
		return
	}
	hctx, cancel := context.WithCancel(s.baseCtx)
	s.cur.cancelHealth = cancel
	id := s.cur.handle.ID
	kick := s.cur.kick
	go func() {
		err := s.checker.Await(hctx, kick)
		select {
		case s.healthCh <- healthResult{handleID: id, err: err}:
		case <-s.doneChan:
		}
	}()
}

func (s *Supervisor) handleHealthResult(hr healthResult) {
	if s.cur == nil || s.cur.handle.ID != hr.handleID || s.State() != StateHealthChecking {
		return
	}
	s.cur.cancelHealth = nil

	if hr.err == nil {
		s.restartInFlight = false
		s.journal.Record(journal.EventRunning, s.pidNow(), nil, "")
		slog.Info("backend ready", "name", s.spec.Name, "pid", s.pidNow())
		s.setState(StateRunning)
		return
	}
	if errors.Is(hr.err, health.ErrTimeout) {
		slog.Warn("backend never became ready", "name", s.spec.Name, "pid", s.pidNow(), "error", hr.err)
		s.crashFromHealthTimeout(hr.err)
		return
	}
	// Canceled: a stop or shutdown owns the transition.
}

// crashFromHealthTimeout kills the unready backend and reports the crash.
// The later exit event for this run no longer matches a current run and is
// dropped, which keeps the crash notification single.
func (s *Supervisor) crashFromHealthTimeout(cause error) {
	_ = s.runner.Stop(s.spec.GracePeriod())
	code := -1
	if st := s.runner.Status(); st.ExitCode != nil {
		code = *st.ExitCode
	}
	pid := s.pidNow()

	s.mu.Lock()
	s.exitCode = &code
	s.lastErr = cause
	s.pid = 0
	s.startedAt = time.Time{}
	s.mu.Unlock()
	s.cur = nil
	s.restartInFlight = false

	metrics.IncCrash(s.spec.Name, "health_timeout")
	s.journal.Record(journal.EventHealthTimeout, pid, &code, cause.Error())
	s.publish(ipc.EventCrashed, CrashEvent{
		Name:     s.spec.Name,
		PID:      pid,
		ExitCode: code,
		Cause:    CauseHealthTimeout,
		Error:    cause.Error(),
	})
	s.setState(StateCrashed)
}

func (s *Supervisor) handleProcessEvent(ev process.Event) {
	if s.cur == nil || ev.HandleID != s.cur.handle.ID {
		// A previous run's leftovers; the current run is keyed by handle.
		return
	}
	switch ev.Kind {
	case process.EventReadyHint:
		if s.State() == StateHealthChecking {
			select {
			case s.cur.kick <- struct{}{}:
			default:
			}
		}
	case process.EventExited:
		s.handleExit(ev)
	}
}

func (s *Supervisor) handleExit(ev process.Event) {
	st := s.State()
	if st != StateHealthChecking && st != StateRunning {
		return
	}
	if s.cur.cancelHealth != nil {
		s.cur.cancelHealth()
	}
	code := ev.Code
	cause := ev.Err
	if cause == nil {
		// Exit code 0 is clean only after a stop command; unasked it is
		// still a crash.
		cause = fmt.Errorf("backend exited unexpectedly with code %d", code)
	}

	s.mu.Lock()
	s.exitCode = &code
	s.lastErr = cause
	s.pid = 0
	s.startedAt = time.Time{}
	s.mu.Unlock()
	s.cur = nil
	s.restartInFlight = false

	metrics.IncCrash(s.spec.Name, "exited")
	s.journal.Record(journal.EventCrashed, ev.PID, &code, cause.Error())
	slog.Warn("backend crashed", "name", s.spec.Name, "pid", ev.PID, "exit_code", code)
	s.publish(ipc.EventCrashed, CrashEvent{
		Name:     s.spec.Name,
		PID:      ev.PID,
		ExitCode: code,
		Cause:    CauseExited,
		Error:    cause.Error(),
	})
	s.setState(StateCrashed)
}

func (s *Supervisor) handleStop(detail string) error {
	// A stop always abandons an in-flight download, even when the backend
	// is already gone.
	if s.updates != nil {
		s.updates.Abort()
	}
	switch s.State() {
	case StateIdle, StateStopped:
		return nil
	case StateCrashed:
		s.setState(StateStopped)
		return nil
	}
	s.setState(StateStopping)
	s.stopBackend(detail)
	s.restartInFlight = false
	s.setState(StateStopped)
	return nil
}

// stopBackend tears down the current run: health polls canceled, TERM to
// the group, grace, then KILL. It performs no state transitions; callers
// own those.
func (s *Supervisor) stopBackend(detail string) {
	if s.cur != nil && s.cur.cancelHealth != nil {
		s.cur.cancelHealth()
	}
	if err := s.runner.Stop(s.spec.GracePeriod()); err != nil {
		slog.Warn("backend stop", "name", s.spec.Name, "error", err)
	}

	var code *int
	if st := s.runner.Status(); st.ExitCode != nil {
		c := *st.ExitCode
		code = &c
	}
	pid := s.pidNow()

	s.mu.Lock()
	s.exitCode = code
	s.pid = 0
	s.startedAt = time.Time{}
	s.mu.Unlock()
	s.cur = nil

	metrics.IncStop(s.spec.Name)
	s.journal.Record(journal.EventStopped, pid, code, detail)
	slog.Info("backend stopped", "name", s.spec.Name, "pid", pid)
}

func (s *Supervisor) handleRestart() error {
	if s.restartInFlight {
		// Another restart is already on its way to Running; collapse.
		return nil
	}
	switch st := s.State(); st {
	case StateRunning, StateCrashed, StateStopped, StateIdle:
	case StateSpawning, StateHealthChecking:
		return fmt.Errorf("backend %s is already starting", s.spec.Name)
	case StateStopping:
		return fmt.Errorf("backend %s is stopping, wait for it to finish", s.spec.Name)
	default:
		return fmt.Errorf("backend %s cannot restart from state %s", s.spec.Name, st)
	}

	s.restartInFlight = true
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncRestart(s.spec.Name)
	slog.Info("restarting backend", "name", s.spec.Name)
	s.setState(StateRestarting)
	if s.cur != nil {
		s.stopBackend("restart")
	}
	return s.spawn()
}

func (s *Supervisor) handleShutdown() error {
	err := s.handleStop("shutdown")
	s.cancelBase()
	return err
}

func (s *Supervisor) startCheck() error {
	if s.updates == nil {
		return errUpdatesDisabled
	}
	if s.updateOp != "" {
		return fmt.Errorf("update: busy (%s in flight)", s.updateOp)
	}
	if st := s.updates.Status(); st.State == update.StateChecking || st.State == update.StateDownloading {
		return fmt.Errorf("update: busy (%s)", st.State)
	}
	s.updateOp = opCheck
	go func() {
		st, err := s.updates.Check(s.baseCtx)
		s.deliverUpdateOutcome(updateOutcome{op: opCheck, status: st, err: err})
	}()
	return nil
}

func (s *Supervisor) startDownload() error {
	if s.updates == nil {
		return errUpdatesDisabled
	}
	if s.updateOp != "" {
		return fmt.Errorf("update: busy (%s in flight)", s.updateOp)
	}
	if st := s.updates.Status(); st.State != update.StateAvailable && st.State != update.StateDownloadFailed {
		return fmt.Errorf("update: no update available to download (state %s)", st.State)
	}
	s.updateOp = opDownload
	go func() {
		st, err := s.updates.Download(s.baseCtx)
		s.deliverUpdateOutcome(updateOutcome{op: opDownload, status: st, err: err})
	}()
	return nil
}

func (s *Supervisor) startApply() error {
	if s.updates == nil {
		return errUpdatesDisabled
	}
	if s.updateOp != "" {
		return fmt.Errorf("update: busy (%s in flight)", s.updateOp)
	}
	if st := s.updates.Status(); st.State != update.StateReadyToApply {
		return fmt.Errorf("update: nothing ready to apply (state %s)", st.State)
	}
	s.updateOp = opApply
	go func() {
		err := s.updates.Apply(s.baseCtx)
		s.deliverUpdateOutcome(updateOutcome{op: opApply, status: s.updates.Status(), err: err})
	}()
	return nil
}

func (s *Supervisor) deliverUpdateOutcome(out updateOutcome) {
	select {
	case s.updateCh <- out:
	case <-s.doneChan:
	}
}

func (s *Supervisor) handleUpdateOutcome(out updateOutcome) {
	s.updateOp = ""
	switch out.op {
	case opCheck:
		result := "failed"
		if out.err == nil {
			result = "up_to_date"
			if out.status.State == update.StateAvailable {
				result = "available"
			}
		}
		metrics.IncUpdateCheck(result)
		if out.err != nil {
			slog.Warn("update check failed", "error", out.err)
		}
	case opDownload:
		switch {
		case out.err == nil:
			s.journal.Record(journal.EventUpdateDownloaded, 0, nil, availableVersion(out.status))
			slog.Info("update downloaded", "version", availableVersion(out.status), "artifact", out.status.ArtifactPath)
		case errors.Is(out.err, context.Canceled):
			slog.Info("update download aborted")
		default:
			slog.Warn("update download failed", "error", out.err)
		}
	case opApply:
		if out.err == nil {
			s.journal.Record(journal.EventUpdateApplied, 0, nil, availableVersion(out.status))
			slog.Info("update handed to installer", "version", availableVersion(out.status))
			if s.onApplied != nil {
				s.onApplied()
			}
		} else {
			slog.Warn("update apply failed", "error", out.err)
		}
	}
	s.publishSnapshot()
}

// setState records a lifecycle transition and pushes the rebuilt snapshot.
func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(s.spec.Name, string(prev), string(next))
	metrics.SetCurrentState(s.spec.Name, string(prev), false)
	metrics.SetCurrentState(s.spec.Name, string(next), true)
	slog.Debug("backend state changed", "name", s.spec.Name, "from", prev, "to", next)
	s.publishSnapshot()
}

func (s *Supervisor) pidNow() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

func availableVersion(st update.Status) string {
	if st.Available != nil {
		return st.Available.Version
	}
	return ""
}
