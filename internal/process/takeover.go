package process

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// startTimeSlack absorbs tick rounding between a recorded start time and
// the one /proc reports for the same process.
const startTimeSlack = 2 // seconds

// PIDAlive reports whether pid refers to a live, non-zombie process.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// TakeOverStale inspects spec.PIDFile for a backend left behind by an
// earlier run. A live process whose identity matches the recorded metadata
// is terminated (TERM, then KILL after grace); a stale or recycled PID only
// has its file removed. Reports whether a process was actually terminated.
func TakeOverStale(spec Spec, grace time.Duration) (bool, error) {
	if spec.PIDFile == "" {
		return false, nil
	}
	pid, meta, err := ReadPIDFile(spec.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// Unparseable files are removed rather than trusted.
		removePIDFile(spec.PIDFile)
		return false, nil
	}
	if !PIDAlive(pid) {
		removePIDFile(spec.PIDFile)
		return false, nil
	}
	if meta != nil && meta.StartUnix > 0 {
		if cur := processStartUnix(pid); cur > 0 && absDiff(cur, meta.StartUnix) > startTimeSlack {
			slog.Info("pidfile points at recycled pid, removing", "name", spec.Name, "pid", pid)
			removePIDFile(spec.PIDFile)
			return false, nil
		}
	}
	if grace <= 0 {
		grace = spec.GracePeriod()
	}
	slog.Info("taking over stale backend", "name", spec.Name, "pid", pid)
	signalGroup(pid, syscall.SIGTERM)
	if !waitGone(pid, grace) {
		signalGroup(pid, syscall.SIGKILL)
		waitGone(pid, DefaultReapWindow)
	}
	removePIDFile(spec.PIDFile)
	return true, nil
}

// signalGroup signals the whole process group when pid leads one, otherwise
// just the process.
func signalGroup(pid int, sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		_ = syscall.Kill(-pid, sig)
		return
	}
	_ = syscall.Kill(pid, sig)
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !PIDAlive(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !PIDAlive(pid)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
