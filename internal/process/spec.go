package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/vigil/internal/logger"
)

// Default timings for the stop escalation.
const (
	DefaultGracePeriod = 5 * time.Second
	DefaultReapWindow  = 200 * time.Millisecond
)

// Spec describes the backend process to supervise.
type Spec struct {
	Name      string        `json:"name" mapstructure:"name"`
	Command   string        `json:"command" mapstructure:"command"`       // command line to start the backend (shell rules apply)
	WorkDir   string        `json:"work_dir" mapstructure:"work_dir"`     // optional working dir
	Env       []string      `json:"env" mapstructure:"env"`               // optional extra env ("K=V")
	PIDFile   string        `json:"pid_file" mapstructure:"pid_file"`     // optional pidfile; enables stale takeover
	ReadyHint string        `json:"ready_hint" mapstructure:"ready_hint"` // optional stdout substring hinting readiness
	Grace     time.Duration `json:"grace_period" mapstructure:"grace_period"`
	Log       logger.Config `json:"log" mapstructure:"log"` // rotated capture of backend stdout/stderr
}

// GracePeriod returns the configured TERM-to-KILL grace, or the default.
func (s *Spec) GracePeriod() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return DefaultGracePeriod
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
// Validate checks that the spec describes a startable backend.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("backend requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("backend %s requires command", s.Name)
	}
	return nil
}

func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	// Fallback: when metacharacters are present, use /bin/sh -c
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// If after is wrapped in single or double quotes, strip one pair so that
			// we pass the actual script to the shell (the outer quotes would otherwise
			// inhibit parsing/redirection inside the script).
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
