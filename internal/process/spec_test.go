package process

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// Ensure that when the command string already includes an explicit
// shell invocation (e.g., "sh -c 'echo hi'"), we do not double-wrap
// it with another "/bin/sh -c" layer.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[1] != "-c" {
		t.Fatalf("expected -c as second arg, got %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || strings.HasPrefix(cmd.Args[2], "/bin/sh -c ") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

// When metacharacters are present and no explicit shell prefix is given the
// command is wrapped with /bin/sh -c.
func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_EmptyCommand(t *testing.T) {
	s := Spec{Name: "test", Command: ""}
	cmd := s.BuildCommand()
	if cmd.Path != "/bin/true" {
		t.Errorf("expected /bin/true for empty command, got %q", cmd.Path)
	}
}

func TestBuildCommand_SimpleCommand(t *testing.T) {
	s := Spec{Name: "test", Command: "ls -la"}
	cmd := s.BuildCommand()

	if !(cmd.Path == "ls" || strings.HasSuffix(cmd.Path, "/ls")) {
		t.Errorf("expected ls or a path ending with /ls, got %q", cmd.Path)
	}
	expected := []string{"ls", "-la"}
	if len(cmd.Args) != len(expected) {
		t.Fatalf("expected args %v, got %v", expected, cmd.Args)
	}
	for i, arg := range expected {
		if cmd.Args[i] != arg {
			t.Errorf("expected arg[%d] = %q, got %q", i, arg, cmd.Args[i])
		}
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		name           string
		cmdStr         string
		expectedShell  string
		expectedAfter  string
		expectedResult bool
	}{
		{
			name:           "sh -c with single quotes",
			cmdStr:         "sh -c 'echo hello'",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "sh -c with double quotes",
			cmdStr:         `sh -c "echo hello"`,
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "/bin/sh -c",
			cmdStr:         "/bin/sh -c 'echo hello'",
			expectedShell:  "/bin/sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "/usr/bin/sh -c",
			cmdStr:         "/usr/bin/sh -c 'echo hello'",
			expectedShell:  "/usr/bin/sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "no quotes",
			cmdStr:         "sh -c echo hello",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "not shell command",
			cmdStr:         "echo hello",
			expectedShell:  "",
			expectedAfter:  "",
			expectedResult: false,
		},
		{
			name:           "whitespace prefix",
			cmdStr:         "  \tsh -c 'echo hello'",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "partial match",
			cmdStr:         "bash -c 'echo hello'",
			expectedShell:  "",
			expectedAfter:  "",
			expectedResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell, after, result := parseExplicitShell(tt.cmdStr)
			if result != tt.expectedResult {
				t.Errorf("expected result %v, got %v", tt.expectedResult, result)
			}
			if shell != tt.expectedShell {
				t.Errorf("expected shell %q, got %q", tt.expectedShell, shell)
			}
			if after != tt.expectedAfter {
				t.Errorf("expected after %q, got %q", tt.expectedAfter, after)
			}
		})
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		expectErr   bool
		errContains string
	}{
		{
			name:      "valid spec",
			spec:      Spec{Name: "backend", Command: "echo hello"},
			expectErr: false,
		},
		{
			name:        "empty name",
			spec:        Spec{Name: "", Command: "echo hello"},
			expectErr:   true,
			errContains: "requires name",
		},
		{
			name:        "whitespace only name",
			spec:        Spec{Name: "   ", Command: "echo hello"},
			expectErr:   true,
			errContains: "requires name",
		},
		{
			name:        "empty command",
			spec:        Spec{Name: "backend", Command: ""},
			expectErr:   true,
			errContains: "requires command",
		},
		{
			name:        "whitespace only command",
			spec:        Spec{Name: "backend", Command: "   "},
			expectErr:   true,
			errContains: "requires command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.expectErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error to contain %q, got %v", tt.errContains, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestGracePeriod(t *testing.T) {
	s := Spec{Name: "g", Command: "true"}
	if got := s.GracePeriod(); got != DefaultGracePeriod {
		t.Fatalf("default grace = %v, want %v", got, DefaultGracePeriod)
	}
	s.Grace = 750 * time.Millisecond
	if got := s.GracePeriod(); got != 750*time.Millisecond {
		t.Fatalf("grace = %v, want 750ms", got)
	}
}
