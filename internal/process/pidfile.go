package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is the JSON trailer of a pidfile. The recorded start time lets a
// later takeover tell the original process apart from a recycled PID.
type PIDMeta struct {
	Name      string `json:"name"`
	StartUnix int64  `json:"start_unix"`
}

func writePIDFile(path string, pid int, name string) {
	if path == "" || pid <= 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	content := strconv.Itoa(pid) + "\n"
	if b, err := json.Marshal(PIDMeta{Name: name, StartUnix: processStartUnix(pid)}); err == nil {
		content += string(b) + "\n"
	}
	_ = os.WriteFile(path, []byte(content), 0o600)
}

// removePIDFile is best-effort and idempotent.
func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ReadPIDFile reads a pidfile: the PID on the first line and, when present,
// JSON metadata on the second. Files holding only a PID yield nil meta.
func ReadPIDFile(path string) (int, *PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var meta PIDMeta
	if err := json.Unmarshal([]byte(rest), &meta); err != nil {
		// Return the PID even when the trailer cannot be parsed.
		return pid, nil, nil
	}
	return pid, &meta, nil
}
