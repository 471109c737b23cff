package process

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "self.pid")

	writePIDFile(path, os.Getpid(), "self")

	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
	if meta == nil {
		t.Fatal("expected meta trailer")
	}
	if meta.Name != "self" {
		t.Errorf("meta name = %q, want self", meta.Name)
	}
	if meta.StartUnix <= 0 {
		t.Errorf("expected positive start time for own pid, got %d", meta.StartUnix)
	}
}

func TestReadPIDFileLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.pid")
	if err := os.WriteFile(path, []byte("12345\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile legacy: %v", err)
	}
	if pid != 12345 {
		t.Fatalf("pid = %d, want 12345", pid)
	}
	if meta != nil {
		t.Fatalf("expected nil meta for legacy pidfile, got %+v", meta)
	}
}

func TestReadPIDFileGarbageTrailer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.pid")
	if err := os.WriteFile(path, []byte("123\nnot-json\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 123 || meta != nil {
		t.Fatalf("got pid=%d meta=%+v, want 123 and nil meta", pid, meta)
	}
}

func TestReadPIDFileBadPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := ReadPIDFile(path); err == nil {
		t.Fatal("expected error for unparseable pid line")
	}
}

func TestWritePIDFileEmptyPathNoop(t *testing.T) {
	writePIDFile("", 123, "x")
	removePIDFile("")
}
