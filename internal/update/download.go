package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// fetchArtifact streams the release artifact into DownloadDir, reporting
// progress through the OnProgress listener and verifying the feed's SHA256
// when one is present. The partial file is removed on any failure.
func (m *Manager) fetchArtifact(ctx context.Context, info Info) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return "", fmt.Errorf("update: artifact request: %w", err)
	}
	resp, err := m.dlClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("update: artifact fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("update: artifact status %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = info.Size
	}

	dir := m.cfg.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("update: download dir: %w", err)
	}
	final := filepath.Join(dir, artifactName(info))
	tmp := final + ".partial"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("update: create temp: %w", err)
	}

	hasher := sha256.New()
	pr := &progressReader{r: resp.Body, total: total, report: m.reportProgress}
	_, cerr := io.Copy(io.MultiWriter(f, hasher), pr)
	closeErr := f.Close()
	if cerr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("update: artifact read: %w", cerr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("update: flush temp: %w", closeErr)
	}

	if total <= 0 {
		total = pr.count
	}
	m.reportProgress(Progress{
		BytesReceived: pr.count,
		TotalBytes:    total,
		Percent:       clampPercent(pr.count, total),
	})

	if info.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(sum, info.SHA256) {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("update: checksum mismatch: got %s want %s", sum, info.SHA256)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("update: finalize artifact: %w", err)
	}
	return final, nil
}

func (m *Manager) reportProgress(p Progress) {
	m.mu.Lock()
	if p.BytesReceived < m.progress.BytesReceived {
		m.mu.Unlock()
		return
	}
	m.progress = p
	fn := m.onProgress
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// progressReader counts bytes as they stream by, throttling reports so a
// fast link does not flood listeners.
type progressReader struct {
	r      io.Reader
	total  int64
	count  int64
	last   time.Time
	report func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.count += int64(n)
		if p.report != nil && time.Since(p.last) >= progressMinGap {
			p.last = time.Now()
			p.report(Progress{
				BytesReceived: p.count,
				TotalBytes:    p.total,
				Percent:       clampPercent(p.count, p.total),
			})
		}
	}
	return n, err
}

func clampPercent(received, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(received) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func artifactName(info Info) string {
	if u, err := url.Parse(info.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "update-" + info.Version
}

// DefaultApply launches the artifact in its own session so the installer
// survives the application exiting mid-update. Packaging-specific installers
// can replace this through Manager.ApplyFunc.
func DefaultApply(_ context.Context, artifactPath string) error {
	if err := os.Chmod(artifactPath, 0o755); err != nil {
		return fmt.Errorf("update: chmod artifact: %w", err)
	}
	cmd := exec.Command(artifactPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("update: launch installer: %w", err)
	}
	return cmd.Process.Release()
}
