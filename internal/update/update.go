package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	goversion "github.com/hashicorp/go-version"
)

const (
	DefaultTimeout = 30 * time.Second
	maxFeedBytes   = 1 << 20
	progressMinGap = 100 * time.Millisecond
)

// State enumerates the update flow. Downloading is only reachable from
// Available through an explicit Download call, which keeps the flow
// consent-gated: nothing is fetched because a check succeeded.
type State string

const (
	StateIdle           State = "idle"
	StateChecking       State = "checking"
	StateUpToDate       State = "upToDate"
	StateAvailable      State = "available"
	StateCheckFailed    State = "checkFailed"
	StateDownloading    State = "downloading"
	StateReadyToApply   State = "readyToApply"
	StateDownloadFailed State = "downloadFailed"
)

// Info is one release as described by the feed.
type Info struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256,omitempty"`
	Notes   string `json:"notes,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// Progress reports download movement. BytesReceived never decreases within
// one download session and Percent stays within [0,100].
type Progress struct {
	BytesReceived int64   `json:"bytesReceived"`
	TotalBytes    int64   `json:"totalBytes"`
	Percent       float64 `json:"percent"`
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State        State     `json:"state"`
	Current      string    `json:"current"`
	Available    *Info     `json:"available,omitempty"`
	Progress     *Progress `json:"progress,omitempty"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
	Error        string    `json:"error,omitempty"`
	CheckedAt    time.Time `json:"checkedAt,omitempty"`
}

type Config struct {
	FeedURL       string        `mapstructure:"feed_url" json:"feed_url"`
	DownloadDir   string        `mapstructure:"download_dir" json:"download_dir"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval" json:"check_interval"`
}

// ApplyFunc hands a downloaded artifact to the platform installer.
type ApplyFunc func(ctx context.Context, artifactPath string) error

// Manager owns the update flow for one application. All methods are safe
// for concurrent use; Check and Download block and are meant to be run off
// the caller's main loop.
type Manager struct {
	cfg        Config
	current    *goversion.Version
	feedClient *http.Client
	dlClient   *http.Client

	// ApplyFunc is invoked by Apply with the downloaded artifact. Leaving
	// it nil makes Apply fail, which is the safe default for embedders.
	ApplyFunc ApplyFunc

	mu        sync.Mutex
	state     State
	available *Info
	progress  Progress
	artifact  string
	lastErr   error
	checkedAt time.Time
	cancelDL  context.CancelFunc

	onAvailable func(Info)
	onProgress  func(Progress)
}

// NewManager builds a Manager comparing the feed against currentVersion.
// An unparseable current version degrades to 0.0.0 so every release counts
// as newer.
func NewManager(cfg Config, currentVersion string) *Manager {
	cur, err := goversion.NewVersion(currentVersion)
	if err != nil {
		cur, _ = goversion.NewVersion("0.0.0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		cfg:        cfg,
		current:    cur,
		state:      StateIdle,
		feedClient: &http.Client{Timeout: cfg.Timeout},
		// Artifact downloads can be large; cancellation comes from the
		// request context, not a wall-clock budget.
		dlClient: &http.Client{},
	}
}

// SetOnAvailable registers the listener fired whenever a check discovers a
// newer release.
func (m *Manager) SetOnAvailable(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAvailable = fn
}

// SetOnProgress registers the download progress listener.
func (m *Manager) SetOnProgress(fn func(Progress)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = fn
}

// CurrentVersion returns the version the manager compares against.
func (m *Manager) CurrentVersion() string { return m.current.String() }

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Status {
	st := Status{
		State:        m.state,
		Current:      m.current.String(),
		ArtifactPath: m.artifact,
		CheckedAt:    m.checkedAt,
	}
	if m.available != nil {
		info := *m.available
		st.Available = &info
	}
	if m.state == StateDownloading || m.state == StateReadyToApply {
		p := m.progress
		st.Progress = &p
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Check fetches the feed once and compares versions. It never retries on
// its own; a network failure surfaces as CheckFailed and waits for the
// next explicit request (or periodic tick).
func (m *Manager) Check(ctx context.Context) (Status, error) {
	m.mu.Lock()
	switch m.state {
	case StateChecking, StateDownloading:
		st := m.snapshotLocked()
		m.mu.Unlock()
		return st, fmt.Errorf("update: busy (%s)", st.State)
	}
	m.state = StateChecking
	m.lastErr = nil
	m.mu.Unlock()

	info, err := m.fetchFeed(ctx)

	m.mu.Lock()
	m.checkedAt = time.Now()
	if err != nil {
		m.state = StateCheckFailed
		m.available = nil
		m.lastErr = err
		st := m.snapshotLocked()
		m.mu.Unlock()
		return st, err
	}
	latest, perr := goversion.NewVersion(info.Version)
	if perr != nil {
		m.state = StateCheckFailed
		m.available = nil
		m.lastErr = fmt.Errorf("update: bad feed version %q: %w", info.Version, perr)
		st := m.snapshotLocked()
		m.mu.Unlock()
		return st, m.lastErr
	}
	if !latest.GreaterThan(m.current) {
		m.state = StateUpToDate
		m.available = nil
		st := m.snapshotLocked()
		m.mu.Unlock()
		return st, nil
	}
	m.state = StateAvailable
	m.available = info
	notify := m.onAvailable
	st := m.snapshotLocked()
	m.mu.Unlock()

	if notify != nil {
		notify(*info)
	}
	return st, nil
}

func (m *Manager) fetchFeed(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("update: feed request: %w", err)
	}
	resp, err := m.feedClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update: feed fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update: feed status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("update: feed read: %w", err)
	}
	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("update: feed decode: %w", err)
	}
	if info.Version == "" || info.URL == "" {
		return nil, errors.New("update: feed missing version or url")
	}
	return &info, nil
}

// Download fetches the available artifact. It is only legal after a check
// reported Available (or after a failed download, for a user-driven retry);
// that is the consent gate. A canceled download returns to Available with
// progress discarded.
func (m *Manager) Download(ctx context.Context) (Status, error) {
	m.mu.Lock()
	if m.state != StateAvailable && m.state != StateDownloadFailed {
		st := m.snapshotLocked()
		m.mu.Unlock()
		return st, fmt.Errorf("update: download requires an available update (state %s)", st.State)
	}
	if m.available == nil {
		st := m.snapshotLocked()
		m.mu.Unlock()
		return st, errors.New("update: no release recorded")
	}
	info := *m.available
	dctx, cancel := context.WithCancel(ctx)
	m.cancelDL = cancel
	m.state = StateDownloading
	m.progress = Progress{TotalBytes: info.Size}
	m.lastErr = nil
	m.mu.Unlock()
	defer cancel()

	path, err := m.fetchArtifact(dctx, info)

	m.mu.Lock()
	m.cancelDL = nil
	switch {
	case err == nil:
		m.state = StateReadyToApply
		m.artifact = path
	case dctx.Err() != nil:
		// Aborted, not failed: the release stays available and progress
		// is discarded.
		m.state = StateAvailable
		m.progress = Progress{}
		err = context.Canceled
	default:
		m.state = StateDownloadFailed
		m.lastErr = err
	}
	st := m.snapshotLocked()
	m.mu.Unlock()
	return st, err
}

// Abort cancels an in-flight download. It is a no-op in any other state.
func (m *Manager) Abort() {
	m.mu.Lock()
	cancel := m.cancelDL
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Apply hands the downloaded artifact to ApplyFunc. Legal only from
// ReadyToApply.
func (m *Manager) Apply(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateReadyToApply {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("update: nothing ready to apply (state %s)", st)
	}
	fn := m.ApplyFunc
	artifact := m.artifact
	m.mu.Unlock()

	if fn == nil {
		return errors.New("update: no apply hook configured")
	}
	return fn(ctx, artifact)
}

// RunPeriodic checks the feed every CheckInterval until ctx ends. It only
// notifies through the OnAvailable listener; downloads always wait for an
// explicit Download call. A zero interval disables the loop.
func (m *Manager) RunPeriodic(ctx context.Context) {
	if m.cfg.CheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			busy := m.state == StateChecking || m.state == StateDownloading || m.state == StateReadyToApply
			m.mu.Unlock()
			if busy {
				continue
			}
			_, _ = m.Check(ctx)
		}
	}
}
