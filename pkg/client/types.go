package client

import "time"

// Snapshot represents the daemon's view of the supervised backend.
// Timestamps are epoch milliseconds; zero values are omitted.
type Snapshot struct {
	Name        string        `json:"name"`
	State       string        `json:"state"`
	PID         int           `json:"pid,omitempty"`
	StartedAtMs int64         `json:"startedAtMs,omitempty"`
	UptimeMs    int64         `json:"uptimeMs,omitempty"`
	ExitCode    *int          `json:"exitCode,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Restarts    uint32        `json:"restarts"`
	Update      *UpdateStatus `json:"update,omitempty"`
	AtMs        int64         `json:"atMs"`
}

// UpdateStatus represents the updater's point-in-time state
type UpdateStatus struct {
	State        string          `json:"state"`
	Current      string          `json:"current"`
	Available    *UpdateInfo     `json:"available,omitempty"`
	Progress     *UpdateProgress `json:"progress,omitempty"`
	ArtifactPath string          `json:"artifactPath,omitempty"`
	Error        string          `json:"error,omitempty"`
	CheckedAt    time.Time       `json:"checkedAt,omitempty"`
}

// UpdateInfo represents one release as described by the update feed
type UpdateInfo struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256,omitempty"`
	Notes   string `json:"notes,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// UpdateProgress represents download progress of an update artifact
type UpdateProgress struct {
	BytesReceived int64   `json:"bytesReceived"`
	TotalBytes    int64   `json:"totalBytes"`
	Percent       float64 `json:"percent"`
}

// ResourceSample represents one resource usage measurement of the backend
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Resources represents the daemon's resource usage response
type Resources struct {
	Latest  *ResourceSample  `json:"latest,omitempty"`
	History []ResourceSample `json:"history,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
