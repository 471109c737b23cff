package vigil

import (
	"context"
	"net/http"
	"time"

	cfg "github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/ipc"
	"github.com/loykin/vigil/internal/journal"
	"github.com/loykin/vigil/internal/journal/factory"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/process"
	iapi "github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/supervisor"
	"github.com/loykin/vigil/internal/update"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type HealthConfig = health.Config

type State = supervisor.State

const (
	StateIdle           = supervisor.StateIdle
	StateSpawning       = supervisor.StateSpawning
	StateHealthChecking = supervisor.StateHealthChecking
	StateRunning        = supervisor.StateRunning
	StateCrashed        = supervisor.StateCrashed
	StateRestarting     = supervisor.StateRestarting
	StateStopping       = supervisor.StateStopping
	StateStopped        = supervisor.StateStopped
)

type Snapshot = supervisor.Snapshot

type Publisher = supervisor.Publisher

type Config = cfg.FileConfig

type UpdateConfig = update.Config

type UpdateManager = update.Manager

type UpdateStatus = update.Status

type JournalSink = journal.Sink

type JournalRecorder = journal.Recorder

type Env = env.Env

type ResourceConfig = metrics.ResourceConfig

type ResourceSampler = metrics.ResourceSampler

// SupervisorConfig and SupervisorOptions mirror the internal supervisor
// wiring so embedders assemble the same collaborators the daemon does.

type SupervisorConfig = supervisor.Config

type SupervisorOptions = supervisor.Options

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.

type Supervisor struct{ inner *supervisor.Supervisor }

// New builds a supervisor for one backend and starts its control loop.
func New(c SupervisorConfig, opts SupervisorOptions) *Supervisor {
	return &Supervisor{inner: supervisor.New(c, opts)}
}

func (s *Supervisor) Start() error          { return s.inner.Start() }
func (s *Supervisor) Stop() error           { return s.inner.Stop() }
func (s *Supervisor) Restart() error        { return s.inner.Restart() }
func (s *Supervisor) CheckUpdate() error    { return s.inner.CheckUpdate() }
func (s *Supervisor) DownloadUpdate() error { return s.inner.DownloadUpdate() }
func (s *Supervisor) ApplyUpdate() error    { return s.inner.ApplyUpdate() }
func (s *Supervisor) State() State          { return s.inner.State() }
func (s *Supervisor) Snapshot() Snapshot    { return s.inner.Snapshot() }
func (s *Supervisor) Shutdown() error       { return s.inner.Shutdown() }

// Dispatch routes a named bridge command (ipc.Command*) to the control loop.
func (s *Supervisor) Dispatch(ctx context.Context, command string) error {
	return s.inner.Dispatch(ctx, command)
}

func (s *Supervisor) SetPublisher(p Publisher) { s.inner.SetPublisher(p) }

// Hub facade

type Hub struct{ inner *ipc.Hub }

// NewHub builds the WebSocket bridge hub with the supervisor as its command
// dispatcher. Wire the other direction with s.SetPublisher(hub).
func NewHub(s *Supervisor) *Hub { return &Hub{inner: ipc.NewHub(s.inner)} }

func (h *Hub) Run(ctx context.Context) error         { return h.inner.Run(ctx) }
func (h *Hub) Publish(eventType string, payload any) { h.inner.Publish(eventType, payload) }
func (h *Hub) ClientCount() int                      { return h.inner.ClientCount() }
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.inner.ServeWS(w, r)
}

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

func NewUpdateManager(c UpdateConfig, currentVersion string) *UpdateManager {
	return update.NewManager(c, currentVersion)
}

// NewJournalSink opens a journal sink from a DSN (sqlite path, postgres://
// or clickhouse:// URL).
func NewJournalSink(dsn string) (JournalSink, error) { return factory.NewSinkFromDSN(dsn) }

func NewJournalRecorder(name string, sink JournalSink) *JournalRecorder {
	return journal.NewRecorder(name, sink)
}

func NewEnv() *Env { return env.New() }

func NewResourceSampler(c ResourceConfig) *ResourceSampler { return metrics.NewResourceSampler(c) }

// NewHTTPServer starts an HTTP server exposing the control API and the
// WebSocket event stream for the given supervisor. hub and sampler may be
// nil; the event stream and resource routes are then absent.
func NewHTTPServer(addr, basePath, wsPath string, s *Supervisor, h *Hub, sampler *ResourceSampler) (*http.Server, error) {
	var hub *ipc.Hub
	if h != nil {
		hub = h.inner
	}
	r := iapi.NewRouter(s.inner, hub, basePath, wsPath)
	if sampler != nil {
		r.SetResourceSampler(sampler)
	}
	return iapi.NewServer(addr, r)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// RegisterResourceMetricsDefault exposes the sampler's gauges on the default
// registry alongside the supervision counters.
func RegisterResourceMetricsDefault(s *ResourceSampler) error {
	return s.RegisterMetrics(prometheus.DefaultRegisterer)
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
