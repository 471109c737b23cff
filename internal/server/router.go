package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/vigil/internal/ipc"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/supervisor"
)

// Router provides embeddable HTTP handlers for controlling the backend.
// Endpoints:
//   GET  {basePath}/status           current snapshot
//   POST {basePath}/start
//   POST {basePath}/stop             query: wait=2s (bounds the reply wait)
//   POST {basePath}/restart
//   POST {basePath}/update/check
//   POST {basePath}/update/download
//   POST {basePath}/update/apply
//   GET  {basePath}{wsPath}          WebSocket event stream
//   GET  {basePath}/healthz          liveness of the supervisor itself
//   GET  {basePath}/resources        only when a sampler is attached
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	sup      *supervisor.Supervisor
	hub      *ipc.Hub
	sampler  *metrics.ResourceSampler
	basePath string
	wsPath   string
}

// NewRouter constructs a new Router with configurable basePath and event
// stream path. A nil hub leaves the event stream unregistered.
func NewRouter(sup *supervisor.Supervisor, hub *ipc.Hub, basePath, wsPath string) *Router {
	bp := sanitizeBase(basePath)
	ws := sanitizeBase(wsPath)
	if ws == "" {
		ws = "/events"
	}
	return &Router{sup: sup, hub: hub, basePath: bp, wsPath: ws}
}

// SetResourceSampler exposes GET /resources backed by the sampler. Call it
// before Handler.
func (r *Router) SetResourceSampler(s *metrics.ResourceSampler) {
	r.sampler = s
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/update/check", r.handleUpdateCheck)
	group.POST("/update/download", r.handleUpdateDownload)
	group.POST("/update/apply", r.handleUpdateApply)
	group.GET("/healthz", r.handleHealthz)
	if r.hub != nil {
		group.GET(r.wsPath, r.handleEvents)
	}
	if r.sampler != nil {
		group.GET("/resources", r.handleResources)
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The returned server can be shut down by closing it.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Snapshot())
}

func (r *Router) handleStart(c *gin.Context) {
	r.dispatch(c, c.Request.Context(), ipc.CommandStart)
}

func (r *Router) handleStop(c *gin.Context) {
	ctx := c.Request.Context()
	if waitStr := c.Query("wait"); waitStr != "" {
		if d, err := time.ParseDuration(waitStr); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}
	r.dispatch(c, ctx, ipc.CommandStop)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.dispatch(c, c.Request.Context(), ipc.CommandRestart)
}

func (r *Router) handleUpdateCheck(c *gin.Context) {
	r.dispatch(c, c.Request.Context(), ipc.CommandCheckUpdate)
}

func (r *Router) handleUpdateDownload(c *gin.Context) {
	r.dispatch(c, c.Request.Context(), ipc.CommandDownloadUpdate)
}

func (r *Router) handleUpdateApply(c *gin.Context) {
	r.dispatch(c, c.Request.Context(), ipc.CommandApplyUpdate)
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	r.hub.ServeWS(c.Writer, c.Request)
}

type resourcesResp struct {
	Latest  *metrics.ResourceSample  `json:"latest,omitempty"`
	History []metrics.ResourceSample `json:"history,omitempty"`
}

func (r *Router) handleResources(c *gin.Context) {
	resp := resourcesResp{History: r.sampler.History()}
	if s, ok := r.sampler.Latest(); ok {
		resp.Latest = &s
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) dispatch(c *gin.Context, ctx context.Context, cmd string) {
	if err := r.sup.Dispatch(ctx, cmd); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
