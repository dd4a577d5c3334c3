package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/kithost/internal/host"
	"github.com/loykin/kithost/internal/metrics"
	"github.com/loykin/kithost/internal/process"
	"github.com/loykin/kithost/internal/registry"
)

// Router serves the local control API of a running host.
// Endpoints:
//
//	POST   {basePath}/run                 body: RunRequest
//	POST   {basePath}/relaunch            body: {"argv": [...]}
//	POST   {basePath}/open-url            body: {"url": "kit://..."}
//	GET    {basePath}/processes           query: usage=1 adds CPU/RSS samples
//	DELETE {basePath}/processes/:pid
//	GET    {basePath}/background
//	POST   {basePath}/background/toggle   body: {"filePath": "..."}
//	GET    {basePath}/schedule
//	GET    {basePath}/metrics             when metrics are enabled
//	GET    {basePath}/ws                  when a UI handler is set
//	GET    {basePath}/healthz
type Router struct {
	h        *host.Host
	basePath string
	ui       http.Handler
	metrics  bool
	started  time.Time
}

type Options struct {
	BasePath string
	// UI serves the presentation websocket, usually a *prompt.Hub.
	UI      http.Handler
	Metrics bool
}

func NewRouter(h *host.Host, o Options) *Router {
	return &Router{
		h:        h,
		basePath: sanitizeBase(o.BasePath),
		ui:       o.UI,
		metrics:  o.Metrics,
		started:  time.Now(),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/run", r.handleRun)
	group.POST("/relaunch", r.handleRelaunch)
	group.POST("/open-url", r.handleOpenURL)
	group.GET("/processes", r.handleProcesses)
	group.DELETE("/processes/:pid", r.handleRemove)
	group.GET("/background", r.handleBackground)
	group.POST("/background/toggle", r.handleToggle)
	group.GET("/schedule", r.handleSchedule)
	group.GET("/healthz", r.handleHealth)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	if r.ui != nil {
		group.GET("/ws", gin.WrapH(r.ui))
	}
	return g
}

// Listen opens the control listener. Unix sockets replace a stale socket
// file and are readable by the owner only.
func Listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
			return nil, fmt.Errorf("socket dir: %w", err)
		}
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.Chmod(addr, 0o600); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
	}
	return ln, nil
}

// Serve runs handler on ln until ctx ends.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// RunRequest starts a script. Wait blocks the request until the script
// settles or Timeout passes.
type RunRequest struct {
	Script  string   `json:"script"`
	Args    []string `json:"args,omitempty"`
	Type    string   `json:"type,omitempty"`
	Wait    bool     `json:"wait,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type RunResponse struct {
	PID    int    `json:"pid"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type relaunchRequest struct {
	Argv []string `json:"argv"`
}

type openURLRequest struct {
	URL string `json:"url"`
}

type toggleRequest struct {
	FilePath string `json:"filePath"`
}

type processResp struct {
	registry.ProcessInfo
	Usage *metrics.Usage `json:"usage,omitempty"`
}

func (r *Router) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeScript(req.Script) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid script: must be a name, a kenv-relative path or a clean absolute path"})
		return
	}
	t := process.TypePrompt
	if req.Type != "" {
		pt, err := process.ParseType(req.Type)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		t = pt
	}
	wait := 30 * time.Second
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + err.Error()})
			return
		}
		wait = d
	}

	run, err := r.h.Start(t, req.Script, req.Args)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	r.respondRun(c, run, req.Wait, wait)
}

func (r *Router) respondRun(c *gin.Context, run *host.Run, wait bool, d time.Duration) {
	if run == nil {
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return
	}
	resp := RunResponse{PID: run.PID}
	if wait {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		v, err := run.Wait(ctx)
		if err != nil {
			resp.Error = err.Error()
		}
		resp.Result = v
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRelaunch(c *gin.Context) {
	var req relaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Argv) > 0 && !isKitURL(req.Argv[0]) && !isSafeScript(req.Argv[0]) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid script in argv"})
		return
	}
	run, err := r.h.Relaunch(req.Argv)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	r.respondRun(c, run, false, 0)
}

func (r *Router) handleOpenURL(c *gin.Context) {
	var req openURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	run, err := r.h.OpenURL(req.URL)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	r.respondRun(c, run, false, 0)
}

func (r *Router) handleProcesses(c *gin.Context) {
	usage := c.Query("usage") == "1" || c.Query("usage") == "true"
	list := r.h.Registry.List()
	out := make([]processResp, len(list))
	for i, p := range list {
		out[i] = processResp{ProcessInfo: p}
		if !usage {
			continue
		}
		u, err := metrics.SampleUsage(p.PID)
		if err != nil {
			slog.Debug("usage sample failed", "pid", p.PID, "error", err)
			continue
		}
		out[i].Usage = &u
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRemove(c *gin.Context) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid pid"})
		return
	}
	if _, ok := r.h.Registry.GetByPid(pid); !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: registry.ErrUnknownPID.Error()})
		return
	}
	r.h.Registry.RemoveByPid(pid)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleBackground(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.h.Background.List())
}

func (r *Router) handleToggle(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.FilePath == "" || !isSafeAbsPath(req.FilePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid filePath: must be a clean absolute path"})
		return
	}
	if err := r.h.Background.Toggle(req.FilePath); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSchedule(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.h.Scheduler.List())
}

type healthResp struct {
	OK        bool   `json:"ok"`
	Processes int    `json:"processes"`
	Uptime    string `json:"uptime"`
	Kenv      string `json:"kenv"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{
		OK:        true,
		Processes: r.h.Registry.Len(),
		Uptime:    time.Since(r.started).Round(time.Second).String(),
		Kenv:      r.h.Spawner().KenvPath(),
	})
}
