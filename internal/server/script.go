package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/kithost/internal/host"
	"github.com/loykin/kithost/internal/process"
)

// scriptWait bounds a script request; app children are reaped before this.
const scriptWait = 30 * time.Second

type scriptArgs struct {
	Args []string `json:"args"`
}

// ScriptHandler runs kenv scripts over HTTP. GET /<name>?arg=a&arg=b or
// POST /<name> with {"args": [...]}. The script runs as an app process and
// the reply is its SEND_RESPONSE payload or the values it collected.
func ScriptHandler(h *host.Host) http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	run := func(c *gin.Context) {
		name := c.Param("script")
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid script name"})
			return
		}
		args := c.QueryArray("arg")
		if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
			var body scriptArgs
			if err := c.ShouldBindJSON(&body); err != nil {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
				return
			}
			args = append(args, body.Args...)
		}
		r, err := h.Start(process.TypeApp, name, args)
		if err != nil {
			writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), scriptWait)
		defer cancel()
		v, err := r.Wait(ctx)
		if err != nil {
			writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error()})
			return
		}
		if raw, ok := v.(json.RawMessage); ok {
			c.Data(http.StatusOK, "application/json", raw)
			return
		}
		writeJSON(c, http.StatusOK, v)
	}
	g.GET("/:script", run)
	g.POST("/:script", run)
	return g
}

// ScriptServer returns the START_SERVER factory for h. *h is read when the
// server starts, so the factory can be built before the host.
func ScriptServer(h **host.Host) host.ScriptServerFunc {
	return func(addr string) (io.Closer, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		srv := &http.Server{
			Handler:           ScriptHandler(*h),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("script server", "addr", addr, "error", err)
			}
		}()
		return srv, nil
	}
}
