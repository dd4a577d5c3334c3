package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/kithost/internal/config"
	"github.com/loykin/kithost/internal/history"
	"github.com/loykin/kithost/internal/history/factory"
	"github.com/loykin/kithost/internal/host"
	"github.com/loykin/kithost/internal/instance"
	"github.com/loykin/kithost/internal/logger"
	"github.com/loykin/kithost/internal/metrics"
	"github.com/loykin/kithost/internal/prompt"
	"github.com/loykin/kithost/internal/router"
	"github.com/loykin/kithost/internal/server"
	"github.com/loykin/kithost/internal/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [script] [args...]",
		Short: "Start the host",
		Long: `Start the host: control socket, presentation websocket, file watcher,
background scripts and schedules. When another host already holds the lock,
the arguments are handed to it as a relaunch and this process exits.

Examples:
  kithost serve
  kithost serve todo add milk        # run todo in the host, starting it if needed
  kithost serve kit://new%20script`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags, serveFlags, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&serveFlags.NonBlocking, "non-blocking", false, "start, then shut down immediately")
	_ = cmd.Flags().MarkHidden("non-blocking")
	return cmd
}

func runServe(ctx context.Context, gf *GlobalFlags, sf *ServeFlags, args []string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(gf)
	if err != nil {
		return err
	}
	closer := logger.Setup(cfg.LoggerConfig(), os.Stderr)
	defer func() { _ = closer.Close() }()

	lock, err := instance.Acquire(cfg.LockPath())
	if errors.Is(err, instance.ErrRunning) {
		return forwardRelaunch(cfg, gf, args, out)
	}
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if cfg.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	var sink history.Sink
	if len(cfg.History.DSNs) > 0 {
		sinks, err := factory.NewSinks(cfg.History.DSNs)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer func() { _ = sinks.Close() }()
		sink = sinks
	}

	hub := prompt.NewHub()
	var h *host.Host
	h, err = host.New(host.Options{
		Config:       cfg,
		Prompt:       hub,
		Sink:         sink,
		ScriptServer: server.ScriptServer(&h),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	api := server.NewRouter(h, server.Options{UI: hub, Metrics: cfg.Metrics}).Handler()
	ln, err := server.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	go serveAPI(ctx, ln, api, cfg.SocketPath)
	if cfg.HTTPAddr != "" {
		tcp, err := server.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("http listener: %w", err)
		}
		go serveAPI(ctx, tcp, api, cfg.HTTPAddr)
	}

	var w *watch.Watcher
	if cfg.Watch {
		w, err = watch.New(h.Spawner().KenvPath("scripts"), cfg.ScriptExt, h.Background, h.Scheduler)
		if err != nil {
			return fmt.Errorf("watch scripts: %w", err)
		}
		defer func() { _ = w.Close() }()
		if err := w.Scan(); err != nil {
			slog.Warn("initial script scan", "error", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				slog.Error("script watcher stopped", "error", err)
			}
		}()
	}

	go handleEvents(ctx, h, w)

	if _, err := h.Relaunch(args); err != nil {
		slog.Warn("initial run failed", "argv", args, "error", err)
	}

	slog.Info("kithost serving", "socket", cfg.SocketPath, "http", cfg.HTTPAddr, "version", version)
	_, _ = fmt.Fprintf(out, "kithost listening on %s\n", cfg.SocketPath)

	if sf.NonBlocking {
		cancel()
	}
	runErr := h.Run(ctx)
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := h.Shutdown(sctx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
	if h.RestartNeeded() {
		slog.Info("a script asked for a restart")
	}
	return runErr
}

// forwardRelaunch hands argv to the instance holding the lock.
func forwardRelaunch(cfg *config.Config, gf *GlobalFlags, args []string, out io.Writer) error {
	pid, _ := instance.Owner(cfg.LockPath())
	if pid != 0 && !instance.Alive(pid) {
		return fmt.Errorf("lock %s is held but owner pid %d is gone", cfg.LockPath(), pid)
	}
	c := NewSocketClient(cfg.SocketPath, gf.APITimeout)
	if err := c.Relaunch(args); err != nil {
		return fmt.Errorf("kithost already running (pid %d), relaunch failed: %w", pid, err)
	}
	_, _ = fmt.Fprintf(out, "forwarded to running kithost (pid %d)\n", pid)
	return nil
}

func serveAPI(ctx context.Context, ln net.Listener, h http.Handler, name string) {
	if err := server.Serve(ctx, ln, h); err != nil {
		slog.Error("control API stopped", "addr", name, "error", err)
	}
}

// handleEvents logs host events and follows kenv switches with the watcher.
func handleEvents(ctx context.Context, h *host.Host, w *watch.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.Events():
			slog.Debug("host event", "kind", e.Kind, "data", e.Data)
			if e.Kind != router.EventKenvChanged || w == nil {
				continue
			}
			kenv, _ := e.Data.(string)
			if err := w.Switch(filepath.Join(kenv, "scripts")); err != nil {
				slog.Warn("watch switched kenv", "kenv", kenv, "error", err)
			}
		}
	}
}
