package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loykin/kithost/internal/config"
)

func loadConfig(gf *GlobalFlags) (*config.Config, error) {
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if gf.SocketPath != "" {
		cfg.SocketPath = gf.SocketPath
	}
	return cfg, nil
}

// apiClient connects to the running host. wait extends the request timeout
// for commands that block on a script.
func apiClient(gf *GlobalFlags, wait time.Duration) (*APIClient, error) {
	cfg, err := loadConfig(gf)
	if err != nil {
		return nil, err
	}
	timeout := gf.APITimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	c := NewSocketClient(cfg.SocketPath, timeout+wait)
	if !c.IsReachable() {
		return nil, fmt.Errorf("kithost not reachable at %s - start it first with 'kithost serve'", cfg.SocketPath)
	}
	return c, nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
