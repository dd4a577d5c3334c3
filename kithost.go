// Package kithost is the embedding API of the script host.
package kithost

import (
	"net/http"

	cfg "github.com/loykin/kithost/internal/config"
	"github.com/loykin/kithost/internal/history"
	"github.com/loykin/kithost/internal/history/factory"
	"github.com/loykin/kithost/internal/host"
	"github.com/loykin/kithost/internal/metrics"
	"github.com/loykin/kithost/internal/prompt"
	"github.com/loykin/kithost/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Host = host.Host

type Options = host.Options

// Run is the handle of a started script.
type Run = host.Run

type Event = host.Event

type Desktop = host.Desktop

type Presenter = prompt.Presenter

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func New(o Options) (*Host, error) { return host.New(o) }

// NewPromptHub returns a websocket Presenter; mount it with NewHTTPHandler.
func NewPromptHub() *prompt.Hub { return prompt.NewHub() }

// NewHTTPHandler exposes the control API of h. ui may be nil.
func NewHTTPHandler(h *Host, basePath string, ui http.Handler) http.Handler {
	return server.NewRouter(h, server.Options{BasePath: basePath, UI: ui, Metrics: true}).Handler()
}

// NewHistorySinks builds a fanout sink from DSNs (sqlite://, postgres://, clickhouse://).
func NewHistorySinks(dsns []string) (history.Fanout, error) { return factory.NewSinks(dsns) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
