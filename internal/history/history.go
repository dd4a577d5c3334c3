// Package history journals script runs to external stores. The journal is
// append-only: nothing reads it back to restore state.
package history

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventExit    EventType = "exit"
	EventTimeout EventType = "timeout"
	EventRemove  EventType = "remove"
)

// Record describes one script run.
type Record struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Type      string    `json:"type"`
	Script    string    `json:"script"`
	Args      []string  `json:"args,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
	ExitErr   string    `json:"exit_err,omitempty"`
}

// NewRunID returns a fresh identifier for a run.
func NewRunID() string { return uuid.NewString() }

// ArgsString joins args for column storage.
func (r Record) ArgsString() string { return strings.Join(r.Args, " ") }

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends each event to every sink with a bounded timeout, logging
// failures instead of returning them.
type Fanout []Sink

const sendTimeout = 5 * time.Second

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		c, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := s.Send(c, e); err != nil {
			slog.Warn("history sink failed", "event", e.Type, "pid", e.Record.PID, "error", err)
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Close closes every sink that has a Close method.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
