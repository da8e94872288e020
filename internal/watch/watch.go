// Package watch prints shared state and kv changes as a server broadcasts them.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/jamtools/springboard/internal/filter"
	"github.com/jamtools/springboard/internal/server"
	"github.com/jamtools/springboard/pkg/kvstore"
	"github.com/jamtools/springboard/pkg/rpc"
	"github.com/jamtools/springboard/pkg/state"
)

// ErrDisconnected is returned by Run when the connection to the server ends.
var ErrDisconnected = errors.New("disconnected from server")

// OutputFormat selects how events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// Event kinds.
const (
	KindState = "state"
	KindKV    = "kv"
)

// Event is one observed change.
type Event struct {
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Name    string          `json:"name"`
	Version uint64          `json:"version,omitempty"`
	Value   json.RawMessage `json:"value"`
}

// Watcher receives change notifications through an rpc.Server.
type Watcher struct {
	criteria filter.Criteria
	format   OutputFormat
	out      io.Writer
	events   chan Event
	now      func() time.Time
}

// New registers notification handlers on srv. Events are queued from then on
// and written by Run.
func New(srv *rpc.Server, criteria filter.Criteria, format OutputFormat, out io.Writer) *Watcher {
	w := &Watcher{
		criteria: criteria,
		format:   format,
		out:      out,
		events:   make(chan Event, 64),
		now:      time.Now,
	}
	srv.Register(state.ChangedMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		var c state.Change
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, err
		}
		w.push(ctx, Event{Kind: KindState, Name: c.Name, Version: c.Version, Value: c.Value})
		return nil, nil
	})
	srv.Register(server.KVChangedMethod, func(ctx context.Context, params json.RawMessage) (any, error) {
		var c kvstore.Change
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, err
		}
		w.push(ctx, Event{Kind: KindKV, Name: c.Key, Value: c.Value})
		return nil, nil
	})
	return w
}

func (w *Watcher) push(ctx context.Context, ev Event) {
	if !w.criteria.Matches(ev.Kind, ev.Name) {
		return
	}
	ev.Time = w.now()
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// Run writes events until ctx is done (returns nil) or done is closed
// (returns ErrDisconnected).
func (w *Watcher) Run(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return ErrDisconnected
		case ev := <-w.events:
			if err := w.write(ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
	}
}

var (
	stateColor = color.New(color.FgCyan)
	kvColor    = color.New(color.FgMagenta)
)

func (w *Watcher) write(ev Event) error {
	if w.format == OutputFormatJSON {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w.out, "%s\n", line)
		return err
	}

	ts := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case KindState:
		stateColor.Fprintf(w.out, "[%s] state %s", ts, ev.Name)
		_, err := fmt.Fprintf(w.out, " v%d = %s\n", ev.Version, ev.Value)
		return err
	default:
		kvColor.Fprintf(w.out, "[%s] kv %s", ts, ev.Name)
		_, err := fmt.Fprintf(w.out, " = %s\n", ev.Value)
		return err
	}
}
