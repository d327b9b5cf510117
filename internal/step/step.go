// Package step instruments the named phases of a push run. Every phase
// reports a uniform lifecycle (started, finished, failed, skipped) to a
// Notifier so that operators can follow long pushes from the logs and
// embedding tools can hook the same transitions programmatically.
package step

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// EventType names one lifecycle transition of a step.
type EventType string

const (
	Started  EventType = "started"
	Finished EventType = "finished"
	Failed   EventType = "failed"
	Skipped  EventType = "skipped"
)

// tag returns the identifier fragment carried on log records for the
// event type ("upload-images-start", "upload-images-error", ...).
func (t EventType) tag() string {
	switch t {
	case Started:
		return "start"
	case Finished:
		return "end"
	case Failed:
		return "error"
	case Skipped:
		return "skip"
	}
	return string(t)
}

// Event describes one lifecycle transition of a named step.
type Event struct {
	// Name is the human-readable step name, e.g. "Upload images".
	Name string
	// ID is the normalized identifier, e.g. "upload-images". Skip
	// lists match against this form.
	ID string
	// Type is the transition being reported.
	Type EventType
	// Err carries the failure for Failed events, nil otherwise.
	Err error
}

// Notifier receives step events as they happen. Notify may be called
// from multiple goroutines and must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier reports step events through slog in the "<name>: <event>"
// format the push logs use. A nil Logger falls back to slog.Default.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ev Event) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msg := fmt.Sprintf("%s: %s", ev.Name, ev.Type)
	if ev.Type == Failed {
		if ev.Err != nil {
			logger.ErrorContext(ctx, msg, "event", ev.ID+"-"+ev.Type.tag(), "error", ev.Err)
			return
		}
		logger.ErrorContext(ctx, msg, "event", ev.ID+"-"+ev.Type.tag())
		return
	}
	logger.InfoContext(ctx, msg, "event", ev.ID+"-"+ev.Type.tag())
}

// Normalize converts a human step name to the identifier used for skip
// matching and log tags: lower-cased, spaces replaced with hyphens.
func Normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "-"))
}

// Options configures a Runner.
type Options struct {
	// Notifier receives the lifecycle events. Defaults to a LogNotifier
	// writing through slog.Default.
	Notifier Notifier

	// Skip lists identifiers of steps to bypass. Entries may themselves
	// be comma-separated, matching the --skip flag format. Each entry is
	// normalized before matching.
	Skip []string
}

// Runner executes named steps and reports their lifecycle to a
// Notifier. The zero value runs every step and logs through
// slog.Default.
type Runner struct {
	Notifier Notifier

	skip map[string]struct{}
}

// NewRunner returns a Runner honoring the given skip list.
func NewRunner(opts Options) *Runner {
	r := &Runner{Notifier: opts.Notifier}
	for _, entry := range opts.Skip {
		for _, id := range strings.Split(entry, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if r.skip == nil {
				r.skip = make(map[string]struct{})
			}
			r.skip[Normalize(id)] = struct{}{}
		}
	}
	return r
}

func (r *Runner) notifier() Notifier {
	if r != nil && r.Notifier != nil {
		return r.Notifier
	}
	return LogNotifier{}
}

func (r *Runner) skipped(id string) bool {
	if r == nil {
		return false
	}
	_, ok := r.skip[id]
	return ok
}

// state tracks a single step invocation. "started" is emitted at most
// once, and a closing report emits "started" first if nothing else has,
// so that the event sequence stays well formed even when inputs never
// arrive or complete out of order.
type state struct {
	runner *Runner
	name   string
	id     string

	mu      sync.Mutex
	started bool
	closed  bool
}

func (r *Runner) begin(name string) *state {
	return &state{runner: r, name: name, id: Normalize(name)}
}

func (s *state) start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.runner.notifier().Notify(ctx, Event{Name: s.name, ID: s.id, Type: Started})
}

func (s *state) finish(ctx context.Context) {
	s.start(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.runner.notifier().Notify(ctx, Event{Name: s.name, ID: s.id, Type: Finished})
}

func (s *state) fail(ctx context.Context, err error) {
	s.start(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.runner.notifier().Notify(ctx, Event{Name: s.name, ID: s.id, Type: Failed, Err: err})
}

// Run executes fn as a named synchronous step: "started" before the
// call, then "finished", or "failed" when fn returns an error. A
// skipped step does not execute and returns arg unchanged.
func Run[T any](ctx context.Context, r *Runner, name string, arg T, fn func(context.Context, T) (T, error)) (T, error) {
	if r.skipped(Normalize(name)) {
		r.notifier().Notify(ctx, Event{Name: name, ID: Normalize(name), Type: Skipped})
		return arg, nil
	}
	st := r.begin(name)
	st.start(ctx)
	out, err := fn(ctx, arg)
	if err != nil {
		st.fail(ctx, err)
		return out, err
	}
	st.finish(ctx)
	return out, nil
}

// RunDeferred executes fn as a step whose inputs and outputs complete
// in the background: "started" is emitted once any input promise
// completes without error (immediately when inputs is empty),
// "finished" once every returned promise has completed, and "failed"
// if any returned promise carries an error. A skipped step does not
// execute and returns inputs unchanged.
func RunDeferred[T any](ctx context.Context, r *Runner, name string, inputs []*Promise[T], fn func(context.Context, []*Promise[T]) []*Promise[T]) []*Promise[T] {
	if r.skipped(Normalize(name)) {
		r.notifier().Notify(ctx, Event{Name: name, ID: Normalize(name), Type: Skipped})
		return inputs
	}
	st := r.begin(name)
	if len(inputs) == 0 {
		st.start(ctx)
	}
	for _, in := range inputs {
		go func(p *Promise[T]) {
			if _, err := p.Wait(ctx); err == nil {
				st.start(ctx)
			}
		}(in)
	}
	outs := fn(ctx, inputs)
	go func() {
		var failure error
		for _, out := range outs {
			if _, err := out.Wait(ctx); err != nil && failure == nil {
				failure = err
			}
		}
		if failure != nil {
			st.fail(ctx, failure)
			return
		}
		st.finish(ctx)
	}()
	return outs
}

// RunStream executes fn as a step over a lazy sequence: "started" once
// the first element of the input sequence is produced (immediately
// when it is empty), "finished" once the returned sequence is
// exhausted, and "failed" when either sequence yields an error. A
// skipped step does not execute and returns seq unchanged.
func RunStream[T any](ctx context.Context, r *Runner, name string, seq iter.Seq2[T, error], fn func(context.Context, iter.Seq2[T, error]) iter.Seq2[T, error]) iter.Seq2[T, error] {
	if r.skipped(Normalize(name)) {
		r.notifier().Notify(ctx, Event{Name: name, ID: Normalize(name), Type: Skipped})
		return seq
	}
	st := r.begin(name)
	return watchStreamEnd(ctx, st, fn(ctx, watchStreamStart(ctx, st, seq)))
}

// watchStreamStart emits "started" when the first element arrives, or
// when the sequence ends without producing one.
func watchStreamStart[T any](ctx context.Context, st *state, seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			st.start(ctx)
			if !yield(v, err) {
				return
			}
		}
		st.start(ctx)
	}
}

// watchStreamEnd emits "finished" when the sequence is exhausted and
// "failed" on the first error element. A consumer abandoning the
// sequence early produces no closing event.
func watchStreamEnd[T any](ctx context.Context, st *state, seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			if err != nil {
				st.fail(ctx, err)
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		st.finish(ctx)
	}
}
