package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/metrics"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	readChunkSize      = 32 * 1024
	maxPendingPayload  = 1 << 20
)

// ErrPartialPayload is returned by a Dialect when a line payload is not yet
// a complete JSON document and must be joined with the next line.
var ErrPartialPayload = errors.New("partial payload")

// Dialect decodes complete upstream payloads into canonical events.
type Dialect interface {
	Name() string
	Decode(st *State, payload []byte) ([]domain.StreamEvent, error)
	// EOF is called when the upstream body ends before the stream closed.
	EOF(st *State) []domain.StreamEvent
}

// EventSource is anything that yields canonical events one at a time.
type EventSource interface {
	Next(ctx context.Context) (domain.StreamEvent, error)
	Close() error
}

type Option func(*Translator)

func WithIdleTimeout(d time.Duration) Option {
	return func(t *Translator) {
		if d > 0 {
			t.idle = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) { t.logger = l }
}

type readResult struct {
	data []byte
	err  error
}

// Translator turns an upstream SSE body into canonical StreamEvents. Events
// are pulled with Next; the upstream is only read as fast as the caller
// consumes.
type Translator struct {
	body    io.ReadCloser
	dialect Dialect
	idle    time.Duration
	logger  *slog.Logger

	state   *State
	buf     []byte
	pending []byte
	queue   []domain.StreamEvent
	started bool
	aborted error

	chunks    chan readResult
	stop      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func New(body io.ReadCloser, dialect Dialect, opts ...Option) *Translator {
	t := &Translator{
		body:    body,
		dialect: dialect,
		idle:    DefaultIdleTimeout,
		logger:  slog.Default(),
		state:   newState(),
		chunks:  make(chan readResult),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State exposes accumulated stream state (tool calls, grounding sources).
func (t *Translator) State() *State {
	return t.state
}

// Started reports whether any upstream bytes have been received.
func (t *Translator) Started() bool {
	return t.started
}

// Next returns the next canonical event. After Done has been returned, or
// the stream was aborted, it returns io.EOF or the abort cause.
func (t *Translator) Next(ctx context.Context) (domain.StreamEvent, error) {
	t.startOnce.Do(func() { go t.pump() })

	for {
		// Once aborted nothing more is emitted, not even already queued events.
		if t.aborted != nil {
			return domain.StreamEvent{}, t.aborted
		}
		if t.state.Closed() && len(t.queue) == 0 {
			return domain.StreamEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return domain.StreamEvent{}, t.abort(err)
		}
		if len(t.queue) > 0 {
			ev := t.queue[0]
			t.queue = t.queue[1:]
			if ev.Kind == domain.EventDone {
				t.Close()
			}
			return ev, nil
		}

		timer := time.NewTimer(t.idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.StreamEvent{}, t.abort(ctx.Err())
		case <-timer.C:
			metrics.RecordStreamIdleTimeout(t.dialect.Name())
			t.logger.Warn("upstream stream idle",
				"provider", t.dialect.Name(),
				"timeout", t.idle,
			)
			t.Close()
			t.queue = append(t.queue, t.state.Fail(domain.ErrStreamIdleTimeout)...)
		case res := <-t.chunks:
			timer.Stop()
			t.handle(res)
		}
	}
}

func (t *Translator) abort(err error) error {
	t.aborted = err
	t.queue = nil
	t.Close()
	return err
}

// Events adapts Next to a range-over-func iterator. Iteration stops after
// Done or on the first error.
func (t *Translator) Events(ctx context.Context) iter.Seq2[domain.StreamEvent, error] {
	return func(yield func(domain.StreamEvent, error) bool) {
		for {
			ev, err := t.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the upstream body. Safe to call more than once.
func (t *Translator) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.body.Close()
	})
	return err
}

func (t *Translator) pump() {
	for {
		buf := make([]byte, readChunkSize)
		n, err := t.body.Read(buf)
		if n > 0 {
			select {
			case t.chunks <- readResult{data: buf[:n]}:
			case <-t.stop:
				return
			}
		}
		if err != nil {
			select {
			case t.chunks <- readResult{err: err}:
			case <-t.stop:
			}
			return
		}
	}
}

func (t *Translator) handle(res readResult) {
	if len(res.data) > 0 {
		t.started = true
		t.buf = append(t.buf, res.data...)
		t.drainLines()
	}
	if res.err == nil || t.state.Closed() {
		return
	}

	if !errors.Is(res.err, io.EOF) {
		t.logger.Warn("upstream stream read failed",
			"provider", t.dialect.Name(),
			"error", res.err,
		)
		t.queue = append(t.queue, t.state.Fail(fmt.Errorf("%w: %v", domain.ErrUpstreamStreamError, res.err))...)
		return
	}

	if rest := bytes.TrimSpace(t.buf); len(rest) > 0 {
		t.buf = nil
		t.processLine(rest)
	}
	if t.state.Closed() {
		return
	}
	if len(t.pending) > 0 {
		t.logger.Warn("upstream stream ended mid-payload",
			"provider", t.dialect.Name(),
			"pending_bytes", len(t.pending),
		)
		t.pending = nil
		t.queue = append(t.queue, t.state.Fail(domain.ErrStreamTruncated)...)
		return
	}
	t.queue = append(t.queue, t.dialect.EOF(t.state)...)
	t.queue = append(t.queue, t.state.Done()...)
}

func (t *Translator) drainLines() {
	for !t.state.Closed() {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimRight(t.buf[:i], "\r")
		t.buf = t.buf[i+1:]
		t.processLine(line)
	}
}

func (t *Translator) processLine(line []byte) {
	if len(line) == 0 || line[0] == ':' {
		return
	}
	payload := line
	switch {
	case bytes.HasPrefix(line, []byte("data:")):
		payload = bytes.TrimSpace(line[len("data:"):])
	case bytes.HasPrefix(line, []byte("event:")),
		bytes.HasPrefix(line, []byte("id:")),
		bytes.HasPrefix(line, []byte("retry:")):
		return
	}
	if len(payload) == 0 {
		return
	}

	if len(t.pending) > 0 {
		payload = append(t.pending, payload...)
		t.pending = nil
	}

	events, err := t.dialect.Decode(t.state, payload)
	switch {
	case errors.Is(err, ErrPartialPayload):
		if len(payload) > maxPendingPayload {
			t.queue = append(t.queue, t.state.Fail(domain.ErrStreamTruncated)...)
			return
		}
		t.pending = append([]byte(nil), payload...)
	case err != nil:
		t.logger.Warn("upstream stream payload rejected",
			"provider", t.dialect.Name(),
			"error", err,
		)
		t.queue = append(t.queue, t.state.Fail(&domain.UpstreamFormatError{Provider: t.dialect.Name(), Err: err})...)
	default:
		t.queue = append(t.queue, events...)
	}
}
