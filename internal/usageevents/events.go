// Package usageevents exports one record per counted request for offline
// billing and analytics. Publishing is best effort and never blocks a
// response.
package usageevents

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Event struct {
	ID        string    `json:"id"`
	CallerKey string    `json:"caller_key"`
	UserID    string    `json:"user_id,omitempty"`
	Tier      string    `json:"tier"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	PaidVia   string    `json:"paid_via,omitempty"`
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type InMemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *InMemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

const (
	defaultBuffer  = 1024
	publishTimeout = 5 * time.Second
)

// AsyncPublisher hands events to a single background worker. When the
// buffer is full the event is dropped and logged.
type AsyncPublisher struct {
	next   Publisher
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewAsyncPublisher(next Publisher, buffer int, logger *slog.Logger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &AsyncPublisher{
		next:   next,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.run()
	return p
}

func (p *AsyncPublisher) Publish(ctx context.Context, ev Event) error {
	select {
	case p.ch <- ev:
	default:
		p.logger.Warn("usage event dropped, buffer full", "caller_key", ev.CallerKey)
	}
	return nil
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for ev := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.next.Publish(ctx, ev); err != nil {
			p.logger.Warn("failed to publish usage event", "id", ev.ID, "error", err)
		}
		cancel()
	}
}

// Close drains buffered events or gives up when ctx ends. Publish must not
// be called after Close.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.once.Do(func() { close(p.ch) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
