// Package websearch hides model-issued web search tool calls from clients by
// answering them with a grounded upstream search.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/metrics"
	"github.com/felipepmaragno/tiergate/internal/stream"
)

// ToolNames are the tool names treated as a search request.
var ToolNames = []string{"web_search", "google_search"}

const failureText = "I wasn't able to complete a web search for this request, so this answer may be out of date."

// Searcher runs a grounded generation and returns its SSE body.
type Searcher interface {
	Search(ctx context.Context, query string) (io.ReadCloser, error)
}

// Applies reports whether the request declares a search tool.
func Applies(req domain.ChatRequest) bool {
	return req.HasTool(ToolNames...)
}

func isSearchTool(name string) bool {
	for _, n := range ToolNames {
		if name == n {
			return true
		}
	}
	return false
}

type phase int

const (
	phaseForwarding phase = iota
	phaseSearching
	phaseDone
)

type Option func(*Interceptor)

// WithStreamOptions configures the translator used for the search stream.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(i *Interceptor) { i.streamOpts = append(i.streamOpts, opts...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// Interceptor is an EventSource that forwards src unchanged except for
// search tool calls, which are answered in-line.
type Interceptor struct {
	src        stream.EventSource
	searcher   Searcher
	streamOpts []stream.Option
	logger     *slog.Logger

	phase       phase
	suppressed  map[int]bool
	remap       map[int]int
	nextIndex   int
	forwarded   bool
	query       strings.Builder
	intercepted bool
	sawText     bool

	search *stream.Translator
	queue  []domain.StreamEvent
}

func New(src stream.EventSource, searcher Searcher, opts ...Option) *Interceptor {
	i := &Interceptor{
		src:        src,
		searcher:   searcher,
		logger:     slog.Default(),
		suppressed: make(map[int]bool),
		remap:      make(map[int]int),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Intercepted reports whether a search call was answered in-line.
func (i *Interceptor) Intercepted() bool {
	return i.intercepted
}

func (i *Interceptor) Next(ctx context.Context) (domain.StreamEvent, error) {
	for {
		if len(i.queue) > 0 {
			ev := i.queue[0]
			i.queue = i.queue[1:]
			if ev.Kind == domain.EventDone {
				i.phase = phaseDone
			}
			return ev, nil
		}

		switch i.phase {
		case phaseDone:
			return domain.StreamEvent{}, io.EOF
		case phaseForwarding:
			if err := i.forward(ctx); err != nil {
				return domain.StreamEvent{}, err
			}
		case phaseSearching:
			if err := i.relaySearch(ctx); err != nil {
				return domain.StreamEvent{}, err
			}
		}
	}
}

func (i *Interceptor) Close() error {
	err := i.src.Close()
	if i.search != nil {
		if serr := i.search.Close(); err == nil {
			err = serr
		}
	}
	return err
}

func (i *Interceptor) forward(ctx context.Context) error {
	ev, err := i.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		ev, err = domain.Done(), nil
	}
	if err != nil {
		return err
	}

	switch ev.Kind {
	case domain.EventTextDelta:
		i.sawText = true
		i.queue = append(i.queue, ev)
	case domain.EventToolCallStart:
		if isSearchTool(ev.ToolName) {
			i.suppressed[ev.Index] = true
			i.intercepted = true
			return nil
		}
		i.remap[ev.Index] = i.nextIndex
		ev.Index = i.nextIndex
		i.nextIndex++
		i.forwarded = true
		i.queue = append(i.queue, ev)
	case domain.EventToolCallArgsDelta:
		if i.suppressed[ev.Index] {
			if i.query.Len() == 0 || !firstCallComplete(i.query.String()) {
				i.query.WriteString(ev.ArgsDelta)
			}
			return nil
		}
		if idx, ok := i.remap[ev.Index]; ok {
			ev.Index = idx
			i.queue = append(i.queue, ev)
		}
	case domain.EventFinish:
		if ev.Err != nil || !i.intercepted {
			i.queue = append(i.queue, ev)
		}
		if ev.Err != nil {
			// upstream failed; nothing to search with
			i.intercepted = false
		}
	case domain.EventDone:
		if !i.intercepted {
			i.queue = append(i.queue, ev)
			return nil
		}
		i.startSearch(ctx)
	}
	return nil
}

func firstCallComplete(args string) bool {
	return gjson.Valid(args)
}

// Query extracts the search text from the tool call arguments.
func Query(args string) string {
	if gjson.Valid(args) {
		for _, key := range []string{"query", "q", "search_query", "queries.0"} {
			if v := gjson.Get(args, key); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	return strings.TrimSpace(args)
}

func (i *Interceptor) startSearch(ctx context.Context) {
	query := Query(i.query.String())
	i.phase = phaseSearching

	if query == "" {
		i.fail(errors.New("empty search query"))
		return
	}

	body, err := i.searcher.Search(ctx, query)
	if err != nil {
		i.fail(err)
		return
	}
	i.search = stream.New(body, stream.GeminiDialect{}, i.streamOpts...)
	i.logger.Debug("web search started", "query_len", len(query))
}

func (i *Interceptor) relaySearch(ctx context.Context) error {
	ev, err := i.search.Next(ctx)
	if errors.Is(err, io.EOF) {
		ev, err = domain.Done(), nil
	}
	if err != nil {
		return err
	}

	switch ev.Kind {
	case domain.EventTextDelta:
		i.sawText = true
		i.queue = append(i.queue, ev)
	case domain.EventFinish:
		if ev.Err != nil {
			i.search.Close()
			i.fail(ev.Err)
		}
	case domain.EventDone:
		metrics.RecordWebSearch("ok")
		if sources := FormatSources(i.search.State().Sources()); sources != "" {
			i.queue = append(i.queue, domain.TextDelta(sources))
		}
		i.finish()
	}
	return nil
}

func (i *Interceptor) fail(err error) {
	metrics.RecordWebSearch("error")
	i.logger.Warn("web search failed", "error", err)

	text := failureText
	if i.sawText {
		text = "\n\n" + text
	}
	i.queue = append(i.queue, domain.TextDelta(text))
	i.finish()
}

func (i *Interceptor) finish() {
	reason := domain.FinishStop
	if i.forwarded {
		reason = domain.FinishToolCalls
	}
	i.queue = append(i.queue, domain.Finish(reason), domain.Done())
	i.phase = phaseDone
}

// FormatSources renders grounding citations as a markdown list.
func FormatSources(sources []stream.Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nSources:\n")
	for n, s := range sources {
		title := s.Title
		if title == "" {
			title = s.URI
		}
		fmt.Fprintf(&b, "%d. [%s](%s)\n", n+1, title, s.URI)
	}
	return b.String()
}
