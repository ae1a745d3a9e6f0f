package websearch

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/stream"
)

// sliceSource replays a fixed event list.
type sliceSource struct {
	events []domain.StreamEvent
	closed bool
}

func (s *sliceSource) Next(ctx context.Context) (domain.StreamEvent, error) {
	if len(s.events) == 0 {
		return domain.StreamEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

type MockSearcher struct {
	SearchFunc func(ctx context.Context, query string) (io.ReadCloser, error)
}

func (m *MockSearcher) Search(ctx context.Context, query string) (io.ReadCloser, error) {
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, query)
	}
	return nil, errors.New("not implemented")
}

const groundedAnswer = `data: {"candidates":[{"content":{"parts":[{"text":"Go 1.25 is out."}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":" It shipped in August."}]},"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://go.dev/blog","title":"go.dev"}}]},"finishReason":"STOP"}]}

`

func searchCallEvents() []domain.StreamEvent {
	return []domain.StreamEvent{
		domain.TextDelta("Let me check."),
		domain.ToolCallStart(0, "call_s", "web_search"),
		domain.ToolCallArgsDelta(0, `{"query":`),
		domain.ToolCallArgsDelta(0, `"latest go release"}`),
		domain.Finish(domain.FinishToolCalls),
		domain.Done(),
	}
}

func drain(t *testing.T, src stream.EventSource) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, ev)
	}
}

func text(events []domain.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == domain.EventTextDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestSearchCallIsAnsweredInline(t *testing.T) {
	var gotQuery string
	searcher := &MockSearcher{SearchFunc: func(ctx context.Context, query string) (io.ReadCloser, error) {
		gotQuery = query
		return io.NopCloser(strings.NewReader(groundedAnswer)), nil
	}}

	ic := New(&sliceSource{events: searchCallEvents()}, searcher)
	got := drain(t, ic)

	if gotQuery != "latest go release" {
		t.Errorf("query = %q", gotQuery)
	}
	for _, ev := range got {
		if ev.Kind == domain.EventToolCallStart || ev.Kind == domain.EventToolCallArgsDelta {
			t.Fatalf("search tool call leaked to client: %+v", ev)
		}
	}

	want := "Let me check.Go 1.25 is out. It shipped in August.\n\nSources:\n1. [go.dev](https://go.dev/blog)\n"
	if text(got) != want {
		t.Errorf("text = %q, want %q", text(got), want)
	}

	n := len(got)
	if got[n-2] != domain.Finish(domain.FinishStop) || got[n-1] != domain.Done() {
		t.Errorf("tail = %+v", got[n-2:])
	}
	finishes := 0
	for _, ev := range got {
		if ev.Kind == domain.EventFinish {
			finishes++
		}
	}
	if finishes != 1 {
		t.Errorf("expected one finish, got %d", finishes)
	}
	if !ic.Intercepted() {
		t.Error("Intercepted() = false")
	}
}

func TestSearchFailureIsNotFatal(t *testing.T) {
	searcher := &MockSearcher{SearchFunc: func(ctx context.Context, query string) (io.ReadCloser, error) {
		return nil, &domain.UpstreamHTTPError{Provider: "gemini", StatusCode: 503}
	}}

	got := drain(t, New(&sliceSource{events: searchCallEvents()}, searcher))

	if !strings.Contains(text(got), failureText) {
		t.Errorf("text = %q", text(got))
	}
	n := len(got)
	if got[n-2] != domain.Finish(domain.FinishStop) || got[n-1] != domain.Done() {
		t.Errorf("tail = %+v", got[n-2:])
	}
}

func TestSearchStreamErrorIsNotFatal(t *testing.T) {
	searcher := &MockSearcher{SearchFunc: func(ctx context.Context, query string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: {\"error\":{\"message\":\"quota\"}}\n")), nil
	}}

	got := drain(t, New(&sliceSource{events: searchCallEvents()}, searcher))
	n := len(got)
	if got[n-2].FinishReason != domain.FinishStop || got[n-2].Err != nil {
		t.Errorf("finish = %+v, want clean stop", got[n-2])
	}
	if !strings.Contains(text(got), failureText) {
		t.Errorf("text = %q", text(got))
	}
}

func TestOtherToolCallsAreRenumbered(t *testing.T) {
	events := []domain.StreamEvent{
		domain.ToolCallStart(0, "call_s", "google_search"),
		domain.ToolCallArgsDelta(0, `{"q":"x"}`),
		domain.ToolCallStart(1, "call_w", "weather"),
		domain.ToolCallArgsDelta(1, `{}`),
		domain.Finish(domain.FinishToolCalls),
		domain.Done(),
	}
	searcher := &MockSearcher{SearchFunc: func(ctx context.Context, query string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(groundedAnswer)), nil
	}}

	got := drain(t, New(&sliceSource{events: events}, searcher))
	if got[0] != domain.ToolCallStart(0, "call_w", "weather") || got[1] != domain.ToolCallArgsDelta(0, `{}`) {
		t.Errorf("renumbered events = %+v", got[:2])
	}
	if got[len(got)-2].FinishReason != domain.FinishToolCalls {
		t.Errorf("finish = %+v, want tool_calls for the forwarded call", got[len(got)-2])
	}
}

func TestPassthroughWithoutSearchCall(t *testing.T) {
	events := []domain.StreamEvent{
		domain.TextDelta("hello"),
		domain.Finish(domain.FinishStop),
		domain.Done(),
	}
	searcher := &MockSearcher{SearchFunc: func(ctx context.Context, query string) (io.ReadCloser, error) {
		t.Fatal("search must not run")
		return nil, nil
	}}

	got := drain(t, New(&sliceSource{events: append([]domain.StreamEvent(nil), events...)}, searcher))
	if len(got) != len(events) {
		t.Fatalf("events = %+v", got)
	}
	for i := range events {
		if got[i] != events[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestUpstreamErrorSkipsSearch(t *testing.T) {
	events := []domain.StreamEvent{
		domain.ToolCallStart(0, "call_s", "web_search"),
		domain.FinishWithError(domain.ErrStreamIdleTimeout),
		domain.Done(),
	}
	searcher := &MockSearcher{SearchFunc: func(ctx context.Context, query string) (io.ReadCloser, error) {
		t.Fatal("search must not run after an upstream error")
		return nil, nil
	}}

	got := drain(t, New(&sliceSource{events: events}, searcher))
	if len(got) != 2 || got[0].FinishReason != domain.FinishError || got[1].Kind != domain.EventDone {
		t.Errorf("events = %+v", got)
	}
}

func TestQuery(t *testing.T) {
	tests := map[string]string{
		`{"query":"a"}`:         "a",
		`{"q":"b"}`:             "b",
		`{"queries":["c","d"]}`: "c",
		`plain text`:            "plain text",
		`{"unrelated":"field"}`: `{"unrelated":"field"}`,
	}
	for in, want := range tests {
		if got := Query(in); got != want {
			t.Errorf("Query(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplies(t *testing.T) {
	req := domain.ChatRequest{Tools: []domain.Tool{{Type: "function", Function: domain.FunctionDef{Name: "google_search"}}}}
	if !Applies(req) {
		t.Error("google_search should enable interception")
	}
	if Applies(domain.ChatRequest{}) {
		t.Error("no tools should not enable interception")
	}
}
