package stream

import (
	"strings"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// ToolCallAccumulator tracks one upstream tool call within a stream.
type ToolCallAccumulator struct {
	Index int
	ID    string
	Name  string
	args  strings.Builder
}

func (a *ToolCallAccumulator) Arguments() string {
	return a.args.String()
}

// Source is one grounding citation reported by the upstream.
type Source struct {
	Title string
	URI   string
}

// State is the per-stream bookkeeping shared by the translator and the
// dialect decoders. It is owned by exactly one stream.
type State struct {
	toolCalls   map[string]*ToolCallAccumulator
	order       []string
	nextIndex   int
	lastID      string
	slots       map[int]string
	pendingStop string
	finished    bool
	closed      bool
	sources     []Source
}

func newState() *State {
	return &State{
		toolCalls: make(map[string]*ToolCallAccumulator),
		slots:     make(map[int]string),
	}
}

// OpenToolCall assigns the next output index to an upstream tool id.
func (s *State) OpenToolCall(id, name string) domain.StreamEvent {
	acc := &ToolCallAccumulator{Index: s.nextIndex, ID: id, Name: name}
	s.nextIndex++
	s.toolCalls[id] = acc
	s.order = append(s.order, id)
	s.lastID = id
	return domain.ToolCallStart(acc.Index, id, name)
}

// BindSlot remembers which tool id an upstream positional index (content
// block index, tool_calls[].index) refers to.
func (s *State) BindSlot(slot int, id string) {
	s.slots[slot] = id
}

// SlotID resolves a positional index to a tool id, falling back to the
// most recently opened tool call when the upstream does not echo ids.
func (s *State) SlotID(slot int) string {
	if id, ok := s.slots[slot]; ok {
		return id
	}
	return s.lastID
}

// AppendArgs appends a JSON fragment to the tool call with the given id.
// An empty id targets the most recently opened call.
func (s *State) AppendArgs(id, fragment string) (domain.StreamEvent, bool) {
	if id == "" {
		id = s.lastID
	}
	acc, ok := s.toolCalls[id]
	if !ok || fragment == "" {
		return domain.StreamEvent{}, false
	}
	acc.args.WriteString(fragment)
	return domain.ToolCallArgsDelta(acc.Index, fragment), true
}

func (s *State) ToolCalls() []*ToolCallAccumulator {
	out := make([]*ToolCallAccumulator, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.toolCalls[id])
	}
	return out
}

func (s *State) HasToolCalls() bool {
	return len(s.order) > 0
}

func (s *State) SetPendingStop(reason string) {
	s.pendingStop = reason
}

func (s *State) PendingStop() string {
	return s.pendingStop
}

func (s *State) AddSource(src Source) {
	for _, existing := range s.sources {
		if existing.URI == src.URI {
			return
		}
	}
	s.sources = append(s.sources, src)
}

func (s *State) Sources() []Source {
	return s.sources
}

func (s *State) Finished() bool { return s.finished }

func (s *State) Closed() bool { return s.closed }

// FinishReason emits the finish event at most once per stream.
func (s *State) FinishReason(reason domain.FinishReason) []domain.StreamEvent {
	if s.finished || s.closed {
		return nil
	}
	s.finished = true
	return []domain.StreamEvent{domain.Finish(reason)}
}

// Done emits the terminal event at most once per stream.
func (s *State) Done() []domain.StreamEvent {
	if s.closed {
		return nil
	}
	s.closed = true
	return []domain.StreamEvent{domain.Done()}
}

// Terminate emits FinishReason (if not yet sent) followed by Done.
func (s *State) Terminate(reason domain.FinishReason) []domain.StreamEvent {
	return append(s.FinishReason(reason), s.Done()...)
}

// Fail terminates the stream with an error finish.
func (s *State) Fail(err error) []domain.StreamEvent {
	var out []domain.StreamEvent
	if !s.finished && !s.closed {
		s.finished = true
		out = append(out, domain.FinishWithError(err))
	}
	return append(out, s.Done()...)
}
