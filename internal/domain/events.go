package domain

import "strings"

type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// MapFinishReason folds every upstream's native stop reason onto the
// canonical enum. Unrecognized values map to stop.
func MapFinishReason(native string) FinishReason {
	switch strings.ToLower(native) {
	case "tool_use", "tool_calls", "function_call":
		return FinishToolCalls
	case "max_tokens", "length":
		return FinishLength
	case "end_turn", "stop_sequence", "stop":
		return FinishStop
	default:
		return FinishStop
	}
}

type EventKind int

const (
	EventTextDelta EventKind = iota + 1
	EventToolCallStart
	EventToolCallArgsDelta
	EventFinish
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCallStart:
		return "tool_call_start"
	case EventToolCallArgsDelta:
		return "tool_call_args_delta"
	case EventFinish:
		return "finish"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is the canonical streaming event. Which fields are set
// depends on Kind.
type StreamEvent struct {
	Kind         EventKind
	Text         string
	Index        int
	ToolCallID   string
	ToolName     string
	ArgsDelta    string
	FinishReason FinishReason
	Err          error
}

func TextDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventTextDelta, Text: text}
}

func ToolCallStart(index int, id, name string) StreamEvent {
	return StreamEvent{Kind: EventToolCallStart, Index: index, ToolCallID: id, ToolName: name}
}

func ToolCallArgsDelta(index int, fragment string) StreamEvent {
	return StreamEvent{Kind: EventToolCallArgsDelta, Index: index, ArgsDelta: fragment}
}

func Finish(reason FinishReason) StreamEvent {
	return StreamEvent{Kind: EventFinish, FinishReason: reason}
}

// FinishWithError is a terminal error finish; err is kept for logging and
// is never sent to the client verbatim.
func FinishWithError(err error) StreamEvent {
	return StreamEvent{Kind: EventFinish, FinishReason: FinishError, Err: err}
}

func Done() StreamEvent {
	return StreamEvent{Kind: EventDone}
}
