package stream

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

var doneSentinel = []byte("[DONE]")

// OpenAIDialect decodes chat.completion.chunk payloads.
type OpenAIDialect struct{}

func (OpenAIDialect) Name() string { return "openai" }

func (OpenAIDialect) Decode(st *State, payload []byte) ([]domain.StreamEvent, error) {
	if bytes.Equal(payload, doneSentinel) {
		return st.Terminate(domain.FinishStop), nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, ErrPartialPayload
	}
	root := gjson.ParseBytes(payload)

	if errObj := root.Get("error"); errObj.Exists() {
		return st.Fail(fmt.Errorf("%w: %s", domain.ErrUpstreamStreamError, errObj.Get("message").String())), nil
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}

	var out []domain.StreamEvent
	delta := choice.Get("delta")
	if text := delta.Get("content").String(); text != "" {
		out = append(out, domain.TextDelta(text))
	}
	for _, tc := range delta.Get("tool_calls").Array() {
		slot := int(tc.Get("index").Int())
		if id := tc.Get("id").String(); id != "" {
			out = append(out, st.OpenToolCall(id, tc.Get("function.name").String()))
			st.BindSlot(slot, id)
		}
		if ev, ok := st.AppendArgs(st.SlotID(slot), tc.Get("function.arguments").String()); ok {
			out = append(out, ev)
		}
	}
	if reason := choice.Get("finish_reason"); reason.Type == gjson.String && reason.String() != "" {
		out = append(out, st.FinishReason(domain.MapFinishReason(reason.String()))...)
	}
	return out, nil
}

// Some compatible servers omit [DONE]; a clean EOF is treated as stop.
func (OpenAIDialect) EOF(st *State) []domain.StreamEvent {
	return st.FinishReason(domain.FinishStop)
}
