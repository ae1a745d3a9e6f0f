package stream

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// AnthropicDialect decodes the Messages API event stream. Bedrock's
// invoke-with-response-stream carries the same events.
type AnthropicDialect struct {
	Provider string
}

func (d AnthropicDialect) Name() string {
	if d.Provider != "" {
		return d.Provider
	}
	return "anthropic"
}

func (d AnthropicDialect) Decode(st *State, payload []byte) ([]domain.StreamEvent, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrPartialPayload
	}
	root := gjson.ParseBytes(payload)

	switch root.Get("type").String() {
	case "content_block_start":
		block := root.Get("content_block")
		switch block.Get("type").String() {
		case "tool_use":
			id := block.Get("id").String()
			ev := st.OpenToolCall(id, block.Get("name").String())
			st.BindSlot(int(root.Get("index").Int()), id)
			return []domain.StreamEvent{ev}, nil
		case "text":
			if text := block.Get("text").String(); text != "" {
				return []domain.StreamEvent{domain.TextDelta(text)}, nil
			}
		}
	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			if text := delta.Get("text").String(); text != "" {
				return []domain.StreamEvent{domain.TextDelta(text)}, nil
			}
		case "input_json_delta":
			id := st.SlotID(int(root.Get("index").Int()))
			if ev, ok := st.AppendArgs(id, delta.Get("partial_json").String()); ok {
				return []domain.StreamEvent{ev}, nil
			}
		}
	case "message_delta":
		if reason := root.Get("delta.stop_reason").String(); reason != "" {
			st.SetPendingStop(reason)
		}
	case "message_stop":
		return st.Terminate(domain.MapFinishReason(st.PendingStop())), nil
	case "error":
		msg := root.Get("error.message").String()
		return st.Fail(fmt.Errorf("%w: %s", domain.ErrUpstreamStreamError, msg)), nil
	}
	return nil, nil
}

// EOF without message_stop means the upstream dropped the connection.
func (d AnthropicDialect) EOF(st *State) []domain.StreamEvent {
	if st.Finished() {
		return nil
	}
	return st.Fail(domain.ErrStreamTruncated)
}
