package stream

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// GeminiDialect decodes streamGenerateContent?alt=sse payloads from both
// AI Studio and Vertex AI.
type GeminiDialect struct{}

func (GeminiDialect) Name() string { return "gemini" }

func (GeminiDialect) Decode(st *State, payload []byte) ([]domain.StreamEvent, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrPartialPayload
	}
	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		return decodeGeminiChunk(st, root), nil
	}
	var out []domain.StreamEvent
	for _, elem := range root.Array() {
		if st.Closed() {
			break
		}
		out = append(out, decodeGeminiChunk(st, elem)...)
	}
	return out, nil
}

func decodeGeminiChunk(st *State, root gjson.Result) []domain.StreamEvent {
	if errObj := root.Get("error"); errObj.Exists() {
		return st.Fail(fmt.Errorf("%w: %s", domain.ErrUpstreamStreamError, errObj.Get("message").String()))
	}
	if root.Get("promptFeedback.blockReason").Exists() && !root.Get("candidates").Exists() {
		return st.Terminate(domain.FinishStop)
	}

	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return nil
	}

	var out []domain.StreamEvent
	for _, part := range candidate.Get("content.parts").Array() {
		if part.Get("thought").Bool() {
			continue
		}
		if text := part.Get("text").String(); text != "" {
			out = append(out, domain.TextDelta(text))
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			id := "call_" + uuid.NewString()
			out = append(out, st.OpenToolCall(id, fc.Get("name").String()))
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			if ev, ok := st.AppendArgs(id, args); ok {
				out = append(out, ev)
			}
		}
	}

	for _, chunk := range candidate.Get("groundingMetadata.groundingChunks").Array() {
		if uri := chunk.Get("web.uri").String(); uri != "" {
			st.AddSource(Source{Title: chunk.Get("web.title").String(), URI: uri})
		}
	}

	if native := candidate.Get("finishReason").String(); native != "" {
		reason := domain.MapFinishReason(native)
		if reason == domain.FinishStop && st.HasToolCalls() {
			reason = domain.FinishToolCalls
		}
		out = append(out, st.Terminate(reason)...)
	}
	return out
}

func (GeminiDialect) EOF(st *State) []domain.StreamEvent {
	reason := domain.FinishStop
	if st.HasToolCalls() {
		reason = domain.FinishToolCalls
	}
	return st.FinishReason(reason)
}
