package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

type chunkToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *chunkToolFunction `json:"function,omitempty"`
}

type chunkToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chunkDelta struct {
	Role      domain.Role     `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []chunkToolCall `json:"tool_calls,omitempty"`
}

type chunkChoice struct {
	Index        int                  `json:"index"`
	Delta        chunkDelta           `json:"delta"`
	FinishReason *domain.FinishReason `json:"finish_reason"`
}

type chunkError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Error   *chunkError   `json:"error,omitempty"`
}

// ChunkWriter renders canonical events as OpenAI chat.completion.chunk SSE
// frames terminated by "data: [DONE]".
type ChunkWriter struct {
	w        io.Writer
	flusher  http.Flusher
	id       string
	model    string
	created  int64
	sentRole bool
	done     bool
}

func NewChunkWriter(w io.Writer, id, model string) *ChunkWriter {
	cw := &ChunkWriter{w: w, id: id, model: model, created: time.Now().Unix()}
	if f, ok := w.(http.Flusher); ok {
		cw.flusher = f
	}
	return cw
}

func (cw *ChunkWriter) Write(ev domain.StreamEvent) error {
	if cw.done {
		return nil
	}
	if ev.Kind == domain.EventDone {
		cw.done = true
		return cw.frame([]byte("[DONE]"))
	}

	c := chunk{
		ID:      cw.id,
		Object:  "chat.completion.chunk",
		Created: cw.created,
		Model:   cw.model,
		Choices: []chunkChoice{{}},
	}
	choice := &c.Choices[0]
	if !cw.sentRole {
		choice.Delta.Role = domain.RoleAssistant
		cw.sentRole = true
	}

	switch ev.Kind {
	case domain.EventTextDelta:
		choice.Delta.Content = ev.Text
	case domain.EventToolCallStart:
		choice.Delta.ToolCalls = []chunkToolCall{{
			Index:    ev.Index,
			ID:       ev.ToolCallID,
			Type:     "function",
			Function: &chunkToolFunction{Name: ev.ToolName},
		}}
	case domain.EventToolCallArgsDelta:
		choice.Delta.ToolCalls = []chunkToolCall{{
			Index:    ev.Index,
			Function: &chunkToolFunction{Arguments: ev.ArgsDelta},
		}}
	case domain.EventFinish:
		reason := ev.FinishReason
		choice.FinishReason = &reason
		if ev.Err != nil {
			c.Error = &chunkError{Message: clientMessage(ev.Err), Type: "stream_error"}
		}
	default:
		return nil
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	return cw.frame(data)
}

func (cw *ChunkWriter) frame(data []byte) error {
	if _, err := fmt.Fprintf(cw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
	return nil
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrStreamIdleTimeout):
		return "upstream stopped responding"
	case errors.Is(err, domain.ErrStreamTruncated):
		return "upstream stream ended unexpectedly"
	default:
		return "upstream stream error"
	}
}

// Summary describes how a relayed stream ended.
type Summary struct {
	Events       int
	FinishReason domain.FinishReason
	Err          error
}

// Relay pumps every event from src into cw until Done, a write failure, or
// context cancellation. The source is always closed on return.
func Relay(ctx context.Context, src EventSource, cw *ChunkWriter) (Summary, error) {
	defer src.Close()

	var sum Summary
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return sum, err
		}
		sum.Events++
		if ev.Kind == domain.EventFinish {
			sum.FinishReason = ev.FinishReason
			sum.Err = ev.Err
		}
		if err := cw.Write(ev); err != nil {
			return sum, fmt.Errorf("write to client: %w", err)
		}
		if ev.Kind == domain.EventDone {
			return sum, nil
		}
	}
}
