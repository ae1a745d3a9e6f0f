package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// Collect drains src into a single non-streaming response. An error finish
// is returned as the event's error.
func Collect(ctx context.Context, src EventSource, id, model string) (*domain.ChatResponse, error) {
	defer src.Close()

	var (
		text   strings.Builder
		calls  []domain.ToolCall
		byIdx  = make(map[int]int)
		reason = domain.FinishStop
	)

	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Kind {
		case domain.EventTextDelta:
			text.WriteString(ev.Text)
		case domain.EventToolCallStart:
			byIdx[ev.Index] = len(calls)
			calls = append(calls, domain.ToolCall{
				ID:       ev.ToolCallID,
				Type:     "function",
				Function: domain.FunctionCall{Name: ev.ToolName},
			})
		case domain.EventToolCallArgsDelta:
			if i, ok := byIdx[ev.Index]; ok {
				calls[i].Function.Arguments += ev.ArgsDelta
			}
		case domain.EventFinish:
			if ev.Err != nil {
				return nil, ev.Err
			}
			reason = ev.FinishReason
		}
		if ev.Kind == domain.EventDone {
			break
		}
	}

	return &domain.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{{
			Message: &domain.ResponseMessage{
				Role:      domain.RoleAssistant,
				Content:   text.String(),
				ToolCalls: calls,
			},
			FinishReason: reason,
		}},
	}, nil
}
