package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/provider"
	"github.com/felipepmaragno/tiergate/internal/provider/anthropic"
	"github.com/felipepmaragno/tiergate/internal/stream"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

const providerID = "bedrock"

// EventStream is the subset of the Bedrock response stream the provider
// reads from.
type EventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// Invoker abstracts the two Bedrock runtime calls Claude models need.
type Invoker interface {
	Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error)
	InvokeStream(ctx context.Context, modelID string, body []byte) (EventStream, error)
}

type runtimeInvoker struct {
	client *bedrockruntime.Client
}

func (r runtimeInvoker) Invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	out, err := r.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (r runtimeInvoker) InvokeStream(ctx context.Context, modelID string, body []byte) (EventStream, error) {
	out, err := r.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

// Provider serves Claude models through Bedrock using the Anthropic request
// body and stream grammar.
type Provider struct {
	invoker Invoker
	region  string
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		invoker: runtimeInvoker{client: bedrockruntime.NewFromConfig(cfg)},
		region:  cfg.Region,
	}
}

func NewWithInvoker(inv Invoker, region string) *Provider {
	return &Provider{invoker: inv, region: region}
}

func (p *Provider) ID() string {
	return providerID
}

func (p *Provider) Dialect() stream.Dialect {
	return stream.AnthropicDialect{Provider: providerID}
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := BuildRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := p.invoker.Invoke(ctx, tier.Resolve(tier.ProviderBedrock, req.Model), body)
	if err != nil {
		return nil, mapError(err)
	}
	resp, err := anthropic.ParseResponse(out, req.Model)
	if err != nil {
		var fe *domain.UpstreamFormatError
		if errors.As(err, &fe) {
			fe.Provider = providerID
		}
		return nil, err
	}
	return resp, nil
}

// OpenStream re-frames each Bedrock chunk as an SSE data line so the
// Anthropic stream dialect can decode it.
func (p *Provider) OpenStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	body, err := BuildRequest(req)
	if err != nil {
		return nil, err
	}
	es, err := p.invoker.InvokeStream(ctx, tier.Resolve(tier.ProviderBedrock, req.Model), body)
	if err != nil {
		return nil, mapError(err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer es.Close()
		for event := range es.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", chunk.Value.Bytes); err != nil {
				return
			}
		}
		if err := es.Err(); err != nil {
			pw.CloseWithError(fmt.Errorf("bedrock stream: %w", err))
			return
		}
		pw.Close()
	}()
	return &pipeBody{PipeReader: pr, stream: es}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.region == "" {
		return errors.New("bedrock region not configured")
	}
	return nil
}

// pipeBody closes the upstream event stream when the reader is closed, so a
// cancelled client stops the Bedrock read.
type pipeBody struct {
	*io.PipeReader
	stream EventStream
}

func (b *pipeBody) Close() error {
	b.PipeReader.Close()
	return b.stream.Close()
}

// BuildRequest produces the InvokeModel body. Bedrock cannot fetch remote
// images, so only data URLs are sent as image blocks.
func BuildRequest(req domain.ChatRequest) ([]byte, error) {
	body, err := anthropic.BuildRequest(req, false)
	if err != nil {
		return nil, err
	}
	body.AnthropicVersion = anthropic.BedrockVersion
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func mapError(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		body, _ := json.Marshal(map[string]string{"message": re.Err.Error()})
		return &domain.UpstreamHTTPError{
			Provider:    providerID,
			StatusCode:  re.HTTPStatusCode(),
			ContentType: "application/json",
			Body:        body,
		}
	}
	return fmt.Errorf("invoke model: %w", err)
}
