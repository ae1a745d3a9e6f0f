package usageevents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

// Sender is the subset of the SQS client the publisher uses.
type Sender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	client   Sender
	queueURL string
}

func NewSQSPublisher(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: sqs.NewFromConfig(cfg), queueURL: queueURL}
}

func NewSQSPublisherWithClient(client Sender, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"CallerKey": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.CallerKey),
			},
			"Tier": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Tier),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}
