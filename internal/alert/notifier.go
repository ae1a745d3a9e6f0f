package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationQuotaExhausted   NotificationType = "quota_exhausted"
	NotificationIPCeilingReached NotificationType = "ip_ceiling_reached"
	NotificationProviderDown     NotificationType = "provider_down"
	NotificationProviderUp       NotificationType = "provider_up"
)

type Notification struct {
	Type      NotificationType `json:"type"`
	CallerKey string           `json:"caller_key,omitempty"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Publisher is the subset of the SNS client the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   Publisher
	topicArn string
}

func NewSNSNotifier(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: sns.NewFromConfig(cfg), topicArn: topicArn}
}

func NewSNSNotifierWithClient(client Publisher, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: client, topicArn: topicArn}
}

var subjects = map[NotificationType]string{
	NotificationQuotaExhausted:   "tiergate: caller exhausted daily quota",
	NotificationIPCeilingReached: "tiergate: IP ceiling reached",
	NotificationProviderDown:     "tiergate: provider circuit opened",
	NotificationProviderUp:       "tiergate: provider recovered",
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// Send publishes n as JSON. Type and CallerKey are copied into message
// attributes so subscribers can filter without decoding the body.
func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]snstypes.MessageAttributeValue{"Type": stringAttr(string(notification.Type))}
	if notification.CallerKey != "" {
		attrs["CallerKey"] = stringAttr(notification.CallerKey)
	}
	in := &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	}
	if subject, ok := subjects[notification.Type]; ok {
		in.Subject = aws.String(subject)
	}

	if _, err := n.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("publish %s notification: %w", notification.Type, err)
	}
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.notifications)
}
