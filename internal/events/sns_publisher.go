// Package events publishes terminal saga outcomes to an SNS topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"orderflow/internal/orders/saga"
)

// SNSAPI is the subset of the SNS client the publisher calls.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type terminalMessage struct {
	InstanceID string      `json:"instanceId"`
	Status     saga.Status `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}

// SNSPublisher emits one message per instance that reaches a terminal status.
// Step events are ignored.
type SNSPublisher struct {
	client   SNSAPI
	topicArn string
	timeout  time.Duration
	logf     func(format string, args ...any)
}

// NewSNSPublisher wraps an SNS client.
func NewSNSPublisher(client SNSAPI, topicArn string, logf func(format string, args ...any)) *SNSPublisher {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &SNSPublisher{client: client, topicArn: topicArn, timeout: 5 * time.Second, logf: logf}
}

// NewSNSPublisherFromEnv loads the default AWS config (AWS_REGION,
// AWS_ENDPOINT_URL and the usual credential chain) and builds a publisher.
func NewSNSPublisherFromEnv(ctx context.Context, topicArn string, logf func(format string, args ...any)) (*SNSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSPublisher(sns.NewFromConfig(cfg), topicArn, logf), nil
}

// Observe publishes terminal events. Failures are logged; the saga outcome is
// already durable by the time this runs.
func (p *SNSPublisher) Observe(ctx context.Context, ev saga.Event) {
	if !ev.Terminal {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		p.logf("publish terminal event id=%s: %v", ev.InstanceID, err)
	}
}

// Publish sends a single terminal event.
func (p *SNSPublisher) Publish(ctx context.Context, ev saga.Event) error {
	body, err := json.Marshal(terminalMessage{
		InstanceID: ev.InstanceID,
		Status:     ev.Status,
		Reason:     ev.Reason,
		At:         ev.At,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicArn),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Status)),
			},
			"instanceId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.InstanceID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to sns: %w", err)
	}
	return nil
}
