package source

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/baldanca/backups3/fault"
)

type SourceSQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32

	// VisibilityTO overrides the queue's visibility timeout for received messages.
	// Zero keeps the queue default.
	VisibilityTO int32
}

func (c *SourceSQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SourceSQS is the Queue implementation backed by Amazon SQS.
type SourceSQS struct {
	cfg SourceSQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string
}

var _ Queue = (*SourceSQS)(nil)

func NewWithConfig(client sqsAPI, queueURL string, cfg SourceSQSConfig) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	s := &SourceSQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
	}
	s.queueURLPtr = &s.queueURL
	return s
}

func New(client sqsAPI, queueURL string) *SourceSQS {
	return NewWithConfig(client, queueURL, DefaultSourceSQSConfig)
}

// QueueURL returns the URL of the queue this source reads from.
func (s *SourceSQS) QueueURL() string { return s.queueURL }

// QueueDepth returns the approximate number of visible messages.
func (s *SourceSQS) QueueDepth(ctx context.Context) (int, error) {
	out, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       s.queueURLPtr,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fault.FromAWS("get queue attributes", err)
	}

	raw, ok := out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Newf(fault.RemoteService, "get queue attributes", "bad ApproximateNumberOfMessages %q: %w", raw, err)
	}
	return n, nil
}

// ReceiveBatch long-polls the queue once.
func (s *SourceSQS) ReceiveBatch(ctx context.Context) ([]Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
	defer cancel()

	out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
		QueueUrl:                    s.queueURLPtr,
		MaxNumberOfMessages:         s.cfg.MaxMessages,
		WaitTimeSeconds:             s.cfg.WaitTimeSeconds,
		VisibilityTimeout:           s.cfg.VisibilityTO,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		// Shutdown interrupting the long poll is not a remote failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.FromAWS("receive message", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	msgs := make([]Message, 0, len(out.Messages))
	for i := range out.Messages {
		msgs = append(msgs, toMessage(&out.Messages[i]))
	}
	return msgs, nil
}

// Acknowledge deletes the message identified by receiptHandle.
func (s *SourceSQS) Acknowledge(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return fault.Newf(fault.AlreadyGone, "delete message", "empty receipt handle")
	}
	rh := receiptHandle
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      s.queueURLPtr,
		ReceiptHandle: &rh,
	})
	if err == nil {
		return nil
	}
	if isExpiredHandle(err) {
		return fault.New(fault.AlreadyGone, "delete message", err)
	}
	return fault.FromAWS("delete message", err)
}

// SQS reports an expired receipt handle as a generic InvalidParameterValue.
func isExpiredHandle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "InvalidParameterValue" &&
		strings.Contains(apiErr.ErrorMessage(), "ReceiptHandle")
}

func toMessage(m *sqstypes.Message) Message {
	msg := Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          aws.ToString(m.Body),
	}
	if raw, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			msg.ReceiveCount = n
		}
	}
	return msg
}
