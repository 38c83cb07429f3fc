package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/jirevwe/peeklock/broker"
	"k8s.io/utils/clock"
)

const (
	// SQS caps a single receive at ten messages
	maxBatchSize = 10

	subjectAttribute     = "Subject"
	reasonAttribute      = "DeadLetterReason"
	descriptionAttribute = "DeadLetterErrorDescription"
)

// API is the subset of the SQS client used by the adapter.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config configures an SQS backed broker. The visibility timeout is the lock.
type Config struct {
	QueueURL string

	// DeadLetterQueueURL receives dead-lettered messages. Dead-lettering is
	// unsupported when empty.
	DeadLetterQueueURL string

	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	Clock             clock.PassiveClock
}

// SQS adapts an SQS queue to broker.Broker.
type SQS struct {
	client API
	cfg    Config

	// inflight keeps received messages by receipt handle so they can be
	// copied to the dead-letter queue. Entries go once settled, once the
	// handle is rejected, or once their visibility timeout has passed.
	inflight map[string]*delivery
	mu       sync.Mutex
}

type delivery struct {
	msg         *broker.Message
	lockedUntil time.Time
}

var _ broker.Broker = (*SQS)(nil)

func NewSQSBroker(client API, cfg Config) (*SQS, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs: queue url is required")
	}

	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	return &SQS{client: client, cfg: cfg, inflight: map[string]*delivery{}}, nil
}

func (s *SQS) Send(ctx context.Context, msg *broker.OutgoingMessage) error {
	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.cfg.QueueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attributes(msg.Subject, msg.Properties),
	})
	return err
}

func (s *SQS) ReceiveBatch(ctx context.Context, max int) ([]*broker.Message, error) {
	if max <= 0 {
		return []*broker.Message{}, nil
	}

	if max > maxBatchSize {
		max = maxBatchSize
	}

	now := s.cfg.Clock.Now()
	resp, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(s.cfg.QueueURL),
		MaxNumberOfMessages:         int32(max),
		WaitTimeSeconds:             int32(s.cfg.WaitTime / time.Second),
		VisibilityTimeout:           seconds(s.cfg.VisibilityTimeout),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*broker.Message, 0, len(resp.Messages))
	s.mu.Lock()
	s.sweep(now)
	for _, m := range resp.Messages {
		msg := s.toMessage(m, now)
		s.inflight[msg.LockToken] = &delivery{msg: msg, lockedUntil: msg.LockedUntil}
		messages = append(messages, msg)
	}
	s.mu.Unlock()

	return messages, nil
}

// RenewLock resets the visibility timeout, SQS counts it from the call
func (s *SQS) RenewLock(ctx context.Context, token string) (time.Time, error) {
	now := s.cfg.Clock.Now()
	if err := s.changeVisibility(ctx, token, seconds(s.cfg.VisibilityTimeout)); err != nil {
		if errors.Is(err, broker.ErrLockLost) {
			s.forget(token)
		}
		return time.Time{}, err
	}

	until := now.Add(s.cfg.VisibilityTimeout)

	s.mu.Lock()
	if d, ok := s.inflight[token]; ok {
		d.lockedUntil = until
	}
	s.mu.Unlock()

	return until, nil
}

func (s *SQS) Complete(ctx context.Context, token string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.cfg.QueueURL),
		ReceiptHandle: aws.String(token),
	})
	if err = lockErr(err); err == nil || errors.Is(err, broker.ErrLockLost) {
		s.forget(token)
	}
	return err
}

func (s *SQS) Abandon(ctx context.Context, token string) error {
	err := s.changeVisibility(ctx, token, 0)
	if err == nil || errors.Is(err, broker.ErrLockLost) {
		s.forget(token)
	}
	return err
}

// DeadLetter copies the message to the dead-letter queue before deleting it.
// SQS has no transactional move, a failed delete leaves a duplicate behind.
func (s *SQS) DeadLetter(ctx context.Context, token, reason, description string) error {
	if s.cfg.DeadLetterQueueURL == "" {
		return broker.ErrUnsupported
	}

	msg, ok := s.inflightMessage(token)
	if !ok {
		return broker.ErrLockLost
	}

	attrs := attributes(msg.Subject, msg.Properties)
	attrs[reasonAttribute] = stringAttribute(reason)
	if description != "" {
		attrs[descriptionAttribute] = stringAttribute(description)
	}

	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.cfg.DeadLetterQueueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("send to dead-letter queue: %w", err)
	}

	return s.Complete(ctx, token)
}

// Peek is not expressible on SQS, every receive takes a lock.
func (s *SQS) Peek(ctx context.Context, max int) ([]*broker.Message, error) {
	return nil, broker.ErrUnsupported
}

func (s *SQS) inflightMessage(token string) (*broker.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.inflight[token]
	if !ok || !d.lockedUntil.After(s.cfg.Clock.Now()) {
		return nil, false
	}
	return d.msg, true
}

// Inflight is the number of tracked deliveries.
func (s *SQS) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inflight)
}

// sweep drops deliveries whose visibility timeout has run out, SQS has
// already made them visible again under a new receipt handle.
func (s *SQS) sweep(now time.Time) {
	for token, d := range s.inflight {
		if !d.lockedUntil.After(now) {
			delete(s.inflight, token)
		}
	}
}

func (s *SQS) forget(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, token)
}

func (s *SQS) changeVisibility(ctx context.Context, token string, timeout int32) error {
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.cfg.QueueURL),
		ReceiptHandle:     aws.String(token),
		VisibilityTimeout: timeout,
	})
	return lockErr(err)
}

func (s *SQS) toMessage(m types.Message, receivedAt time.Time) *broker.Message {
	msg := &broker.Message{
		Id:          aws.ToString(m.MessageId),
		Body:        []byte(aws.ToString(m.Body)),
		LockToken:   aws.ToString(m.ReceiptHandle),
		LockedUntil: receivedAt.Add(s.cfg.VisibilityTimeout),
		Properties:  map[string]any{},
	}

	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.DeliveryCount, _ = strconv.Atoi(v)
	}

	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
	}

	for k, v := range m.MessageAttributes {
		if k == subjectAttribute {
			msg.Subject = aws.ToString(v.StringValue)
			continue
		}
		msg.Properties[k] = aws.ToString(v.StringValue)
	}

	return msg
}

func attributes(subject string, properties map[string]any) map[string]types.MessageAttributeValue {
	attrs := make(map[string]types.MessageAttributeValue, len(properties)+1)
	if subject != "" {
		attrs[subjectAttribute] = stringAttribute(subject)
	}

	for k, v := range properties {
		attrs[k] = stringAttribute(fmt.Sprint(v))
	}

	return attrs
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func seconds(d time.Duration) int32 {
	return int32(d / time.Second)
}

// lockErr maps SQS receipt handle failures to broker.ErrLockLost
func lockErr(err error) error {
	if err == nil {
		return nil
	}

	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %v", broker.ErrLockLost, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue", "MessageNotInflight":
			return fmt.Errorf("%w: %v", broker.ErrLockLost, err)
		}
	}

	return err
}
