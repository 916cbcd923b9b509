// Package sqs polls an SQS queue for storage notifications. Successfully
// processed messages are deleted; failed ones are left alone and reappear
// after the queue's visibility timeout.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"logfanout/internal/logging"
	"logfanout/internal/notification"
	"logfanout/internal/receiver"
)

// API is the subset of the SQS client used by the receiver.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Config holds SQS receiver configuration.
type Config struct {
	API       API
	QueueURL  string
	Processor receiver.Processor

	// MaxMessages per receive call, 1 to 10.
	MaxMessages int32
	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration
	// VisibilityTimeout overrides the queue default when positive.
	VisibilityTimeout time.Duration
	// Backoff is the pause after a failed receive call.
	Backoff time.Duration

	Logger *slog.Logger
}

// Receiver runs the poll loop.
type Receiver struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a new SQS receiver.
func New(cfg Config) *Receiver {
	if cfg.MaxMessages < 1 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Receiver{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "receiver", "type", "sqs"),
	}
}

// Run polls until ctx is cancelled. A batch in flight when ctx ends is
// finished with whatever outcome the processor reports.
func (r *Receiver) Run(ctx context.Context) error {
	r.logger.Info("sqs poller started", "queue", r.cfg.QueueURL, "max_messages", r.cfg.MaxMessages)
	for {
		if ctx.Err() != nil {
			r.logger.Info("sqs poller stopping")
			return nil
		}
		if _, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Info("sqs poller stopping")
				return nil
			}
			r.logger.Warn("sqs receive failed", "error", err, "backoff", r.cfg.Backoff)
			select {
			case <-time.After(r.cfg.Backoff):
			case <-ctx.Done():
			}
		}
	}
}

// Poll runs one receive, process and delete cycle and returns the number of
// messages received.
func (r *Receiver) Poll(ctx context.Context) (int, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(r.cfg.QueueURL),
		MaxNumberOfMessages:         r.cfg.MaxMessages,
		WaitTimeSeconds:             int32(r.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if r.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(r.cfg.VisibilityTimeout / time.Second)
	}
	out, err := r.cfg.API.ReceiveMessage(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	batch := make(notification.Batch, 0, len(out.Messages))
	for _, m := range out.Messages {
		batch = append(batch, notification.Item{
			ID:           aws.ToString(m.MessageId),
			Body:         aws.ToString(m.Body),
			ReceiveCount: receiveCount(m.Attributes),
		})
	}

	report := r.cfg.Processor.Process(ctx, batch)

	// Only messages with a non-failed outcome are deleted. A message the
	// report does not mention stays on the queue.
	outcomes := report.ByID()
	var done []types.Message
	for _, m := range out.Messages {
		if o, ok := outcomes[aws.ToString(m.MessageId)]; ok && !o.Failed() {
			done = append(done, m)
		}
	}

	// Deletion uses a fresh context so shutdown does not strand processed
	// messages.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.delete(delCtx, done); err != nil {
		r.logger.Error("delete processed messages", "error", err)
	}
	if n := len(report.Failures()); n > 0 {
		r.logger.Warn("messages left for redelivery", "received", len(batch), "failed", n)
	}
	return len(batch), nil
}

func (r *Receiver) delete(ctx context.Context, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(msgs))
	for i, m := range msgs {
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: m.ReceiptHandle,
		})
	}
	out, err := r.cfg.API.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(r.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range out.Failed {
		idx, _ := strconv.Atoi(aws.ToString(f.Id))
		if idx < 0 || idx >= len(msgs) {
			idx = 0
		}
		errs = append(errs, fmt.Errorf("message %s: %s: %s", aws.ToString(msgs[idx].MessageId), aws.ToString(f.Code), aws.ToString(f.Message)))
	}
	return errors.Join(errs...)
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}
