// Package lambda adapts the orchestrator to the Lambda SQS event source.
// Failed items are returned as partial batch failures so only they are
// redelivered.
package lambda

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"

	"logfanout/internal/logging"
	"logfanout/internal/notification"
	"logfanout/internal/receiver"
)

// Config holds Lambda receiver configuration.
type Config struct {
	Processor receiver.Processor
	Logger    *slog.Logger
}

// Receiver handles SQS events delivered by the Lambda runtime.
type Receiver struct {
	proc   receiver.Processor
	logger *slog.Logger
}

// New creates a new Lambda receiver.
func New(cfg Config) *Receiver {
	return &Receiver{
		proc:   cfg.Processor,
		logger: logging.Default(cfg.Logger).With("component", "receiver", "type", "lambda"),
	}
}

// Handle processes one SQS event. It never returns an error: every item's
// fate is expressed through BatchItemFailures, and returning an error would
// make the runtime redeliver the whole batch.
func (r *Receiver) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	batch := notification.FromSQSEvent(ev)
	report := r.proc.Process(ctx, batch)

	resp := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	for _, o := range report.Failures() {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: o.ItemID})
	}
	if len(resp.BatchItemFailures) > 0 {
		r.logger.Warn("reporting partial batch failure",
			"items", len(batch), "failed", len(resp.BatchItemFailures))
	}
	return resp, nil
}

// Start hands control to the Lambda runtime. It does not return.
func (r *Receiver) Start() {
	r.logger.Info("lambda runtime starting")
	awslambda.Start(r.Handle)
}
