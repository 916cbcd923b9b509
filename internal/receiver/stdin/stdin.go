// Package stdin runs the pipeline on a notification read from a reader,
// for replaying dead-lettered messages and local testing.
package stdin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"logfanout/internal/logging"
	"logfanout/internal/notification"
	"logfanout/internal/orchestrator"
	"logfanout/internal/receiver"
)

// ErrFailed is returned when at least one item failed.
var ErrFailed = errors.New("processing failed")

// maxInput bounds how much is read from the input.
const maxInput = 16 << 20

// Config holds manual receiver configuration.
type Config struct {
	Processor receiver.Processor
	Logger    *slog.Logger
}

// Receiver processes a single input.
type Receiver struct {
	proc   receiver.Processor
	logger *slog.Logger
}

// New creates a new manual receiver.
func New(cfg Config) *Receiver {
	return &Receiver{
		proc:   cfg.Processor,
		logger: logging.Default(cfg.Logger).With("component", "receiver", "type", "stdin"),
	}
}

// Run reads r and processes it. The input is either one notification body
// (storage event or topic envelope) or a whole SQS event as the Lambda
// runtime would deliver it. The returned error wraps ErrFailed when any
// item failed.
func (rc *Receiver) Run(ctx context.Context, r io.Reader) (orchestrator.Report, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInput))
	if err != nil {
		return orchestrator.Report{}, fmt.Errorf("read input: %w", err)
	}
	batch := Batch(data)
	rc.logger.Info("processing manual input", "items", len(batch), "bytes", len(data))

	report := rc.proc.Process(ctx, batch)
	if failures := report.Failures(); len(failures) > 0 {
		errs := make([]error, 0, len(failures))
		for _, o := range failures {
			errs = append(errs, fmt.Errorf("%s: %w", o.ItemID, o.Err))
		}
		return report, fmt.Errorf("%w: %w", ErrFailed, errors.Join(errs...))
	}
	return report, nil
}

// Batch turns raw input into a notification batch. An SQS event becomes one
// item per message; anything else is a single item with a generated ID.
func Batch(data []byte) notification.Batch {
	var ev events.SQSEvent
	if err := json.Unmarshal(data, &ev); err == nil && len(ev.Records) > 0 && ev.Records[0].EventSource == "aws:sqs" {
		return notification.FromSQSEvent(ev)
	}
	return notification.Batch{{ID: "manual-" + uuid.NewString(), Body: string(data)}}
}
