// Package receiver holds the substrate adapters that feed notification
// batches to the orchestrator: the Lambda runtime, an SQS poll loop and
// manual single-notification runs.
package receiver

import (
	"context"

	"logfanout/internal/notification"
	"logfanout/internal/orchestrator"
)

// Processor handles one batch and reports an outcome per item.
// It is implemented by *orchestrator.Orchestrator.
type Processor interface {
	Process(ctx context.Context, batch notification.Batch) orchestrator.Report
}
