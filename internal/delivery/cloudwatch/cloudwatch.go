// Package cloudwatch writes log events to CloudWatch Logs in a tenant
// account.
package cloudwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"logfanout/internal/delivery"
	"logfanout/internal/logevent"
	"logfanout/internal/logging"
)

// API is the subset of the CloudWatch Logs client used here.
type API interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Writer is a delivery.Writer backed by CloudWatch Logs.
type Writer struct {
	api    API
	logger *slog.Logger
}

var _ delivery.Writer = (*Writer)(nil)

// NewWriter wraps api.
func NewWriter(api API, logger *slog.Logger) *Writer {
	return &Writer{
		api:    api,
		logger: logging.Default(logger).With("component", "cloudwatch"),
	}
}

// NewFactory returns a delivery.WriterFactory that builds a client per
// tenant session from base, pinned to the session's static credentials and
// the tenant's region.
func NewFactory(base aws.Config, logger *slog.Logger) delivery.WriterFactory {
	return func(creds aws.Credentials, region string) delivery.Writer {
		client := cloudwatchlogs.NewFromConfig(base, func(o *cloudwatchlogs.Options) {
			o.Region = region
			o.Credentials = credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
		})
		return NewWriter(client, logger)
	}
}

// EnsureStream creates the log group and stream, tolerating either already
// existing.
func (w *Writer) EnsureStream(ctx context.Context, group, stream string) error {
	_, err := w.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("create log group %s: %w", group, err)
	}
	if err == nil {
		w.logger.Info("created log group", "group", group)
	}

	_, err = w.api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("create log stream %s/%s: %w", group, stream, err)
	}
	if err == nil {
		w.logger.Debug("created log stream", "group", group, "stream", stream)
	}
	return nil
}

// Put writes one sub-batch. Events the service accepts but rejects
// individually (too old, too new, expired) are logged, not failed.
func (w *Writer) Put(ctx context.Context, group, stream string, events []logevent.Event) error {
	in := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		LogEvents:     make([]types.InputLogEvent, len(events)),
	}
	for i, e := range events {
		in.LogEvents[i] = types.InputLogEvent{
			Message:   aws.String(e.Message),
			Timestamp: aws.Int64(e.TimestampMS),
		}
	}
	out, err := w.api.PutLogEvents(ctx, in)
	if err != nil {
		return fmt.Errorf("put log events %s/%s: %w", group, stream, err)
	}
	if r := out.RejectedLogEventsInfo; r != nil {
		w.logger.Warn("log events rejected",
			"group", group,
			"stream", stream,
			"too_new_start", aws.ToInt32(r.TooNewLogEventStartIndex),
			"too_old_end", aws.ToInt32(r.TooOldLogEventEndIndex),
			"expired_end", aws.ToInt32(r.ExpiredLogEventEndIndex),
		)
	}
	return nil
}

func alreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}
