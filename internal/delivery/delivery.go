// Package delivery writes log batches into tenant accounts.
//
// For each batch the Client obtains scoped credentials by assuming the
// tenant's cross-account role, makes sure the destination stream exists,
// and writes the events in sub-batches that respect the destination's
// per-call limits. Credentials are cached per tenant for their validity
// window and dropped as soon as an assumption or an authorization check
// fails.
//
// The Client never retries. A failed sub-batch fails the whole Attempt;
// the caller reports it and the queue's redrive policy decides what
// happens next.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"golang.org/x/time/rate"

	"logfanout/internal/logevent"
	"logfanout/internal/logging"
	"logfanout/internal/metrics"
	"logfanout/internal/tenant"
)

// Writer writes events to one tenant destination with fixed credentials.
type Writer interface {
	// EnsureStream creates the group and stream if they do not exist.
	EnsureStream(ctx context.Context, group, stream string) error
	// Put writes one sub-batch. Events are sorted and within limits.
	Put(ctx context.Context, group, stream string, events []logevent.Event) error
}

// WriterFactory builds a Writer for credentials in region.
type WriterFactory func(creds aws.Credentials, region string) Writer

// Target identifies where an attempt writes.
type Target struct {
	TenantID string
	Region   string
	LogGroup string
	Stream   string
}

func (t Target) String() string {
	return t.TenantID + "@" + t.Region + ":" + t.LogGroup + "/" + t.Stream
}

// Attempt is the outcome of one Deliver call.
type Attempt struct {
	Target     Target
	EventCount int
	// Calls is the number of write calls issued.
	Calls int
	// Delivered counts events in calls that succeeded. On failure some
	// events may already be written; a retry writes them again.
	Delivered int
	// Err is the first error, nil on success.
	Err error
}

// OK reports whether every sub-batch was written.
func (a Attempt) OK() bool { return a.Err == nil }

// Config holds the Client's tunables.
type Config struct {
	Limits Limits

	// AssumeTimeout bounds each role assumption; WriteTimeout bounds each
	// destination call. Zero means no per-call timeout.
	AssumeTimeout time.Duration
	WriteTimeout  time.Duration

	// CredentialCapacity bounds the number of cached tenant sessions
	// (0 means unbounded). CredentialTTL caps how long a session is kept
	// even when the credentials live longer. CredentialSkew is subtracted
	// from the credential expiry.
	CredentialCapacity uint64
	CredentialTTL      time.Duration
	CredentialSkew     time.Duration

	// Rate limits write calls per destination stream (0 disables).
	Rate  rate.Limit
	Burst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Limits:             DefaultLimits(),
		AssumeTimeout:      10 * time.Second,
		WriteTimeout:       30 * time.Second,
		CredentialCapacity: 1024,
		CredentialTTL:      50 * time.Minute,
		CredentialSkew:     time.Minute,
	}
}

// Client delivers batches. It is safe for concurrent use.
type Client struct {
	cfg      Config
	creds    *credentialCache
	limiters *limiters
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Client.
func New(assumer Assumer, newWriter WriterFactory, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	cfg.Limits = cfg.Limits.normalized()
	return &Client{
		cfg:      cfg,
		creds:    newCredentialCache(assumer, newWriter, cfg.CredentialCapacity, cfg.CredentialTTL, cfg.CredentialSkew, cfg.AssumeTimeout, m),
		limiters: newLimiters(cfg.Rate, cfg.Burst),
		logger:   logging.Default(logger).With("component", "delivery"),
		metrics:  m,
	}
}

// Deliver writes batch to dest. The batch is sorted in place.
func (c *Client) Deliver(ctx context.Context, batch *logevent.Batch, dest tenant.Config) Attempt {
	target := Target{
		TenantID: dest.TenantID,
		Region:   dest.Region,
		LogGroup: dest.LogGroup,
		Stream:   batch.Pod,
	}
	a := Attempt{Target: target, EventCount: batch.Len()}
	if a.EventCount == 0 {
		return a
	}
	if batch.TenantID != dest.TenantID {
		a.Err = fmt.Errorf("batch tenant %q does not match destination tenant %q", batch.TenantID, dest.TenantID)
		return a
	}

	sess, err := c.creds.get(ctx, dest)
	if err != nil {
		a.Err = err
		return a
	}

	if !sess.isEnsured(target.LogGroup + "/" + target.Stream) {
		err := c.call(ctx, func(ctx context.Context) error {
			return sess.writer.EnsureStream(ctx, target.LogGroup, target.Stream)
		})
		if err != nil {
			c.afterFailure(dest, sess, target, err)
			a.Err = &WriteError{Target: target, Err: err}
			return a
		}
		sess.markEnsured(target.LogGroup+"/"+target.Stream, true)
	}

	batch.SortByTime()
	limiter := c.limiters.get(target.String())
	for i, chunk := range Chunk(batch.Events, c.cfg.Limits) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				a.Err = &WriteError{Target: target, Call: i + 1, Err: err}
				return a
			}
		}
		a.Calls++
		err := c.call(ctx, func(ctx context.Context) error {
			return sess.writer.Put(ctx, target.LogGroup, target.Stream, chunk)
		})
		c.metrics.Call(err == nil)
		if err != nil {
			c.afterFailure(dest, sess, target, err)
			a.Err = &WriteError{Target: target, Call: i + 1, Err: err}
			return a
		}
		a.Delivered += len(chunk)
	}
	c.metrics.Delivered(dest.TenantID, a.Delivered)
	return a
}

func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// afterFailure drops cached state the failure may have invalidated.
func (c *Client) afterFailure(dest tenant.Config, sess *session, target Target, err error) {
	switch Classify(err) {
	case ClassAuth:
		c.creds.invalidate(dest)
		c.logger.Warn("destination rejected credentials, session dropped",
			"tenant", dest.TenantID, "target", target.String(), "error", err)
	case ClassNotFound:
		sess.markEnsured(target.LogGroup+"/"+target.Stream, false)
	}
}

// Sweep evicts expired sessions and stream limiters idle for staleAfter.
// It returns the number of limiters removed.
func (c *Client) Sweep(staleAfter time.Duration) int {
	c.creds.deleteExpired()
	return c.limiters.cleanup(staleAfter)
}

// Sessions returns the number of cached tenant sessions.
func (c *Client) Sessions() int { return c.creds.len() }
