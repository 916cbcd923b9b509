// Package orchestrator processes notification batches. It wires the
// pipeline stages together without owning their logic: each item's objects
// are fetched, decoded, normalized, attributed to a tenant and handed to
// the delivery client.
//
// Every item gets an explicit outcome. A failure in one item is confined
// to that item; the batch always runs to completion unless the context is
// cancelled, in which case unstarted items are reported as failed so the
// queue redelivers them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"logfanout/internal/codec"
	"logfanout/internal/delivery"
	"logfanout/internal/logevent"
	"logfanout/internal/logging"
	"logfanout/internal/metrics"
	"logfanout/internal/normalize"
	"logfanout/internal/notification"
	"logfanout/internal/objectstore"
	"logfanout/internal/tenant"
)

// ErrCancelled is the failure recorded for items not processed before the
// context ended.
var ErrCancelled = errors.New("batch cancelled before item was processed")

// Deliverer writes one batch to a tenant destination.
type Deliverer interface {
	Deliver(ctx context.Context, batch *logevent.Batch, dest tenant.Config) delivery.Attempt
}

// Config holds orchestrator tunables.
type Config struct {
	// Concurrency is how many items are processed at once. Outcomes are
	// reported in input order regardless.
	Concurrency int
	// MaxObjectBytes bounds the decompressed size of one object.
	MaxObjectBytes int64
}

// Orchestrator processes notification batches.
type Orchestrator struct {
	fetcher    objectstore.Fetcher
	tenants    tenant.Store
	deliverer  Deliverer
	normalizer *normalize.Normalizer
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(o *Orchestrator) { o.normalizer = n }
}

// New creates an Orchestrator. tenants is consulted through a fresh
// per-batch cache on every Process call.
func New(fetcher objectstore.Fetcher, tenants tenant.Store, deliverer Deliverer, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	o := &Orchestrator{
		fetcher:   fetcher,
		tenants:   tenants,
		deliverer: deliverer,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.normalizer == nil {
		o.normalizer = normalize.New()
	}
	o.logger = logging.Default(o.logger).With("component", "orchestrator")
	return o
}

// Process handles every item of batch and returns one outcome per item,
// in input order.
func (o *Orchestrator) Process(ctx context.Context, batch notification.Batch) Report {
	start := o.now()
	outcomes := make([]Outcome, len(batch))
	for i, item := range batch {
		outcomes[i] = Outcome{ItemID: item.ID, Status: StatusFailed, Err: ErrCancelled}
	}

	cache := tenant.NewCache(o.tenants)

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, item := range batch {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = o.processItem(ctx, item, cache)
			return nil
		})
	}
	_ = g.Wait()

	r := Report{Outcomes: outcomes}
	c := r.Counts()
	o.logger.Info("batch processed",
		"items", len(batch),
		"delivered", c[StatusDelivered],
		"skipped", c[StatusSkipped],
		"failed", c[StatusFailed],
		"tenant_lookups", cache.Lookups(),
		"duration", o.now().Sub(start),
	)
	return r
}

// processItem runs one item. A panic is converted into the item's failure.
func (o *Orchestrator) processItem(ctx context.Context, item notification.Item, cache *tenant.Cache) (out Outcome) {
	start := o.now()
	out = Outcome{ItemID: item.ID}
	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("panic: %v", r)
			o.logger.Error("item panicked",
				"item_id", item.ID, "panic", r, "stack", string(debug.Stack()))
		}
		out.Duration = o.now().Sub(start)
		o.metrics.Item(string(out.Status), out.Duration.Seconds())
	}()

	refs, err := notification.Parse(item.Body)
	if err != nil {
		out.Status, out.Reason, out.Err = StatusSkipped, ReasonMalformedNotification, err
		o.metrics.Skip(out.Reason)
		o.logger.Warn("notification skipped", "item_id", item.ID, "reason", out.Reason, "error", err)
		return out
	}
	if len(refs) == 0 {
		out.Status, out.Reason = StatusSkipped, ReasonNoObjects
		o.metrics.Skip(out.Reason)
		o.logger.Info("notification has no objects", "item_id", item.ID)
		return out
	}

	results := make([]ObjectResult, 0, len(refs))
	for _, ref := range refs {
		res := o.processObject(ctx, item, ref, cache)
		results = append(results, res)
		out.Events += res.Events
	}
	out.Objects = results
	out.Status, out.Reason, out.Err = combine(results)
	return out
}

// combine folds object results into an item status. Any failure fails the
// item with the first error; otherwise one delivery makes it delivered.
func combine(results []ObjectResult) (Status, string, error) {
	for _, r := range results {
		if r.Status == StatusFailed {
			return StatusFailed, r.Reason, r.Err
		}
	}
	for _, r := range results {
		if r.Status == StatusDelivered {
			return StatusDelivered, "", nil
		}
	}
	return StatusSkipped, results[0].Reason, results[0].Err
}

func (o *Orchestrator) processObject(ctx context.Context, item notification.Item, ref notification.ObjectReference, cache *tenant.Cache) ObjectResult {
	res := ObjectResult{Ref: ref}
	log := o.logger.With("item_id", item.ID, "bucket", ref.Bucket, "key", ref.Key)

	skip := func(reason string, err error) ObjectResult {
		res.Status, res.Reason, res.Err = StatusSkipped, reason, err
		o.metrics.Skip(reason)
		log.Warn("object skipped", "tenant", res.Identity.TenantID, "reason", reason, "error", err)
		return res
	}
	fail := func(reason string, err error) ObjectResult {
		res.Status, res.Reason, res.Err = StatusFailed, reason, err
		log.Error("object failed",
			"tenant", res.Identity.TenantID,
			"events", res.Events,
			"reason", reason,
			"permanent", delivery.IsPermanent(err) || errors.Is(err, tenant.ErrNotFound) || errors.Is(err, tenant.ErrInvalid),
			"receive_count", item.ReceiveCount,
			"error", err,
		)
		return res
	}

	id, err := tenant.Resolve(ref.Key)
	if err != nil {
		return skip(ReasonUnresolved, err)
	}
	res.Identity = id

	dest, err := cache.Get(ctx, id.TenantID)
	if err != nil {
		return fail(ReasonTenantLookup, err)
	}
	if !dest.Enabled {
		return skip(ReasonTenantDisabled, nil)
	}
	if err := dest.Validate(); err != nil {
		return fail(ReasonTenantInvalid, err)
	}
	if !dest.Wants(id.Application) {
		return skip(ReasonApplicationFiltered, nil)
	}

	obj, err := o.fetcher.Get(ctx, ref.Bucket, ref.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrTooLarge) {
			return skip(ReasonTooLarge, err)
		}
		return fail(ReasonFetch, err)
	}

	stream, err := codec.Decode(ref.Key, obj.Body, o.cfg.MaxObjectBytes)
	if err != nil {
		if errors.Is(err, codec.ErrTooLarge) {
			return skip(ReasonTooLarge, err)
		}
		return skip(ReasonMalformedObject, err)
	}

	batch := &logevent.Batch{Identity: id}
	var dropped, defaulted int
	for rec := range stream.Records() {
		r := o.normalizer.Normalize(rec)
		if !r.OK() {
			dropped++
			continue
		}
		if r.TimestampDefaulted {
			defaulted++
		}
		batch.Events = append(batch.Events, r.Event)
	}
	stats := stream.Stats()
	o.metrics.Records(stats.Malformed+dropped, defaulted)
	if stats.Malformed > 0 || dropped > 0 {
		log.Warn("records dropped",
			"tenant", id.TenantID,
			"format", stats.Format,
			"malformed_lines", stats.Malformed,
			"non_object_records", dropped,
		)
	}
	if defaulted > 0 {
		log.Warn("timestamps defaulted to processing time",
			"tenant", id.TenantID, "count", defaulted, "events", batch.Len())
	}
	if batch.Len() == 0 {
		return skip(ReasonEmpty, nil)
	}

	attempt := o.deliverer.Deliver(ctx, batch, dest)
	res.Events = attempt.EventCount
	res.Calls = attempt.Calls
	if !attempt.OK() {
		return fail(ReasonDelivery, attempt.Err)
	}

	res.Status = StatusDelivered
	log.Info("object delivered",
		"tenant", id.TenantID,
		"application", id.Application,
		"pod", id.Pod,
		"events", res.Events,
		"calls", res.Calls,
	)
	return res
}
