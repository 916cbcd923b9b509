package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"

	"logfanout/internal/logevent"
	"logfanout/internal/tenant"
)

// fakeAssumer hands out credentials that expire after ttl.
type fakeAssumer struct {
	mu    sync.Mutex
	calls int
	err   error
	ttl   time.Duration
	delay time.Duration
}

func (f *fakeAssumer) Assume(ctx context.Context, tenantID, roleARN string) (aws.Credentials, error) {
	f.mu.Lock()
	f.calls++
	n, err, ttl, delay := f.calls, f.err, f.ttl, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return aws.Credentials{}, ctx.Err()
		}
	}
	if err != nil {
		return aws.Credentials{}, err
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return aws.Credentials{
		AccessKeyID:     fmt.Sprintf("AKIA%s%d", strings.ToUpper(tenantID), n),
		SecretAccessKey: "secret",
		SessionToken:    "token",
		CanExpire:       true,
		Expires:         time.Now().Add(ttl),
	}, nil
}

func (f *fakeAssumer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeWriter records calls and fails the configured call numbers.
type fakeWriter struct {
	mu        sync.Mutex
	creds     aws.Credentials
	region    string
	ensures   int
	puts      [][]logevent.Event
	failOn    map[int]error
	ensureErr error
	block     bool
}

func (w *fakeWriter) EnsureStream(ctx context.Context, group, stream string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensures++
	return w.ensureErr
}

func (w *fakeWriter) Put(ctx context.Context, group, stream string, events []logevent.Event) error {
	w.mu.Lock()
	block := w.block
	w.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.puts = append(w.puts, events)
	if err, ok := w.failOn[len(w.puts)]; ok {
		return err
	}
	return nil
}

func (w *fakeWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int
	for _, p := range w.puts {
		out = append(out, len(p))
	}
	return out
}

type writers struct {
	mu    sync.Mutex
	all   []*fakeWriter
	setup func(*fakeWriter)
}

func (ws *writers) factory(creds aws.Credentials, region string) Writer {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := &fakeWriter{creds: creds, region: region, failOn: map[int]error{}}
	if ws.setup != nil {
		ws.setup(w)
	}
	ws.all = append(ws.all, w)
	return w
}

func (ws *writers) last() *fakeWriter {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.all[len(ws.all)-1]
}

var acme = tenant.Config{
	TenantID: "acme",
	RoleARN:  "arn:aws:iam::123456789012:role/LogDistribution",
	LogGroup: "/tenants/acme",
	Region:   "us-east-1",
	Enabled:  true,
}

func makeBatch(n int) *logevent.Batch {
	b := &logevent.Batch{Identity: logevent.Identity{TenantID: "acme", ClusterID: "c1", Application: "billing", Pod: "pod-42"}}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := range n {
		b.Events = append(b.Events, logevent.Event{TimestampMS: base + int64(i), Message: fmt.Sprintf("line %d", i)})
	}
	return b
}

func newTestClient(a Assumer, ws *writers) *Client {
	cfg := DefaultConfig()
	cfg.WriteTimeout = time.Second
	return New(a, ws.factory, cfg, nil, nil)
}

func TestDeliverChunksIntoThreeCalls(t *testing.T) {
	ws := &writers{}
	c := newTestClient(&fakeAssumer{}, ws)

	a := c.Deliver(context.Background(), makeBatch(2500), acme)
	if !a.OK() {
		t.Fatalf("Deliver: %v", a.Err)
	}
	if a.Calls != 3 || a.Delivered != 2500 || a.EventCount != 2500 {
		t.Errorf("attempt: %+v", a)
	}
	got := ws.last().sizes()
	if len(got) != 3 || got[0] != 1000 || got[1] != 1000 || got[2] != 500 {
		t.Errorf("call sizes: got %v, want [1000 1000 500]", got)
	}
	if a.Target.Stream != "pod-42" || a.Target.LogGroup != "/tenants/acme" {
		t.Errorf("target: %+v", a.Target)
	}
}

func TestDeliverSecondCallFails(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
	ws := &writers{setup: func(w *fakeWriter) { w.failOn[2] = throttled }}
	c := newTestClient(&fakeAssumer{}, ws)

	a := c.Deliver(context.Background(), makeBatch(2500), acme)
	if a.OK() {
		t.Fatal("expected failed attempt")
	}
	if !errors.Is(a.Err, throttled) {
		t.Errorf("expected first error retained, got %v", a.Err)
	}
	var we *WriteError
	if !errors.As(a.Err, &we) || we.Call != 2 {
		t.Errorf("expected WriteError on call 2, got %v", a.Err)
	}
	if a.Delivered != 1000 {
		t.Errorf("Delivered: got %d, want 1000", a.Delivered)
	}
	if Classify(a.Err) != ClassThrottled {
		t.Errorf("Classify: got %q", Classify(a.Err))
	}
	if c.Sessions() != 1 {
		t.Error("throttling must not drop the session")
	}
}

func TestDeliverEmptyBatch(t *testing.T) {
	assumer := &fakeAssumer{}
	c := newTestClient(assumer, &writers{})
	a := c.Deliver(context.Background(), makeBatch(0), acme)
	if !a.OK() || a.Calls != 0 {
		t.Errorf("attempt: %+v", a)
	}
	if assumer.count() != 0 {
		t.Error("empty batch must not assume a role")
	}
}

func TestDeliverTenantMismatch(t *testing.T) {
	c := newTestClient(&fakeAssumer{}, &writers{})
	other := acme
	other.TenantID = "globex"
	if a := c.Deliver(context.Background(), makeBatch(1), other); a.OK() {
		t.Fatal("expected cross-tenant delivery to fail")
	}
}

func TestDeliverSortsEvents(t *testing.T) {
	ws := &writers{}
	c := newTestClient(&fakeAssumer{}, ws)
	b := makeBatch(3)
	b.Events[0].TimestampMS, b.Events[2].TimestampMS = b.Events[2].TimestampMS, b.Events[0].TimestampMS

	if a := c.Deliver(context.Background(), b, acme); !a.OK() {
		t.Fatal(a.Err)
	}
	put := ws.last().puts[0]
	for i := 1; i < len(put); i++ {
		if put[i].TimestampMS < put[i-1].TimestampMS {
			t.Fatalf("events not sorted: %+v", put)
		}
	}
}

func TestCredentialsCachedPerTenant(t *testing.T) {
	assumer := &fakeAssumer{}
	ws := &writers{}
	c := newTestClient(assumer, ws)

	for range 3 {
		if a := c.Deliver(context.Background(), makeBatch(10), acme); !a.OK() {
			t.Fatal(a.Err)
		}
	}
	if assumer.count() != 1 {
		t.Errorf("assume calls: got %d, want 1", assumer.count())
	}
	if ws.last().ensures != 1 {
		t.Errorf("ensure calls: got %d, want 1", ws.last().ensures)
	}
}

func TestConcurrentMissesShareAssumption(t *testing.T) {
	assumer := &fakeAssumer{delay: 20 * time.Millisecond}
	c := newTestClient(assumer, &writers{})

	var wg sync.WaitGroup
	var failed atomic.Int32
	for range 10 {
		wg.Go(func() {
			if a := c.Deliver(context.Background(), makeBatch(5), acme); !a.OK() {
				failed.Add(1)
			}
		})
	}
	wg.Wait()
	if failed.Load() != 0 {
		t.Fatalf("%d deliveries failed", failed.Load())
	}
	if assumer.count() != 1 {
		t.Errorf("assume calls: got %d, want 1", assumer.count())
	}
}

func TestCredentialsRefreshedOnExpiry(t *testing.T) {
	assumer := &fakeAssumer{ttl: 2*time.Minute + 50*time.Millisecond}
	ws := &writers{}
	cfg := DefaultConfig()
	cfg.CredentialSkew = 2 * time.Minute
	c := New(assumer, ws.factory, cfg, nil, nil)

	if a := c.Deliver(context.Background(), makeBatch(1), acme); !a.OK() {
		t.Fatal(a.Err)
	}
	time.Sleep(100 * time.Millisecond)
	if a := c.Deliver(context.Background(), makeBatch(1), acme); !a.OK() {
		t.Fatal(a.Err)
	}
	if assumer.count() != 2 {
		t.Errorf("assume calls: got %d, want 2", assumer.count())
	}
}

func TestAssumeFailureIsPermanent(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized to perform sts:AssumeRole"}
	assumer := &fakeAssumer{err: denied}
	c := newTestClient(assumer, &writers{})

	a := c.Deliver(context.Background(), makeBatch(10), acme)
	if a.OK() {
		t.Fatal("expected failure")
	}
	var are *AssumeRoleError
	if !errors.As(a.Err, &are) {
		t.Fatalf("expected AssumeRoleError, got %T: %v", a.Err, a.Err)
	}
	if !IsPermanent(a.Err) {
		t.Error("assume failure should be permanent")
	}
	if !errors.Is(a.Err, denied) {
		t.Error("expected cause to be preserved")
	}
	if a.Calls != 0 {
		t.Errorf("Calls: got %d, want 0", a.Calls)
	}

	// Not cached: the next attempt assumes again.
	assumer.mu.Lock()
	assumer.err = nil
	assumer.mu.Unlock()
	if a := c.Deliver(context.Background(), makeBatch(10), acme); !a.OK() {
		t.Fatalf("Deliver after recovery: %v", a.Err)
	}
	if assumer.count() != 2 {
		t.Errorf("assume calls: got %d, want 2", assumer.count())
	}
}

func TestAuthErrorDropsSession(t *testing.T) {
	expired := &smithy.GenericAPIError{Code: "ExpiredTokenException", Message: "token expired"}
	first := true
	ws := &writers{setup: func(w *fakeWriter) {
		if first {
			w.failOn[1] = expired
			first = false
		}
	}}
	assumer := &fakeAssumer{}
	c := newTestClient(assumer, ws)

	if a := c.Deliver(context.Background(), makeBatch(10), acme); a.OK() {
		t.Fatal("expected failure")
	}
	if c.Sessions() != 0 {
		t.Errorf("Sessions: got %d, want 0", c.Sessions())
	}
	if a := c.Deliver(context.Background(), makeBatch(10), acme); !a.OK() {
		t.Fatalf("Deliver with fresh credentials: %v", a.Err)
	}
	if assumer.count() != 2 {
		t.Errorf("assume calls: got %d, want 2", assumer.count())
	}
}

func TestEnsureFailure(t *testing.T) {
	ws := &writers{setup: func(w *fakeWriter) { w.ensureErr = errors.New("create log group: boom") }}
	c := newTestClient(&fakeAssumer{}, ws)
	a := c.Deliver(context.Background(), makeBatch(10), acme)
	var we *WriteError
	if !errors.As(a.Err, &we) || we.Call != 0 {
		t.Fatalf("expected prepare WriteError, got %v", a.Err)
	}
	if a.Calls != 0 {
		t.Errorf("Calls: got %d, want 0", a.Calls)
	}
}

func TestWriteTimeout(t *testing.T) {
	ws := &writers{setup: func(w *fakeWriter) { w.block = true }}
	cfg := DefaultConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	c := New(&fakeAssumer{}, ws.factory, cfg, nil, nil)

	a := c.Deliver(context.Background(), makeBatch(10), acme)
	if !errors.Is(a.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", a.Err)
	}
	if Classify(a.Err) != ClassTimeout {
		t.Errorf("Classify: got %q", Classify(a.Err))
	}
}

func TestWriterGetsRegionAndCredentials(t *testing.T) {
	ws := &writers{}
	c := newTestClient(&fakeAssumer{}, ws)
	if a := c.Deliver(context.Background(), makeBatch(1), acme); !a.OK() {
		t.Fatal(a.Err)
	}
	w := ws.last()
	if w.region != "us-east-1" {
		t.Errorf("region: got %q", w.region)
	}
	if !strings.HasPrefix(w.creds.AccessKeyID, "AKIAACME") {
		t.Errorf("credentials: got %q", w.creds.AccessKeyID)
	}
}

func TestSweep(t *testing.T) {
	ws := &writers{}
	cfg := DefaultConfig()
	cfg.Rate = 100
	cfg.Burst = 10
	cfg.CredentialTTL = 10 * time.Millisecond
	c := New(&fakeAssumer{}, ws.factory, cfg, nil, nil)

	if a := c.Deliver(context.Background(), makeBatch(1), acme); !a.OK() {
		t.Fatal(a.Err)
	}
	time.Sleep(20 * time.Millisecond)
	if streams := c.Sweep(time.Millisecond); streams != 1 {
		t.Errorf("Sweep: got %d streams, want 1", streams)
	}
	if c.Sessions() != 0 {
		t.Errorf("Sessions: got %d", c.Sessions())
	}
}
