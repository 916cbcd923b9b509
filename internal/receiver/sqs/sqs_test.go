package sqs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"logfanout/internal/notification"
	"logfanout/internal/orchestrator"
)

type fakeQueue struct {
	mu         sync.Mutex
	batches    [][]types.Message
	receiveErr error
	receives   int
	lastIn     *sqs.ReceiveMessageInput
	deleted    []string
	failDelete bool
}

func (q *fakeQueue) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	q.receives++
	q.lastIn = in
	if q.receiveErr != nil {
		err := q.receiveErr
		q.mu.Unlock()
		return nil, err
	}
	if len(q.batches) == 0 {
		q.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	msgs := q.batches[0]
	q.batches = q.batches[1:]
	q.mu.Unlock()
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (q *fakeQueue) DeleteMessageBatch(_ context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range in.Entries {
		if q.failDelete {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: e.Id, Code: aws.String("ReceiptHandleIsInvalid"), Message: aws.String("bad")})
			continue
		}
		q.deleted = append(q.deleted, aws.ToString(e.ReceiptHandle))
	}
	return out, nil
}

func (q *fakeQueue) deletedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

type failProcessor struct {
	fail map[string]bool
	omit map[string]bool
	mu   sync.Mutex
	seen []notification.Item
}

func (p *failProcessor) Process(_ context.Context, batch notification.Batch) orchestrator.Report {
	p.mu.Lock()
	p.seen = append(p.seen, batch...)
	p.mu.Unlock()
	var r orchestrator.Report
	for _, item := range batch {
		if p.omit[item.ID] {
			continue
		}
		o := orchestrator.Outcome{ItemID: item.ID, Status: orchestrator.StatusDelivered}
		if p.fail[item.ID] {
			o.Status = orchestrator.StatusFailed
		}
		r.Outcomes = append(r.Outcomes, o)
	}
	return r
}

func messages(ids ...string) []types.Message {
	var out []types.Message
	for _, id := range ids {
		out = append(out, types.Message{
			MessageId:     aws.String(id),
			ReceiptHandle: aws.String("rh-" + id),
			Body:          aws.String("{}"),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		})
	}
	return out
}

func TestPollDeletesOnlySuccesses(t *testing.T) {
	q := &fakeQueue{batches: [][]types.Message{messages("a", "b", "c")}}
	proc := &failProcessor{fail: map[string]bool{"b": true}}
	r := New(Config{API: q, QueueURL: "https://sqs/q", Processor: proc, MaxMessages: 5, WaitTime: time.Second, VisibilityTimeout: time.Minute})

	n, err := r.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 3 {
		t.Errorf("received: got %d", n)
	}
	got := q.deletedHandles()
	if len(got) != 2 || got[0] != "rh-a" || got[1] != "rh-c" {
		t.Errorf("deleted: %v", got)
	}
	if proc.seen[0].ReceiveCount != 3 {
		t.Errorf("ReceiveCount: got %d", proc.seen[0].ReceiveCount)
	}
	in := q.lastIn
	if in.MaxNumberOfMessages != 5 || in.WaitTimeSeconds != 1 || in.VisibilityTimeout != 60 {
		t.Errorf("receive input: %+v", in)
	}
}

func TestPollKeepsMessagesWithoutOutcome(t *testing.T) {
	q := &fakeQueue{batches: [][]types.Message{messages("a", "b")}}
	proc := &failProcessor{omit: map[string]bool{"a": true}}
	r := New(Config{API: q, Processor: proc})

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := q.deletedHandles(); len(got) != 1 || got[0] != "rh-b" {
		t.Errorf("deleted: %v", got)
	}
}

func TestPollEmpty(t *testing.T) {
	q := &fakeQueue{batches: [][]types.Message{nil}}
	proc := &failProcessor{}
	r := New(Config{API: q, Processor: proc})
	n, err := r.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Poll: %d %v", n, err)
	}
	if len(proc.seen) != 0 {
		t.Error("processor called for empty receive")
	}
}

func TestPollDeleteFailure(t *testing.T) {
	q := &fakeQueue{batches: [][]types.Message{messages("a")}, failDelete: true}
	r := New(Config{API: q, Processor: &failProcessor{}})
	// Delete failures are logged, not returned: the message simply
	// reappears and is processed again.
	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := r.delete(context.Background(), messages("a")); err == nil {
		t.Error("expected delete error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := &fakeQueue{batches: [][]types.Message{messages("a"), messages("b")}}
	proc := &failProcessor{}
	r := New(Config{API: q, Processor: proc})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(q.deletedHandles()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if got := q.deletedHandles(); len(got) != 2 {
		t.Errorf("deleted: %v", got)
	}
}

func TestRunBacksOffOnError(t *testing.T) {
	q := &fakeQueue{receiveErr: errors.New("throttled")}
	r := New(Config{API: q, Processor: &failProcessor{}, Backoff: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.receives < 2 || q.receives > 6 {
		t.Errorf("receives: got %d", q.receives)
	}
}

func TestNewDefaults(t *testing.T) {
	r := New(Config{MaxMessages: 50, WaitTime: time.Minute})
	if r.cfg.MaxMessages != 10 || r.cfg.WaitTime != 20*time.Second || r.cfg.Backoff != 5*time.Second {
		t.Errorf("defaults: %+v", r.cfg)
	}
	if receiveCount(map[string]string{}) != 0 {
		t.Error("missing receive count should be zero")
	}
}
