package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/castilho/inferoute/pkg/inferoute/store"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenDatabase(":memory:", logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logger)
}

func TestEnqueueClaimComplete(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	tracking, err := q.Enqueue("msg-1", "track-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if tracking != "track-1" {
		t.Errorf("tracking = %q", tracking)
	}

	job, err := q.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.MessageID != "msg-1" || job.State != StateProcessing || job.Attempts != 1 {
		t.Errorf("job = %+v", job)
	}

	// The claimed job is invisible to further claims.
	if _, err := q.Claim(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("second claim err = %v, want ErrEmpty", err)
	}

	if err := q.Complete(job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	n, err := q.Pending()
	if err != nil || n != 0 {
		t.Errorf("pending = %d/%v", n, err)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(id, "t-"+id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		job, err := q.Claim()
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		got = append(got, job.MessageID)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("claim order = %v, want [a b c]", got)
	}
}

func TestFailRequeuesUntilAttemptsSpent(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	if _, err := q.Enqueue("msg-1", "t-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var job *Job
	var err error
	for i := 0; i < maxAttempts; i++ {
		job, err = q.Claim()
		if err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
		if err := q.Fail(job.ID); err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
	}

	// Attempts are spent; the job is parked, not requeued.
	if _, err := q.Claim(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("claim after exhaustion err = %v, want ErrEmpty", err)
	}
}

func TestRequeueStuck(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	if _, err := q.Enqueue("msg-1", "t-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Claim(); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// A generous cutoff leaves the fresh claim alone.
	n, err := q.RequeueStuck(time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("RequeueStuck = %d/%v, want 0", n, err)
	}

	// A negative cutoff puts it in the past, so the claim counts as stuck.
	n, err = q.RequeueStuck(-time.Second)
	if err != nil || n != 1 {
		t.Fatalf("RequeueStuck = %d/%v, want 1", n, err)
	}
	if _, err := q.Claim(); err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
}

func TestWorkerProcessesJobs(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(id, "t-"+id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	var processed []string
	done := make(chan struct{})
	proc := ProcessorFunc(func(_ context.Context, messageID string) error {
		mu.Lock()
		processed = append(processed, messageID)
		if len(processed) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(q, proc, WorkerConfig{PollInterval: 10 * time.Millisecond}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 2 || processed[0] != "a" || processed[1] != "b" {
		t.Errorf("processed = %v", processed)
	}
}

func TestWorkerFailedJobRetried(t *testing.T) {
	t.Parallel()

	q := testQueue(t)
	if _, err := q.Enqueue("flaky", "t-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	proc := ProcessorFunc(func(_ context.Context, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		select {
		case <-done:
		default:
			close(done)
		}
		return nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(q, proc, WorkerConfig{PollInterval: 10 * time.Millisecond}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not retried")
	}
}
