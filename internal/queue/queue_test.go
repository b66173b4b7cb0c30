package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"genstudio/internal/config"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, config.Config{
		PriorityQueues:    []string{"high", "normal", "low"},
		VisibilityTimeout: time.Minute,
	})
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-low", "low"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-high", "high"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-normal", "normal"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []string{"job-high", "job-normal", "job-low"}
	for _, expected := range want {
		got, err := q.DequeueWithLease(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != expected {
			t.Fatalf("dequeue order: got %q, want %q", got, expected)
		}
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "" {
		t.Fatalf("empty queue should return blank id, got %q err %v", got, err)
	}
}

func TestLeaseReclaim(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "normal"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Not yet expired.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("lease should not be expired yet, reclaimed %v", ids)
	}

	// Past the visibility timeout the job comes back at its priority.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("reclaimed = %v, want [job-1]", ids)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "job-1" {
		t.Fatalf("reclaimed job not dequeued: %q err %v", got, err)
	}
}

func TestExtendLeaseKeepsJobInFlight(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", "normal")
	_, _ = q.DequeueWithLease(ctx)

	if err := q.ExtendLease(ctx, "job-1", 10*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("extended lease reclaimed early: %v", ids)
	}
}

func TestAckAndCancel(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", "normal")
	_, _ = q.DequeueWithLease(ctx)
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if len(ids) != 0 {
		t.Fatalf("acked job reclaimed: %v", ids)
	}

	_ = q.Enqueue(ctx, "job-2", "high")
	if err := q.Cancel(ctx, "job-2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := q.DequeueWithLease(ctx)
	if got != "" {
		t.Fatalf("cancelled job still dequeued: %q", got)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("depth = %d err %v", depth, err)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.DLQPush(ctx, "job-dead")
	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != "job-dead" {
		t.Fatalf("dlq = %v", items)
	}
}
