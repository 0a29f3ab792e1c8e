package taskqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/constellation/internal/taskqueue"
)

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q := taskqueue.New()
	q.Enqueue("d1", taskqueue.Item{TaskID: "t1"})
	q.Enqueue("d1", taskqueue.Item{TaskID: "t2"})

	item, ok := q.DequeueOne("d1")
	if !ok || item.TaskID != "t1" {
		t.Fatalf("got %+v, %v, want t1", item, ok)
	}
	item, ok = q.DequeueOne("d1")
	if !ok || item.TaskID != "t2" {
		t.Fatalf("got %+v, %v, want t2", item, ok)
	}
	if _, ok := q.DequeueOne("d1"); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueuesAreIndependentPerDevice(t *testing.T) {
	q := taskqueue.New()
	q.Enqueue("d1", taskqueue.Item{TaskID: "t1"})
	q.Enqueue("d2", taskqueue.Item{TaskID: "t2"})

	if q.Len("d1") != 1 || q.Len("d2") != 1 {
		t.Fatalf("Len(d1)=%d Len(d2)=%d, want 1,1", q.Len("d1"), q.Len("d2"))
	}
}

func TestDrain_EmptiesAndReturnsInOrder(t *testing.T) {
	q := taskqueue.New()
	q.Enqueue("d1", taskqueue.Item{TaskID: "t1"})
	q.Enqueue("d1", taskqueue.Item{TaskID: "t2"})

	drained := q.Drain("d1", "deregistered")
	if len(drained) != 2 || drained[0].TaskID != "t1" || drained[1].TaskID != "t2" {
		t.Fatalf("drained = %+v", drained)
	}
	if q.Len("d1") != 0 {
		t.Fatalf("Len after drain = %d, want 0", q.Len("d1"))
	}
}

func TestDrain_ResolvesHandlesAsFailed(t *testing.T) {
	q := taskqueue.New()
	handle := q.Enqueue("d1", taskqueue.Item{TaskID: "t1"})

	q.Drain("d1", "device deregistered")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !outcome.Failed || outcome.Error != "device deregistered" {
		t.Fatalf("outcome = %+v, want Failed with reason", outcome)
	}
}

func TestDequeueOne_ResolvesHandleAsNotFailed(t *testing.T) {
	q := taskqueue.New()
	handle := q.Enqueue("d1", taskqueue.Item{TaskID: "t1"})

	if _, ok := q.DequeueOne("d1"); !ok {
		t.Fatal("expected an item")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Failed {
		t.Fatalf("outcome = %+v, want Failed=false (handed off for sending)", outcome)
	}
}
