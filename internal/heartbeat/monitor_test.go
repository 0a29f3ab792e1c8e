package heartbeat_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/constellation/internal/heartbeat"
)

func TestMonitor_ReplyPreventsTimeout(t *testing.T) {
	var sends int32
	var timedOut int32

	var m *heartbeat.Monitor
	m = heartbeat.New(20*time.Millisecond, func(ctx context.Context, deviceID string) error {
		atomic.AddInt32(&sends, 1)
		go m2SendReply(m, deviceID)
		return nil
	}, func(deviceID string) {
		atomic.AddInt32(&timedOut, 1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, "d1")
	time.Sleep(150 * time.Millisecond)
	cancel()
	m.Stop("d1")

	if atomic.LoadInt32(&sends) < 2 {
		t.Fatalf("sends = %d, want >= 2", sends)
	}
	if atomic.LoadInt32(&timedOut) != 0 {
		t.Fatalf("timedOut = %d, want 0", timedOut)
	}
}

func m2SendReply(m *heartbeat.Monitor, deviceID string) {
	time.Sleep(2 * time.Millisecond)
	m.NotifyReply(deviceID)
}

func TestMonitor_NoReplyTriggersTimeout(t *testing.T) {
	done := make(chan string, 1)

	m := heartbeat.New(10*time.Millisecond, func(ctx context.Context, deviceID string) error {
		return nil // never replies
	}, func(deviceID string) {
		done <- deviceID
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, "d1")

	select {
	case id := <-done:
		if id != "d1" {
			t.Fatalf("timed out device = %q, want d1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected timeout handler to fire")
	}
}
