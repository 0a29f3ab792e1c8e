package bus

import (
	"testing"
	"time"
)

func TestTaskIDOf(t *testing.T) {
	cases := []struct {
		name    string
		payload interface{}
		want    string
		wantOK  bool
	}{
		{"started", TaskStartedEvent{TaskID: "t1", Timestamp: time.Now()}, "t1", true},
		{"completed", TaskCompletedEvent{TaskID: "t2"}, "t2", true},
		{"failed", TaskFailedEvent{TaskID: "t3"}, "t3", true},
		{"unrelated", DeviceStatusChangedEvent{DeviceID: "d1"}, "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := TaskIDOf(c.payload)
			if ok != c.wantOK || got != c.want {
				t.Fatalf("TaskIDOf(%v) = (%q, %v), want (%q, %v)", c.payload, got, ok, c.want, c.wantOK)
			}
		})
	}
}

func TestPublishDeviceStatusChanged(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicDeviceStatusChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicDeviceStatusChanged, DeviceStatusChangedEvent{
		DeviceID: "dev-1", From: "Connecting", To: "Connected", Reason: "registered",
	})

	select {
	case ev := <-sub.Ch():
		dsc, ok := ev.Payload.(DeviceStatusChangedEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if dsc.DeviceID != "dev-1" || dsc.To != "Connected" {
			t.Fatalf("unexpected payload: %+v", dsc)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
