package network

import (
	"testing"
	"time"
)

func TestNewNotifier(t *testing.T) {
	n := NewNotifier("127.0.0.1", 5555)
	if n == nil {
		t.Fatal("NewNotifier returned nil")
	}

	if n.Address() != "tcp://127.0.0.1:5555" {
		t.Errorf("Expected address 'tcp://127.0.0.1:5555', got %s", n.Address())
	}
}

func TestPublishRequiresRunning(t *testing.T) {
	n := NewNotifier("127.0.0.1", 5555)

	err := n.NotifyWrite("mem://a", 10)
	if err != ErrNotRunning {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestEventTimestampDefaulted(t *testing.T) {
	ev := &Event{Type: EventWrite, URI: "mem://a", Cells: 3}
	if !ev.Timestamp.IsZero() {
		t.Error("Expected zero timestamp before publish")
	}
}

func TestNotifierPubSub(t *testing.T) {
	n := NewNotifier("127.0.0.1", 15701)
	if err := n.Start(); err != nil {
		t.Skipf("Cannot bind publisher: %v", err)
	}
	defer n.Stop()

	sub := NewSubscriber(n.Address())
	if err := sub.Start("mem://counts"); err != nil {
		t.Fatalf("Subscriber start failed: %v", err)
	}
	defer sub.Stop()

	// Slow-joiner: give the subscription time to propagate.
	time.Sleep(200 * time.Millisecond)

	if err := n.NotifyWrite("mem://counts", 128); err != nil {
		t.Fatalf("NotifyWrite failed: %v", err)
	}
	if err := n.NotifyEvolution("mem://counts", "enum color +2"); err != nil {
		t.Fatalf("NotifyEvolution failed: %v", err)
	}

	got := make([]*Event, 0, 2)
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("Timed out waiting for events, received %d", len(got))
		}
	}

	if got[0].Type != EventWrite || got[0].Cells != 128 {
		t.Errorf("Unexpected first event: %+v", got[0])
	}
	if got[1].Type != EventEvolution || got[1].Detail != "enum color +2" {
		t.Errorf("Unexpected second event: %+v", got[1])
	}
	for _, ev := range got {
		if ev.URI != "mem://counts" {
			t.Errorf("Unexpected event URI: %s", ev.URI)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Event timestamp not set")
		}
	}
}
