package provider

import (
	"context"
	"testing"
	"time"
)

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSimulatedConnectEmitsPairingCode(t *testing.T) {
	backend := NewSimulatedBackend(SimulatedConfig{})
	client := backend.NewClient("acct-1")

	events, err := client.Connect(context.Background(), "acct-1", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ev := nextEvent(t, events)
	if ev.Kind != EventPairingCode || len(ev.Code) != 9 {
		t.Fatalf("expected a XXXX-XXXX pairing code, got %+v", ev)
	}
}

func TestSimulatedAutoReady(t *testing.T) {
	backend := NewSimulatedBackend(SimulatedConfig{ReadyDelay: time.Millisecond})
	client := backend.NewClient("acct-1")

	events, err := client.Connect(context.Background(), "acct-1", "")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if ev := nextEvent(t, events); ev.Kind != EventPairingCode {
		t.Fatalf("expected pairing code first, got %s", ev.Kind)
	}
	ev := nextEvent(t, events)
	if ev.Kind != EventReady || ev.Blob == "" {
		t.Fatalf("expected ready with a blob, got %+v", ev)
	}
}

func TestSimulatedConnectFailures(t *testing.T) {
	backend := NewSimulatedBackend(SimulatedConfig{ConnectFailures: 2})
	for i := 0; i < 2; i++ {
		client := backend.NewClient("acct-1")
		if _, err := client.Connect(context.Background(), "acct-1", ""); err == nil {
			t.Fatalf("connect %d should fail", i+1)
		}
	}
	client := backend.NewClient("acct-1")
	if _, err := client.Connect(context.Background(), "acct-1", ""); err != nil {
		t.Fatalf("third connect should succeed: %v", err)
	}
	if got := backend.Connects(); got != 3 {
		t.Fatalf("expected 3 connects, got %d", got)
	}
}

func TestSimulatedSendAfterDestroy(t *testing.T) {
	backend := NewSimulatedBackend(SimulatedConfig{})
	client := backend.NewClient("acct-1").(*SimulatedClient)
	if _, err := client.Connect(context.Background(), "acct-1", ""); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := client.Send(context.Background(), Message{Recipient: "dest", Text: "hi"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := client.Destroy(); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := client.Send(context.Background(), Message{Recipient: "dest", Text: "late"}); err == nil {
		t.Fatal("send after destroy must fail")
	}
	if got := len(client.Sent()); got != 1 {
		t.Fatalf("expected 1 recorded message, got %d", got)
	}
}
