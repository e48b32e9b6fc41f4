package ipc

import (
	"testing"
	"time"
)

// Broadcast notifications must only reach connections that asked for them;
// a plain command connection gets exactly one JSON response document.
func TestBroadcastOnlyReachesSubscribers(t *testing.T) {
	server, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Close()

	// Minimal daemon loop: broadcast a payment before answering, which is
	// the worst-case interleaving for a non-subscribed command client.
	go func() {
		for cmd := range server.Commands() {
			server.BroadcastPayment(PaymentNotification{
				URL:        "http://example.com/article",
				AmountSats: 21,
				AmountUSD:  0.02,
				Wallet:     "nwc",
			})
			server.SendResponse(cmd.ID, Response{ID: cmd.ID, Result: "ok"})
		}
	}()

	subscriber, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient (subscriber) failed: %v", err)
	}
	defer subscriber.Close()
	if err := subscriber.Subscribe(); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	// Let the server register the subscription before traffic starts.
	time.Sleep(50 * time.Millisecond)

	commander, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient (commander) failed: %v", err)
	}
	defer commander.Close()

	result, err := commander.SendCommand("status", nil)
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected result ok, got %v", result)
	}

	note, err := subscriber.ReadNotification()
	if err != nil {
		t.Fatalf("ReadNotification failed: %v", err)
	}
	if note.Type != "payment" {
		t.Errorf("Expected type payment, got %s", note.Type)
	}
	if note.AmountSats != 21 || note.Wallet != "nwc" {
		t.Errorf("Unexpected notification: %+v", note)
	}
}
