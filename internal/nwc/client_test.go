package nwc

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// newTestClient builds a client from freshly generated keys and returns the
// wallet-side secret so tests can act as the remote wallet.
func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()

	walletSecret := nostr.GeneratePrivateKey()
	walletPubkey, err := nostr.GetPublicKey(walletSecret)
	if err != nil {
		t.Fatalf("Failed to derive wallet pubkey: %v", err)
	}

	uri := "nostr+walletconnect://" + walletPubkey +
		"?relay=wss%3A%2F%2Frelay.damus.io&secret=" + nostr.GeneratePrivateKey()
	c, err := NewClient(uri)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, walletSecret
}

// The event id is the sha256 of the canonical serialization, so identical
// envelope fields must always produce the same id.
func TestRequestEventID_Golden(t *testing.T) {
	evt := nostr.Event{
		PubKey:    "17162c921dc4d2518f9a101db33695df1afb56ab82f5ff3e5da6eec3ca5cd917",
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      KindRequest,
		Tags:      nostr.Tags{{"p", "b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4"}},
		Content:   "hello",
	}

	want := "d63df86d20d189dd33315bd4444d6bb3f26fd12ba9f7487515120f6cc5dca5fd"
	if got := evt.GetID(); got != want {
		t.Errorf("Expected event id %s, got %s", want, got)
	}
}

func TestNewRequestEvent(t *testing.T) {
	c, walletSecret := newTestClient(t)

	evt, err := c.newRequestEvent("get_balance", map[string]string{}, nostr.Timestamp(1700000000))
	if err != nil {
		t.Fatalf("newRequestEvent failed: %v", err)
	}

	if evt.Kind != KindRequest {
		t.Errorf("Expected kind %d, got %d", KindRequest, evt.Kind)
	}
	if evt.CreatedAt != 1700000000 {
		t.Errorf("Expected created_at 1700000000, got %d", evt.CreatedAt)
	}
	if len(evt.Tags) != 1 || evt.Tags[0][0] != "p" || evt.Tags[0][1] != c.cfg.WalletPubkey {
		t.Errorf("Expected a single p tag for the wallet pubkey, got %v", evt.Tags)
	}
	if evt.PubKey != c.Pubkey() {
		t.Errorf("Expected author %s, got %s", c.Pubkey(), evt.PubKey)
	}

	// The id must commit to the signed fields.
	if evt.ID != evt.GetID() {
		t.Errorf("Event id %s does not match recomputed id %s", evt.ID, evt.GetID())
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		t.Errorf("Expected a valid signature, got ok=%v err=%v", ok, err)
	}

	// The wallet side derives the same shared secret and must be able to
	// decrypt the payload back to the request JSON.
	shared, err := nip04.ComputeSharedSecret(c.Pubkey(), walletSecret)
	if err != nil {
		t.Fatalf("ComputeSharedSecret failed: %v", err)
	}
	plaintext, err := nip04.Decrypt(evt.Content, shared)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	var payload struct {
		Method string            `json:"method"`
		Params map[string]string `json:"params"`
	}
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		t.Fatalf("Decrypted payload is not valid JSON: %v", err)
	}
	if payload.Method != "get_balance" {
		t.Errorf("Expected method get_balance, got %s", payload.Method)
	}
}

// A response arriving while the relay connection is being torn down must not
// panic with a send on a closed channel.
func TestResponseDuringConnectionLoss(t *testing.T) {
	c, walletSecret := newTestClient(t)

	shared, err := nip04.ComputeSharedSecret(c.Pubkey(), walletSecret)
	if err != nil {
		t.Fatalf("ComputeSharedSecret failed: %v", err)
	}
	content, err := nip04.Encrypt(`{"result_type":"pay_invoice","result":{"preimage":"00"}}`, shared)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	requestID := "4f1cf3f4a2f4a4e7b8c7d2f9e0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3"
	evt := &nostr.Event{
		Kind:    KindResponse,
		Content: content,
		Tags:    nostr.Tags{{"e", requestID}, {"p", c.Pubkey()}},
	}

	for i := 0; i < 200; i++ {
		ch := make(chan walletResponse, 1)
		c.mu.Lock()
		c.pending[requestID] = ch
		c.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.handleEvent(evt)
		}()
		go func() {
			defer wg.Done()
			c.failPending()
		}()
		wg.Wait()

		if _, stillPending := c.pending[requestID]; stillPending {
			t.Fatal("failPending left a request in the pending table")
		}
	}
}
