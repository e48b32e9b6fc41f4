package nwc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

// NIP-47 event kinds.
const (
	KindRequest  = 23194
	KindResponse = 23195
)

// DefaultRequestTimeout bounds every wallet round trip.
const DefaultRequestTimeout = 60 * time.Second

// State is the connection lifecycle of a Client.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type walletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type walletResponse struct {
	ResultType string          `json:"result_type"`
	Error      *walletError    `json:"error"`
	Result     json.RawMessage `json:"result"`
}

// Info describes the remote wallet node.
type Info struct {
	Alias       string   `json:"alias"`
	Color       string   `json:"color"`
	Pubkey      string   `json:"pubkey"`
	Network     string   `json:"network"`
	BlockHeight uint64   `json:"block_height"`
	Methods     []string `json:"methods"`
}

// Client speaks NIP-47 to a Lightning wallet over a Nostr relay. One relay
// connection carries any number of concurrent requests; responses are
// matched to requests by the request event id, never by arrival order.
type Client struct {
	cfg       Config
	secretKey string
	pubkey    string
	sharedKey []byte

	timeout time.Duration

	mu      sync.Mutex
	state   State
	relay   *nostr.Relay
	pending map[string]chan walletResponse
}

// NewClient parses the connection string and prepares a client. No network
// traffic happens until Connect or the first request.
func NewClient(connectionString string) (*Client, error) {
	cfg, err := ParseURI(connectionString)
	if err != nil {
		return nil, err
	}

	pubkey, err := nostr.GetPublicKey(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid NWC secret: %v", err)
	}

	sharedKey, err := nip04.ComputeSharedSecret(cfg.WalletPubkey, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %v", err)
	}

	return &Client{
		cfg:       cfg,
		secretKey: cfg.Secret,
		pubkey:    pubkey,
		sharedKey: sharedKey,
		timeout:   DefaultRequestTimeout,
		pending:   make(map[string]chan walletResponse),
	}, nil
}

// SetTimeout overrides the per-request deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pubkey returns the client-side public key derived from the connection
// secret.
func (c *Client) Pubkey() string {
	return c.pubkey
}

// Connect dials the relay and starts the background listener. Calling
// Connect on an open client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	relay, err := nostr.RelayConnect(ctx, c.cfg.RelayURL)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: err}
	}

	since := nostr.Now()
	sub, err := relay.Subscribe(relay.Context(), nostr.Filters{{
		Kinds: []int{KindResponse},
		Tags:  nostr.TagMap{"p": []string{c.pubkey}},
		Since: &since,
	}})
	if err != nil {
		relay.Close()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return &ConnectionError{Op: "subscribe", Err: err}
	}

	c.mu.Lock()
	c.relay = relay
	c.state = StateOpen
	c.mu.Unlock()

	go c.listen(sub)

	logger.Info("Connected to NWC relay:", c.cfg.RelayURL)
	return nil
}

// Disconnect closes the relay connection and fails every in-flight request.
func (c *Client) Disconnect() {
	c.mu.Lock()
	relay := c.relay
	c.relay = nil
	c.state = StateClosed
	c.mu.Unlock()

	if relay != nil {
		relay.Close()
	}
}

// listen drains the long-lived response subscription. When the relay drops,
// pending requests are failed so callers do not hang for the full timeout.
func (c *Client) listen(sub *nostr.Subscription) {
	for evt := range sub.Events {
		c.handleEvent(evt)
	}
	c.failPending()
}

// failPending closes every in-flight request channel. Both the close here and
// the delivery in handleEvent happen under the mutex, so a response goroutine
// can never send on a channel that has already been closed.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateClosed
	c.relay = nil
	for id, ch := range c.pending {
		close(ch)
		logger.Warn("Relay connection closed with request in flight:", id)
	}
	c.pending = make(map[string]chan walletResponse)
}

// handleEvent decrypts a response event and resolves the pending request it
// correlates to. Events for unknown ids (late replies after a timeout, or
// duplicates from overlapping subscriptions) are dropped.
func (c *Client) handleEvent(evt *nostr.Event) {
	if evt == nil || evt.Kind != KindResponse {
		return
	}

	var requestID string
	addressedToUs := false
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			requestID = tag[1]
		case "p":
			if tag[1] == c.pubkey {
				addressedToUs = true
			}
		}
	}
	if !addressedToUs || requestID == "" {
		return
	}

	plaintext, err := nip04.Decrypt(evt.Content, c.sharedKey)
	if err != nil {
		logger.Warn("Failed to decrypt wallet response:", err)
		return
	}

	var resp walletResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		logger.Warn("Malformed wallet response JSON:", err)
		return
	}

	// The channel is buffered, so delivering under the mutex never blocks and
	// cannot race a concurrent failPending close.
	c.mu.Lock()
	if ch := c.pending[requestID]; ch != nil {
		select {
		case ch <- resp:
		default:
		}
	}
	c.mu.Unlock()
}

// sendRequest encrypts and signs a {method, params} payload, publishes it to
// the relay and waits for the correlated response. A per-request
// subscription is opened before publishing so a fast wallet cannot reply
// before we are listening. The pending entry and the subscription are
// released on success, error and timeout alike.
func (c *Client) sendRequest(ctx context.Context, method string, params interface{}) (walletResponse, error) {
	if err := c.Connect(ctx); err != nil {
		return walletResponse{}, err
	}

	evt, err := c.newRequestEvent(method, params, nostr.Now())
	if err != nil {
		return walletResponse{}, err
	}

	ch := make(chan walletResponse, 1)
	c.mu.Lock()
	relay := c.relay
	timeout := c.timeout
	c.pending[evt.ID] = ch
	c.mu.Unlock()
	if relay == nil {
		c.removePending(evt.ID)
		return walletResponse{}, &ConnectionError{Op: method, Err: fmt.Errorf("relay connection lost")}
	}

	defer c.removePending(evt.ID)

	since := nostr.Timestamp(time.Now().Add(-10 * time.Second).Unix())
	sub, err := relay.Subscribe(relay.Context(), nostr.Filters{{
		Kinds: []int{KindResponse},
		Tags: nostr.TagMap{
			"e": []string{evt.ID},
			"p": []string{c.pubkey},
		},
		Since: &since,
	}})
	if err != nil {
		return walletResponse{}, &ConnectionError{Op: method, Err: err}
	}
	defer sub.Unsub()

	go func() {
		for evt := range sub.Events {
			c.handleEvent(evt)
		}
	}()

	if err := relay.Publish(ctx, evt); err != nil {
		return walletResponse{}, &ConnectionError{Op: method, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return walletResponse{}, &ConnectionError{Op: method, Err: fmt.Errorf("relay connection lost")}
		}
		return resp, nil
	case <-timer.C:
		return walletResponse{}, fmt.Errorf("%w for %s", ErrTimeout, method)
	case <-ctx.Done():
		return walletResponse{}, ctx.Err()
	}
}

// newRequestEvent encodes, encrypts and signs one request envelope. The
// event id commits to the pubkey, timestamp, kind, tags and encrypted
// payload, which is what the wallet's response correlates against.
func (c *Client) newRequestEvent(method string, params interface{}, createdAt nostr.Timestamp) (nostr.Event, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
	})
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encode request: %v", err)
	}

	content, err := nip04.Encrypt(string(payload), c.sharedKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encrypt request: %v", err)
	}

	evt := nostr.Event{
		Kind:      KindRequest,
		CreatedAt: createdAt,
		Tags:      nostr.Tags{{"p", c.cfg.WalletPubkey}},
		Content:   content,
	}
	if err := evt.Sign(c.secretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign request: %v", err)
	}
	return evt, nil
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PayInvoice pays a BOLT11 invoice and returns the normalized preimage.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string) (string, error) {
	resp, err := c.sendRequest(ctx, "pay_invoice", map[string]string{"invoice": bolt11})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", &PaymentError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var result struct {
		Preimage string `json:"preimage"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return "", &PaymentError{Message: fmt.Sprintf("malformed payment result: %v", err)}
		}
	}

	return NormalizePreimage(result.Preimage)
}

// GetBalance returns the wallet balance in satoshis. The wire value is in
// millisatoshis.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	resp, err := c.sendRequest(ctx, "get_balance", map[string]string{})
	if err != nil {
		return 0, err
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("failed to get balance: %s", resp.Error.Message)
	}

	var result struct {
		Balance int64 `json:"balance"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return 0, fmt.Errorf("malformed balance result: %v", err)
		}
	}
	return result.Balance / 1000, nil
}

// GetInfo returns the remote node description.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	resp, err := c.sendRequest(ctx, "get_info", map[string]string{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("failed to get info: %s", resp.Error.Message)
	}

	var info Info
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &info); err != nil {
			return nil, fmt.Errorf("malformed info result: %v", err)
		}
	}
	return &info, nil
}
