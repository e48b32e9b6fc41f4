package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
)

// OpenNode API environments.
const (
	OpenNodeProductionURL = "https://api.opennode.com/v1"
	OpenNodeDevURL        = "https://dev-api.opennode.com/v1"
)

// OpenNodeError is an API-level failure from OpenNode.
type OpenNodeError struct {
	Message string
}

func (e *OpenNodeError) Error() string {
	return fmt.Sprintf("opennode error: %s", e.Message)
}

// OpenNodeWallet pays invoices through OpenNode's withdrawal API. OpenNode
// does not always return a preimage, so L402 flows may fall back to the
// withdrawal id.
type OpenNodeWallet struct {
	// BaseURL can be pointed at a test server.
	BaseURL string

	apiKey      string
	environment string
	client      *http.Client
}

// NewOpenNodeWallet builds a wallet for the given environment ("production"
// or "dev"/"development"/"testnet").
func NewOpenNodeWallet(apiKey, environment string) *OpenNodeWallet {
	base := OpenNodeProductionURL
	switch environment {
	case "dev", "development", "testnet":
		base = OpenNodeDevURL
	default:
		environment = "production"
	}
	return &OpenNodeWallet{
		BaseURL:     base,
		apiKey:      apiKey,
		environment: environment,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *OpenNodeWallet) Name() string { return "opennode" }

// Connect is a no-op.
func (w *OpenNodeWallet) Connect(ctx context.Context) error {
	logger.Info("OpenNode wallet using", w.environment, "environment")
	return nil
}

// Disconnect is a no-op.
func (w *OpenNodeWallet) Disconnect() {}

func (w *OpenNodeWallet) request(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", w.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &OpenNodeError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &OpenNodeError{Message: err.Error()}
	}

	var envelope struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &OpenNodeError{Message: "malformed response"}
	}

	if resp.StatusCode >= 400 {
		msg := envelope.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, &OpenNodeError{Message: msg}
	}

	if len(envelope.Data) > 0 {
		return envelope.Data, nil
	}
	return raw, nil
}

// PayInvoice pays a BOLT11 invoice via a Lightning withdrawal. Returns the
// preimage when available, otherwise the withdrawal id for tracking.
func (w *OpenNodeWallet) PayInvoice(ctx context.Context, bolt11 string) (string, error) {
	logger.Info("Paying invoice via OpenNode:", truncate(bolt11, 30))

	data, err := w.request(ctx, http.MethodPost, "/withdrawals", map[string]string{
		"type":    "ln",
		"address": bolt11,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Preimage  string `json:"preimage"`
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &OpenNodeError{Message: "malformed withdrawal response"}
	}

	status := strings.ToLower(result.Status)
	switch status {
	case "paid", "confirmed", "completed":
		preimage := result.Preimage
		if preimage == "" {
			preimage = result.Reference
		}
		if preimage == "" || strings.HasPrefix(preimage, "lnbc") || strings.HasPrefix(preimage, "lntb") {
			logger.Warn("OpenNode returned no usable preimage, using withdrawal ID")
			preimage = result.ID
		}
		return preimage, nil
	case "pending", "processing":
		// Normal for Lightning; the caller can track by withdrawal id.
		logger.Info("OpenNode payment processing:", result.ID)
		return result.ID, nil
	default:
		return "", &OpenNodeError{Message: fmt.Sprintf("payment failed with status: %s", result.Status)}
	}
}

// GetBalance returns the account balance in satoshis, or -1 when the
// endpoint is unavailable.
func (w *OpenNodeWallet) GetBalance(ctx context.Context) (int64, error) {
	data, err := w.request(ctx, http.MethodGet, "/account/balance", nil)
	if err != nil {
		logger.Warn("Could not get OpenNode balance:", err)
		return -1, nil
	}

	var result struct {
		Balance struct {
			BTC float64 `json:"BTC"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return -1, &OpenNodeError{Message: "malformed balance response"}
	}

	balance := result.Balance.BTC
	if balance > 0 && balance < 1 {
		// Value reported in BTC rather than sats.
		return int64(balance * price.SatsPerBTC), nil
	}
	return int64(balance), nil
}

// WithdrawalStatus fetches the state of a previous withdrawal.
func (w *OpenNodeWallet) WithdrawalStatus(ctx context.Context, withdrawalID string) (string, error) {
	data, err := w.request(ctx, http.MethodGet, "/withdrawal/"+withdrawalID, nil)
	if err != nil {
		return "", err
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &OpenNodeError{Message: "malformed withdrawal response"}
	}
	return result.Status, nil
}
