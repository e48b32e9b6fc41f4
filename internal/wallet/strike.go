package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
)

// DefaultStrikeBaseURL is the production Strike API.
const DefaultStrikeBaseURL = "https://api.strike.me/v1"

// StrikeError is an API-level failure from Strike.
type StrikeError struct {
	StatusCode int
	Message    string
}

func (e *StrikeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("strike API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("strike error: %s", e.Message)
}

// StrikeWallet pays invoices from a Strike account. Strike exposes a
// quote/execute flow and returns the preimage on the executed quote, so L402
// works end to end.
type StrikeWallet struct {
	// BaseURL can be pointed at a test server.
	BaseURL string

	apiKey string
	client *http.Client
}

// NewStrikeWallet builds a wallet around a dashboard.strike.me API key.
func NewStrikeWallet(apiKey string) *StrikeWallet {
	return &StrikeWallet{
		BaseURL: DefaultStrikeBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *StrikeWallet) Name() string { return "strike" }

// Connect is a no-op; the HTTP client needs no handshake.
func (w *StrikeWallet) Connect(ctx context.Context) error { return nil }

// Disconnect is a no-op.
func (w *StrikeWallet) Disconnect() {}

func (w *StrikeWallet) request(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
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
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &StrikeError{Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StrikeError{Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, &StrikeError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	if resp.StatusCode == http.StatusNoContent {
		return json.RawMessage("{}"), nil
	}
	return data, nil
}

type strikePayment struct {
	PaymentID string `json:"paymentId"`
	State     string `json:"state"`
	Lightning struct {
		PreImage string `json:"preImage"`
	} `json:"lightning"`
}

// PayInvoice pays a BOLT11 invoice: create a payment quote, execute it, and
// poll while the payment is pending. Returns the preimage when Strike
// provides one, otherwise the payment id.
func (w *StrikeWallet) PayInvoice(ctx context.Context, bolt11 string) (string, error) {
	logger.Info("Paying invoice via Strike:", truncate(bolt11, 30))

	quoteData, err := w.request(ctx, http.MethodPost, "/payment-quotes/lightning", map[string]string{
		"lnInvoice":      bolt11,
		"sourceCurrency": "USD",
	})
	if err != nil {
		return "", err
	}

	var quote struct {
		PaymentQuoteID string `json:"paymentQuoteId"`
	}
	if err := json.Unmarshal(quoteData, &quote); err != nil || quote.PaymentQuoteID == "" {
		return "", &StrikeError{Message: "no payment quote ID returned"}
	}

	paymentData, err := w.request(ctx, http.MethodPatch, "/payment-quotes/"+quote.PaymentQuoteID+"/execute", nil)
	if err != nil {
		return "", err
	}

	var payment strikePayment
	if err := json.Unmarshal(paymentData, &payment); err != nil {
		return "", &StrikeError{Message: "malformed payment response"}
	}
	if payment.PaymentID == "" {
		payment.PaymentID = quote.PaymentQuoteID
	}

	if payment.State == "PENDING" {
		payment, err = w.waitForPayment(ctx, payment.PaymentID, 60*time.Second)
		if err != nil {
			return "", err
		}
	}

	if payment.State != "COMPLETED" {
		return "", &StrikeError{Message: fmt.Sprintf("payment failed with state: %s", payment.State)}
	}

	if payment.Lightning.PreImage != "" {
		return payment.Lightning.PreImage, nil
	}
	return payment.PaymentID, nil
}

func (w *StrikeWallet) waitForPayment(ctx context.Context, paymentID string, timeout time.Duration) (strikePayment, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := w.request(ctx, http.MethodGet, "/payments/"+paymentID, nil)
		if err == nil {
			var payment strikePayment
			if json.Unmarshal(data, &payment) == nil && payment.State != "PENDING" {
				return payment, nil
			}
		}

		select {
		case <-ctx.Done():
			return strikePayment{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return strikePayment{PaymentID: paymentID, State: "TIMEOUT"}, nil
}

type strikeBalance struct {
	Currency  string `json:"currency"`
	Current   string `json:"current"`
	Available string `json:"available"`
	Total     string `json:"total"`
	Pending   string `json:"pending"`
}

// GetBalance returns the BTC balance in satoshis, or -1 when the balance
// endpoint is unavailable.
func (w *StrikeWallet) GetBalance(ctx context.Context) (int64, error) {
	data, err := w.request(ctx, http.MethodGet, "/balances", nil)
	if err != nil {
		logger.Warn("Could not get Strike balance:", err)
		return -1, nil
	}

	var balances []strikeBalance
	if err := json.Unmarshal(data, &balances); err != nil {
		return -1, &StrikeError{Message: "malformed balances response"}
	}

	for _, b := range balances {
		if b.Currency != "BTC" && b.Currency != "btc" {
			continue
		}
		amount := b.Current
		if amount == "" {
			amount = b.Available
		}
		btc, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			continue
		}
		return int64(btc * price.SatsPerBTC), nil
	}
	return 0, nil
}

// CurrencyBalance is one currency row from the balances endpoint.
type CurrencyBalance struct {
	Currency  string
	Available float64
	Total     float64
	Pending   float64
}

// GetAllBalances returns every currency balance on the account.
func (w *StrikeWallet) GetAllBalances(ctx context.Context) ([]CurrencyBalance, error) {
	data, err := w.request(ctx, http.MethodGet, "/balances", nil)
	if err != nil {
		return nil, err
	}

	var raw []strikeBalance
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &StrikeError{Message: "malformed balances response"}
	}

	var balances []CurrencyBalance
	for _, b := range raw {
		if b.Currency == "" {
			continue
		}
		available := parseAmount(b.Available, parseAmount(b.Current, 0))
		balances = append(balances, CurrencyBalance{
			Currency:  b.Currency,
			Available: available,
			Total:     parseAmount(b.Total, available),
			Pending:   parseAmount(b.Pending, 0),
		})
	}
	return balances, nil
}

// GetBTCPrice returns the BTC/USD rate from Strike's ticker.
func (w *StrikeWallet) GetBTCPrice(ctx context.Context) (float64, error) {
	data, err := w.request(ctx, http.MethodGet, "/rates/ticker", nil)
	if err != nil {
		return 0, err
	}

	var tickers []struct {
		SourceCurrency string `json:"sourceCurrency"`
		TargetCurrency string `json:"targetCurrency"`
		Amount         string `json:"amount"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return 0, &StrikeError{Message: "malformed ticker response"}
	}

	for _, t := range tickers {
		if t.SourceCurrency == "BTC" && t.TargetCurrency == "USD" {
			rate, err := strconv.ParseFloat(t.Amount, 64)
			if err == nil && rate > 0 {
				return rate, nil
			}
		}
	}
	return 0, &StrikeError{Message: "BTC/USD rate not found"}
}

// ExchangeResult describes a completed currency exchange.
type ExchangeResult struct {
	ExchangeID   string
	SourceAmount float64
	TargetAmount float64
	Fee          float64
	State        string
}

// ExchangeCurrency swaps between USD and BTC on the Strike account.
func (w *StrikeWallet) ExchangeCurrency(ctx context.Context, sourceCurrency, targetCurrency string, amount float64) (*ExchangeResult, error) {
	if sourceCurrency == targetCurrency {
		return nil, &StrikeError{Message: "source and target currency must be different"}
	}
	if (sourceCurrency != "USD" && sourceCurrency != "BTC") || (targetCurrency != "USD" && targetCurrency != "BTC") {
		return nil, &StrikeError{Message: "strike only supports USD and BTC exchange"}
	}
	if amount <= 0 {
		return nil, &StrikeError{Message: "amount must be positive"}
	}

	quoteData, err := w.request(ctx, http.MethodPost, "/currency-exchange-quotes", map[string]interface{}{
		"sell": sourceCurrency,
		"buy":  targetCurrency,
		"amount": map[string]string{
			"currency": sourceCurrency,
			"amount":   strconv.FormatFloat(amount, 'f', -1, 64),
		},
	})
	if err != nil {
		return nil, err
	}

	var quote struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(quoteData, &quote); err != nil || quote.ID == "" {
		return nil, &StrikeError{Message: "no exchange quote ID returned"}
	}

	resultData, err := w.request(ctx, http.MethodPatch, "/currency-exchange-quotes/"+quote.ID+"/execute", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		ID           string `json:"id"`
		State        string `json:"state"`
		SourceAmount struct {
			Amount string `json:"amount"`
		} `json:"sourceAmount"`
		TargetAmount struct {
			Amount string `json:"amount"`
		} `json:"targetAmount"`
		Fee struct {
			Amount string `json:"amount"`
		} `json:"fee"`
	}
	if err := json.Unmarshal(resultData, &result); err != nil {
		return nil, &StrikeError{Message: "malformed exchange response"}
	}
	if result.ID == "" {
		result.ID = quote.ID
	}
	if result.State == "" {
		result.State = "COMPLETED"
	}

	return &ExchangeResult{
		ExchangeID:   result.ID,
		SourceAmount: parseAmount(result.SourceAmount.Amount, 0),
		TargetAmount: parseAmount(result.TargetAmount.Amount, 0),
		Fee:          parseAmount(result.Fee.Amount, 0),
		State:        result.State,
	}, nil
}

// OnChainResult describes an on-chain send.
type OnChainResult struct {
	PaymentID  string
	State      string
	AmountSats int64
	FeeSats    int64
}

// SendOnchain pays a mainnet Bitcoin address from the Strike BTC balance.
func (w *StrikeWallet) SendOnchain(ctx context.Context, address string, amountSats int64) (*OnChainResult, error) {
	if amountSats <= 0 {
		return nil, &StrikeError{Message: "amount must be positive"}
	}
	if _, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams); err != nil {
		return nil, &StrikeError{Message: fmt.Sprintf("invalid bitcoin address: %v", err)}
	}

	amountBTC := float64(amountSats) / price.SatsPerBTC
	quoteData, err := w.request(ctx, http.MethodPost, "/payment-quotes/onchain", map[string]interface{}{
		"btcAddress":     address,
		"sourceCurrency": "USD",
		"sourceAmount": map[string]string{
			"currency": "BTC",
			"amount":   strconv.FormatFloat(amountBTC, 'f', 8, 64),
		},
	})
	if err != nil {
		return nil, err
	}

	var quote struct {
		PaymentQuoteID string `json:"paymentQuoteId"`
		OnchainFee     struct {
			Currency string `json:"currency"`
			Amount   string `json:"amount"`
		} `json:"onchainFee"`
	}
	if err := json.Unmarshal(quoteData, &quote); err != nil || quote.PaymentQuoteID == "" {
		return nil, &StrikeError{Message: "no payment quote ID returned"}
	}

	paymentData, err := w.request(ctx, http.MethodPatch, "/payment-quotes/"+quote.PaymentQuoteID+"/execute", nil)
	if err != nil {
		return nil, err
	}

	var payment strikePayment
	if err := json.Unmarshal(paymentData, &payment); err != nil {
		return nil, &StrikeError{Message: "malformed payment response"}
	}
	if payment.PaymentID == "" {
		payment.PaymentID = quote.PaymentQuoteID
	}

	if payment.State == "PENDING" {
		payment, err = w.waitForPayment(ctx, payment.PaymentID, 120*time.Second)
		if err != nil {
			return nil, err
		}
	}

	var feeSats int64
	if quote.OnchainFee.Currency == "BTC" || quote.OnchainFee.Currency == "" {
		feeSats = int64(parseAmount(quote.OnchainFee.Amount, 0) * price.SatsPerBTC)
	}

	return &OnChainResult{
		PaymentID:  payment.PaymentID,
		State:      payment.State,
		AmountSats: amountSats,
		FeeSats:    feeSats,
	}, nil
}

func parseAmount(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
