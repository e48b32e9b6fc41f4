package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/refined-element/lightning-enable-mcp/internal/budget"
	"github.com/refined-element/lightning-enable-mcp/internal/config"
	"github.com/refined-element/lightning-enable-mcp/internal/database"
	"github.com/refined-element/lightning-enable-mcp/internal/l402"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
	"github.com/refined-element/lightning-enable-mcp/internal/wallet"
)

type fakeWallet struct {
	preimage string
	calls    int
}

func (f *fakeWallet) Connect(_ context.Context) error { return nil }
func (f *fakeWallet) Disconnect()                     {}
func (f *fakeWallet) GetBalance(_ context.Context) (int64, error) {
	return 100_000, nil
}
func (f *fakeWallet) PayInvoice(_ context.Context, bolt11 string) (string, error) {
	f.calls++
	return f.preimage, nil
}
func (f *fakeWallet) Name() string { return "fake" }

var _ wallet.Wallet = (*fakeWallet)(nil)

// newTestAPI wires an API over a temp database, a pinned price feed and a
// fake wallet.
func newTestAPI(t *testing.T) (*API, *fakeWallet) {
	t.Helper()

	priceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bitcoin":{"usd":100000}}`)
	}))
	t.Cleanup(priceServer.Close)

	prices := price.NewService("")
	prices.CoinGeckoURL = priceServer.URL

	store, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	w := &fakeWallet{preimage: "deadbeef"}
	a := NewAPI(store, budget.NewService(store, prices), prices, w, l402.NewClient(w), db)
	return a, w
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestStatusHandler(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	a.StatusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status budget.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Configuration.Currency != "USD" {
		t.Errorf("Expected currency USD, got %s", status.Configuration.Currency)
	}
	if !status.Session.IsFirstPayment {
		t.Error("Fresh session should report first payment pending")
	}
}

func TestFetchHandler_PaidFlow(t *testing.T) {
	a, w := newTestAPI(t)

	// 100n = 10 sats, $0.01 at the pinned price: auto-approve territory.
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "L402 bWFj:deadbeef" {
			fmt.Fprint(rw, "paid content")
			return
		}
		rw.Header().Set("WWW-Authenticate", `L402 macaroon="bWFj", invoice="lnbc100n1pvjluezpp5qqqsyq"`)
		rw.WriteHeader(http.StatusPaymentRequired)
	}))
	defer upstream.Close()

	rec := postJSON(t, a.FetchHandler, "/fetch", map[string]interface{}{
		"url":     upstream.URL,
		"maxSats": 1000,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["response"] != "paid content" {
		t.Errorf("Unexpected body: %v", resp["response"])
	}
	if resp["paidSats"] != float64(10) {
		t.Errorf("Expected 10 sats paid, got %v", resp["paidSats"])
	}
	if w.calls != 1 {
		t.Errorf("Expected one payment, got %d", w.calls)
	}

	// The payment lands in the history.
	payments, err := a.DB.RecentPayments(10, time.Time{})
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("Expected one recorded payment, got %d", len(payments))
	}
	if payments[0].AmountSats != 10 || payments[0].Preimage != "deadbeef" {
		t.Errorf("Unexpected record: %+v", payments[0])
	}

	// And in the session counters.
	if got := a.Budget.SessionSpentSats(); got != 10 {
		t.Errorf("Expected 10 sats in session, got %d", got)
	}
}

func TestFetchHandler_InvalidMethod(t *testing.T) {
	a, w := newTestAPI(t)

	rec := postJSON(t, a.FetchHandler, "/fetch", map[string]interface{}{
		"url":    "http://example.com",
		"method": "TRACE",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
	if w.calls != 0 {
		t.Errorf("Expected no payment attempts, got %d", w.calls)
	}
}

func TestConfirmLifecycle(t *testing.T) {
	a, _ := newTestAPI(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprint(rw, "content")
	}))
	defer upstream.Close()

	pending := &database.PendingConfirmation{
		Token:      "tok123",
		URL:        upstream.URL,
		Method:     http.MethodGet,
		AmountSats: 50_000,
		AmountUSD:  50,
		Level:      string(budget.URLConfirm),
		Status:     database.ConfirmationStatusPending,
	}
	if err := a.DB.SavePendingConfirmation(pending); err != nil {
		t.Fatalf("Failed to save confirmation: %v", err)
	}

	// First visit approves.
	req := httptest.NewRequest(http.MethodGet, "/confirm?token=tok123", nil)
	rec := httptest.NewRecorder()
	a.ConfirmHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Second visit conflicts.
	rec = httptest.NewRecorder()
	a.ConfirmHandler(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected status 409 on repeat confirm, got %d", rec.Code)
	}

	// An approved token lets the matching fetch through, once.
	rec = postJSON(t, a.FetchHandler, "/fetch", map[string]interface{}{
		"url":               upstream.URL,
		"confirmationToken": "tok123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 with approved token, got %d: %s", rec.Code, rec.Body.String())
	}

	// The token is consumed and cannot be replayed.
	rec = postJSON(t, a.FetchHandler, "/fetch", map[string]interface{}{
		"url":               upstream.URL,
		"confirmationToken": "tok123",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 on replayed token, got %d", rec.Code)
	}
}

// approveToken stores a confirmation for the given request and marks it
// browser-approved.
func approveToken(t *testing.T, a *API, token, url string, amountSats int64) {
	t.Helper()
	if err := a.DB.SavePendingConfirmation(&database.PendingConfirmation{
		Token:      token,
		URL:        url,
		Method:     http.MethodGet,
		AmountSats: amountSats,
		AmountUSD:  float64(amountSats) / 1000,
		Level:      string(budget.URLConfirm),
		Status:     database.ConfirmationStatusPending,
	}); err != nil {
		t.Fatalf("Failed to save confirmation: %v", err)
	}
	if err := a.DB.ApproveConfirmation(token); err != nil {
		t.Fatalf("Failed to approve confirmation: %v", err)
	}
}

func TestConfirmToken_BoundToRequest(t *testing.T) {
	a, w := newTestAPI(t)

	// 90m = 9,000,000 sats, $9,000 at the pinned price.
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("WWW-Authenticate", `L402 macaroon="bWFj", invoice="lnbc90m1pvjluezpp5qqqsyq"`)
		rw.WriteHeader(http.StatusPaymentRequired)
	}))
	defer upstream.Close()

	approveToken(t, a, "tok-bound", "http://example.com/approved-resource", 50_000)

	// Redeeming the token against a different URL must not authorize anything.
	rec := postJSON(t, a.FetchHandler, "/fetch", map[string]interface{}{
		"url":               upstream.URL,
		"maxSats":           9_000_000,
		"confirmationToken": "tok-bound",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403 for a mismatched token, got %d: %s", rec.Code, rec.Body.String())
	}
	if w.calls != 0 {
		t.Errorf("Expected no payment attempts, got %d", w.calls)
	}
	if got := a.Budget.SessionSpentSats(); got != 0 {
		t.Errorf("Expected no session spend, got %d sats", got)
	}

	// The token was not consumed and still covers its own request.
	pending, err := a.DB.GetPendingConfirmation("tok-bound")
	if err != nil {
		t.Fatalf("Failed to load confirmation: %v", err)
	}
	if pending.Status != database.ConfirmationStatusApproved {
		t.Errorf("Expected token to stay approved, got %s", pending.Status)
	}
}

func TestConfirmToken_CapsAmount(t *testing.T) {
	a, w := newTestAPI(t)

	// 2500u = 250,000 sats, far above the 50 sats the token was approved for.
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("WWW-Authenticate", `L402 macaroon="bWFj", invoice="lnbc2500u1pvjluezpp5qqqsyq"`)
		rw.WriteHeader(http.StatusPaymentRequired)
	}))
	defer upstream.Close()

	approveToken(t, a, "tok-cap", upstream.URL, 50)

	rec := postJSON(t, a.FetchHandler, "/fetch", map[string]interface{}{
		"url":               upstream.URL,
		"maxSats":           9_000_000,
		"confirmationToken": "tok-cap",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if w.calls != 0 {
		t.Errorf("Invoice above the approved amount must never be paid, got %d attempts", w.calls)
	}
}

func TestConfirmToken_SessionLimitStillApplies(t *testing.T) {
	a, w := newTestAPI(t)

	approveToken(t, a, "tok-limit", "http://example.com/big", 50_000)

	// Blow through the $100 default session limit before redeeming.
	a.Budget.RecordSpend(11_000_000)

	rec := postJSON(t, a.FetchHandler, "/fetch", map[string]interface{}{
		"url":               "http://example.com/big",
		"confirmationToken": "tok-limit",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403 over the session limit, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	reason, _ := resp["denialReason"].(string)
	if !strings.Contains(reason, "session limit") {
		t.Errorf("Expected a session-limit denial, got %q", reason)
	}
	if w.calls != 0 {
		t.Errorf("Expected no payment attempts, got %d", w.calls)
	}
}

func TestConfirmHandler_UnknownToken(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/confirm?token=nope", nil)
	rec := httptest.NewRecorder()
	a.ConfirmHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestPayInvoiceHandler_OverMax(t *testing.T) {
	a, w := newTestAPI(t)

	// 2500u = 250,000 sats against the default 1000 sat cap.
	rec := postJSON(t, a.PayInvoiceHandler, "/pay", map[string]interface{}{
		"invoice": "lnbc2500u1pvjluezpp5qqqsyq",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if w.calls != 0 {
		t.Errorf("Over-budget invoice must never be paid, got %d attempts", w.calls)
	}
}

func TestPayInvoiceHandler(t *testing.T) {
	a, w := newTestAPI(t)

	rec := postJSON(t, a.PayInvoiceHandler, "/pay", map[string]interface{}{
		"invoice": "lnbc100n1pvjluezpp5qqqsyq",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["preimage"] != "deadbeef" {
		t.Errorf("Unexpected preimage: %v", resp["preimage"])
	}
	if w.calls != 1 {
		t.Errorf("Expected one payment, got %d", w.calls)
	}
}

func TestPayInvoiceHandler_Amountless(t *testing.T) {
	a, w := newTestAPI(t)

	rec := postJSON(t, a.PayInvoiceHandler, "/pay", map[string]interface{}{
		"invoice": "lnbc1pvjluezpp5qqqsyq",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if w.calls != 1 {
		t.Errorf("Expected one payment, got %d", w.calls)
	}

	// An amountless invoice is recorded with a zero amount, not the maxSats
	// ceiling, and does not count against the session budget.
	payments, err := a.DB.RecentPayments(10, time.Time{})
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("Expected one recorded payment, got %d", len(payments))
	}
	if payments[0].AmountSats != 0 || payments[0].AmountUSD != 0 {
		t.Errorf("Expected zero recorded amount, got %d sats ($%.2f)",
			payments[0].AmountSats, payments[0].AmountUSD)
	}
	if got := a.Budget.SessionSpentSats(); got != 0 {
		t.Errorf("Expected no session spend for unknown amount, got %d sats", got)
	}
}

func TestHistoryHandler_Totals(t *testing.T) {
	a, _ := newTestAPI(t)

	for _, rec := range []*database.PaymentRecord{
		{URL: "http://a", AmountSats: 10, Status: database.PaymentStatusSuccess, Wallet: "fake"},
		{URL: "http://b", AmountSats: 50, Status: database.PaymentStatusSuccess, Wallet: "fake"},
		{URL: "http://c", AmountSats: 99, Status: database.PaymentStatusFailed, Wallet: "fake"},
	} {
		if err := a.DB.SavePayment(rec); err != nil {
			t.Fatalf("Failed to save payment: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()
	a.HistoryHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["count"] != float64(3) {
		t.Errorf("Expected 3 listed payments, got %v", resp["count"])
	}
	if resp["paidCount"] != float64(2) {
		t.Errorf("Expected 2 successful payments, got %v", resp["paidCount"])
	}
	if resp["paidSats"] != float64(60) {
		t.Errorf("Expected 60 sats paid, got %v", resp["paidSats"])
	}
}

func TestSessionResetHandler(t *testing.T) {
	a, _ := newTestAPI(t)

	a.Budget.RecordSpend(500)

	req := httptest.NewRequest(http.MethodPost, "/session/reset", nil)
	rec := httptest.NewRecorder()
	a.SessionResetHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := a.Budget.SessionSpentSats(); got != 0 {
		t.Errorf("Expected 0 sats after reset, got %d", got)
	}
}
