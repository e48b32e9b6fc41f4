package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/refined-element/lightning-enable-mcp/internal/budget"
	"github.com/refined-element/lightning-enable-mcp/internal/database"
	"github.com/refined-element/lightning-enable-mcp/internal/l402"
	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

const defaultMaxSats = 1000

// confirmation tokens expire after this long without approval.
const confirmationMaxAge = 15 * time.Minute

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusHandler returns the budget configuration, session counters and
// cached price.
func (a *API) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Budget.GetStatus())
}

// HistoryHandler lists recent payments, newest first.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid since timestamp, expected RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	payments, err := a.DB.RecentPayments(limit, since)
	if err != nil {
		http.Error(w, "Failed to load payment history", http.StatusInternalServerError)
		return
	}

	type paymentView struct {
		URL        string    `json:"url"`
		AmountSats int64     `json:"amountSats"`
		AmountUSD  float64   `json:"amountUsd"`
		Status     string    `json:"status"`
		Wallet     string    `json:"wallet"`
		Invoice    string    `json:"invoice"`
		PaidAt     time.Time `json:"paidAt"`
	}
	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		invoice := p.Invoice
		if len(invoice) > 20 {
			invoice = invoice[:20] + "..."
		}
		views = append(views, paymentView{
			URL:        p.URL,
			AmountSats: p.AmountSats,
			AmountUSD:  p.AmountUSD,
			Status:     p.Status,
			Wallet:     p.Wallet,
			Invoice:    invoice,
			PaidAt:     p.PaidAt,
		})
	}

	paidCount, paidSats, err := a.DB.SessionTotals(since)
	if err != nil {
		http.Error(w, "Failed to load payment totals", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payments":  views,
		"count":     len(views),
		"paidCount": paidCount,
		"paidSats":  paidSats,
	})
}

// SessionResetHandler zeroes the session spending counters.
func (a *API) SessionResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	a.Budget.ResetSession()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Session reset"})
}

// ConfigReloadHandler re-reads the config file from disk.
func (a *API) ConfigReloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if err := a.Config.Reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Configuration reloaded"})
}

// BalanceHandler reports the wallet balance.
func (a *API) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	if a.Wallet == nil {
		http.Error(w, "No wallet configured", http.StatusServiceUnavailable)
		return
	}
	balance, err := a.Wallet.GetBalance(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"wallet":      a.Wallet.Name(),
		"balanceSats": balance,
		"balanceUsd":  a.Prices.SatsToUSD(r.Context(), balance),
	})
}

type fetchRequest struct {
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Headers           map[string]string `json:"headers"`
	Body              string            `json:"body"`
	MaxSats           int64             `json:"maxSats"`
	Confirmed         bool              `json:"confirmed"`
	ConfirmationToken string            `json:"confirmationToken"`
}

// FetchHandler runs the full payment-aware fetch: approval check, optional
// confirmation round trip, payment, spend recording.
func (a *API) FetchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	switch req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		http.Error(w, fmt.Sprintf("Invalid HTTP method: %s", req.Method), http.StatusBadRequest)
		return
	}
	if req.MaxSats <= 0 {
		req.MaxSats = defaultMaxSats
	}

	if ok := a.authorizePayment(w, r, &req); !ok {
		return
	}

	result, err := a.L402.Fetch(r.Context(), req.URL, req.Method, req.Headers, req.Body, req.MaxSats)
	if err != nil {
		a.writeFetchError(w, req.URL, err)
		return
	}

	resp := map[string]interface{}{
		"success":  true,
		"url":      req.URL,
		"method":   req.Method,
		"status":   result.StatusCode,
		"response": truncateBody(result.Body),
	}

	if result.Paid {
		a.recordPayment(req.URL, result)
		if result.AmountKnown {
			resp["paidSats"] = result.AmountPaidSats
			resp["message"] = fmt.Sprintf("Paid %d sats for access", result.AmountPaidSats)
		} else {
			resp["message"] = "Paid an invoice with unknown amount for access"
		}

		status := a.Budget.GetStatus()
		resp["session"] = map[string]interface{}{
			"spentSats":    status.Session.SpentSats,
			"spentUsd":     status.Session.SpentUSD,
			"remainingUsd": status.Session.RemainingUSD,
			"requestCount": status.Session.RequestCount,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// authorizePayment runs the budget decision for a prospective payment of up
// to req.MaxSats. It writes the response itself when the request may not
// proceed yet.
func (a *API) authorizePayment(w http.ResponseWriter, r *http.Request, req *fetchRequest) bool {
	// An approved confirmation token satisfies the confirmation tier for the
	// exact request it was issued for. Hard limits still apply at redemption.
	if req.ConfirmationToken != "" {
		return a.consumeConfirmation(w, r, req)
	}

	decision := a.Budget.CheckApprovalLevel(r.Context(), req.MaxSats)

	if decision.Level == budget.Deny {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"success":      false,
			"error":        "Payment denied by budget policy",
			"denialReason": decision.DenialReason,
			"url":          req.URL,
			"budget": map[string]interface{}{
				"maxSats":             req.MaxSats,
				"maxUsd":              decision.AmountUSD,
				"remainingSessionUsd": decision.RemainingSessionUSD,
			},
			"note": fmt.Sprintf("Edit %s to change limits.", a.Config.Path()),
		})
		return false
	}

	if decision.Level == budget.LogAndApprove {
		logger.Info(fmt.Sprintf("Log-and-approve payment: up to %d sats ($%.2f) for %s",
			req.MaxSats, decision.AmountUSD, truncateURL(req.URL)))
	}

	if !decision.RequiresConfirmation() {
		return true
	}

	if decision.Level == budget.FormConfirm {
		if req.Confirmed {
			return true
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"success":              false,
			"requiresConfirmation": true,
			"approvalLevel":        string(decision.Level),
			"message": fmt.Sprintf("A request to %s may cost up to $%.2f (%d sats). Repeat the call with confirmed=true to proceed.",
				truncateURL(req.URL), decision.AmountUSD, req.MaxSats),
			"amount": map[string]interface{}{"maxSats": req.MaxSats, "maxUsd": decision.AmountUSD},
			"budget": map[string]interface{}{"remainingSessionUsd": decision.RemainingSessionUSD},
		})
		return false
	}

	// URL_CONFIRM: hand out a one-time confirmation link.
	token, err := newConfirmationToken()
	if err != nil {
		http.Error(w, "Failed to create confirmation", http.StatusInternalServerError)
		return false
	}
	pending := &database.PendingConfirmation{
		Token:      token,
		URL:        req.URL,
		Method:     req.Method,
		AmountSats: req.MaxSats,
		AmountUSD:  decision.AmountUSD,
		Level:      string(decision.Level),
		Status:     database.ConfirmationStatusPending,
	}
	if err := a.DB.SavePendingConfirmation(pending); err != nil {
		http.Error(w, "Failed to create confirmation", http.StatusInternalServerError)
		return false
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":              false,
		"requiresConfirmation": true,
		"approvalLevel":        string(decision.Level),
		"confirmationUrl":      fmt.Sprintf("%s/confirm?token=%s", a.BaseURL, token),
		"confirmationToken":    token,
		"message": fmt.Sprintf("A payment of up to $%.2f requires browser confirmation. Open the confirmation URL, then repeat the call with the confirmationToken.",
			decision.AmountUSD),
		"amount": map[string]interface{}{"maxSats": req.MaxSats, "maxUsd": decision.AmountUSD},
	})
	return false
}

// consumeConfirmation redeems an approved confirmation token. The token is
// bound to the URL, method and amount it was issued for; it only discharges
// the confirmation requirement, so the session and per-payment limits and the
// cooldown are checked again before the token is spent.
func (a *API) consumeConfirmation(w http.ResponseWriter, r *http.Request, req *fetchRequest) bool {
	token := req.ConfirmationToken
	pending, err := a.DB.GetPendingConfirmation(token)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Unknown confirmation token", http.StatusForbidden)
		return false
	}
	if err != nil {
		http.Error(w, "Failed to load confirmation", http.StatusInternalServerError)
		return false
	}

	switch pending.Status {
	case database.ConfirmationStatusApproved:
		if pending.URL != req.URL || pending.Method != req.Method {
			http.Error(w, "Confirmation token was approved for a different request", http.StatusForbidden)
			return false
		}
		if req.MaxSats > pending.AmountSats {
			req.MaxSats = pending.AmountSats
		}

		decision := a.Budget.CheckApprovalLevel(r.Context(), req.MaxSats)
		if decision.Level == budget.Deny {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"success":      false,
				"error":        "Payment denied by budget policy",
				"denialReason": decision.DenialReason,
				"url":          req.URL,
			})
			return false
		}

		if err := a.DB.ConsumeConfirmation(token); err != nil {
			http.Error(w, "Failed to consume confirmation", http.StatusInternalServerError)
			return false
		}
		return true
	case database.ConfirmationStatusPending:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"success":              false,
			"requiresConfirmation": true,
			"confirmationUrl":      fmt.Sprintf("%s/confirm?token=%s", a.BaseURL, token),
			"message":              "Confirmation still pending. Open the confirmation URL to approve.",
		})
		return false
	default:
		http.Error(w, fmt.Sprintf("Confirmation token is %s", pending.Status), http.StatusForbidden)
		return false
	}
}

// ConfirmHandler approves a pending payment. This endpoint is reached from
// the browser link we hand out; the token itself is the credential.
func (a *API) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	a.DB.ExpireOldConfirmations(confirmationMaxAge)

	pending, err := a.DB.GetPendingConfirmation(token)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "Unknown confirmation token", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load confirmation", http.StatusInternalServerError)
		return
	}

	if pending.Status != database.ConfirmationStatusPending {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"status":  pending.Status,
			"message": fmt.Sprintf("Confirmation is already %s", pending.Status),
		})
		return
	}

	if err := a.DB.ApproveConfirmation(token); err != nil {
		http.Error(w, "Failed to approve confirmation", http.StatusInternalServerError)
		return
	}

	logger.Info(fmt.Sprintf("Payment confirmed: up to %d sats ($%.2f) for %s",
		pending.AmountSats, pending.AmountUSD, truncateURL(pending.URL)))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Payment of up to $%.2f (%d sats) approved for %s. Return to your agent and repeat the request with the confirmation token.",
			pending.AmountUSD, pending.AmountSats, pending.URL),
	})
}

type payInvoiceRequest struct {
	Invoice           string `json:"invoice"`
	MaxSats           int64  `json:"maxSats"`
	Confirmed         bool   `json:"confirmed"`
	ConfirmationToken string `json:"confirmationToken"`
}

// PayInvoiceHandler pays a bare BOLT11 invoice outside the L402 flow.
func (a *API) PayInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if a.Wallet == nil {
		http.Error(w, "No wallet configured", http.StatusServiceUnavailable)
		return
	}

	var req payInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Invoice == "" {
		http.Error(w, "invoice is required", http.StatusBadRequest)
		return
	}
	if req.MaxSats <= 0 {
		req.MaxSats = defaultMaxSats
	}

	amountSats := req.MaxSats
	amountKnown := false
	if msat, ok := l402.InvoiceAmountMsat(req.Invoice); ok {
		amountSats = msat / 1000
		amountKnown = true
		if amountSats > req.MaxSats {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"success": false,
				"error":   fmt.Sprintf("Invoice amount %d sats exceeds maximum %d sats", amountSats, req.MaxSats),
			})
			return
		}
	}

	fetchReq := fetchRequest{
		URL:               "(direct invoice)",
		MaxSats:           amountSats,
		Confirmed:         req.Confirmed,
		ConfirmationToken: req.ConfirmationToken,
	}
	if ok := a.authorizePayment(w, r, &fetchReq); !ok {
		return
	}
	// A confirmation token may have lowered the authorized ceiling below the
	// invoice amount; the invoice must still fit under it.
	if amountKnown && amountSats > fetchReq.MaxSats {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("Invoice amount %d sats exceeds confirmed amount %d sats", amountSats, fetchReq.MaxSats),
		})
		return
	}

	preimage, err := a.Wallet.PayInvoice(r.Context(), req.Invoice)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	// An amountless invoice is recorded as zero rather than pretending the
	// authorized ceiling was the paid amount.
	recordSats := int64(0)
	recordUSD := 0.0
	if amountKnown {
		recordSats = amountSats
		recordUSD = a.Prices.SatsToUSD(r.Context(), amountSats)
		a.Budget.RecordSpend(amountSats)
	}
	a.Budget.RecordPaymentTime()
	a.DB.SavePayment(&database.PaymentRecord{
		URL:        "(direct invoice)",
		Invoice:    req.Invoice,
		Preimage:   preimage,
		AmountSats: recordSats,
		AmountUSD:  recordUSD,
		Status:     database.PaymentStatusSuccess,
		Wallet:     a.Wallet.Name(),
		PaidAt:     time.Now().UTC(),
	})
	if a.OnPayment != nil {
		a.OnPayment("(direct invoice)", recordSats, recordUSD)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"preimage": preimage,
	})
}

func (a *API) recordPayment(url string, result *l402.FetchResult) {
	if result.AmountKnown {
		if err := a.Budget.RecordSpend(result.AmountPaidSats); err != nil {
			logger.Warn("Failed to record spend:", err)
		}
	}
	a.Budget.RecordPaymentTime()

	amountUSD := 0.0
	if result.AmountKnown {
		amountUSD = a.Prices.SatsToUSD(context.Background(), result.AmountPaidSats)
	}
	if err := a.DB.SavePayment(&database.PaymentRecord{
		URL:        url,
		Invoice:    result.Invoice,
		Preimage:   result.Preimage,
		AmountSats: result.AmountPaidSats,
		AmountUSD:  amountUSD,
		Status:     database.PaymentStatusSuccess,
		Wallet:     a.Wallet.Name(),
		PaidAt:     time.Now().UTC(),
	}); err != nil {
		logger.Warn("Failed to persist payment record:", err)
	}

	if a.OnPayment != nil {
		a.OnPayment(url, result.AmountPaidSats, amountUSD)
	}
}

func (a *API) writeFetchError(w http.ResponseWriter, url string, err error) {
	var budgetErr *l402.BudgetExceededError
	var postErr *l402.PostPaymentError
	var protoErr *l402.ProtocolError

	switch {
	case errors.As(err, &budgetErr):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"success": false,
			"url":     url,
			"error":   budgetErr.Error(),
		})
	case errors.As(err, &postErr):
		// Funds moved without the resource being delivered. Record the spend
		// and surface the proof of payment.
		if postErr.AmountSats > 0 {
			a.Budget.RecordSpend(postErr.AmountSats)
		}
		a.Budget.RecordPaymentTime()
		a.DB.SavePayment(&database.PaymentRecord{
			URL:        url,
			Preimage:   postErr.Preimage,
			AmountSats: postErr.AmountSats,
			Status:     database.PaymentStatusFailed,
			Wallet:     a.Wallet.Name(),
			PaidAt:     time.Now().UTC(),
		})
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success":   false,
			"url":       url,
			"error":     postErr.Error(),
			"paid":      true,
			"paidSats":  postErr.AmountSats,
			"preimage":  postErr.Preimage,
			"macaroon":  postErr.Macaroon,
			"important": "Payment was made but the resource was not delivered. Keep the preimage as proof of payment.",
		})
	case errors.As(err, &protoErr):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"url":     url,
			"error":   protoErr.Error(),
		})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"url":     url,
			"error":   err.Error(),
		})
	}
}

func newConfirmationToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func truncateURL(url string) string {
	if len(url) > 50 {
		return url[:50] + "..."
	}
	return url
}

func truncateBody(body string) string {
	if len(body) > 5000 {
		return body[:5000]
	}
	return body
}
