package l402

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

// Payer executes a Lightning payment and returns the preimage. It is the
// only wallet capability the protocol flow needs.
type Payer interface {
	PayInvoice(ctx context.Context, bolt11 string) (string, error)
}

// Client drives the HTTP fetch-challenge-pay-retry sequence.
type Client struct {
	payer Payer
	http  *http.Client
}

// NewClient builds a client around a payment backend.
func NewClient(payer Payer) *Client {
	return &Client{
		payer: payer,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchResult is the outcome of a successful Fetch.
type FetchResult struct {
	Body       string
	StatusCode int

	// Paid reports whether a payment was made to obtain the response.
	Paid bool
	// AmountKnown is false when the invoice carried no decodable amount;
	// AmountPaidSats is only meaningful when both Paid and AmountKnown hold.
	AmountKnown    bool
	AmountPaidSats int64
	Preimage       string
	Macaroon       string
	Invoice        string
}

// Fetch requests url, and if the server answers 402 with a payment
// challenge, pays the invoice and retries the original request with the
// authorization header. The payment is attempted at most once; if the
// retried request fails the error carries the preimage so the caller knows
// funds moved.
func (c *Client) Fetch(ctx context.Context, url, method string, headers map[string]string, body string, maxSats int64) (*FetchResult, error) {
	resp, respBody, err := c.do(ctx, url, method, headers, body, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("request failed: %d %s", resp.StatusCode, truncate(respBody, 200))
		}
		return &FetchResult{Body: respBody, StatusCode: resp.StatusCode}, nil
	}

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	if wwwAuth == "" {
		return nil, &ProtocolError{Message: "402 response without WWW-Authenticate header"}
	}

	challenge, err := ParseChallenge(wwwAuth)
	if err != nil {
		return nil, err
	}

	amountSats, amountKnown := challenge.AmountSats()
	if amountKnown && amountSats > maxSats {
		return nil, &BudgetExceededError{AmountSats: amountSats, MaxSats: maxSats}
	}

	if amountKnown {
		logger.Info(fmt.Sprintf("Paying L402 invoice for %d sats", amountSats))
	} else {
		logger.Info("Paying L402 invoice with unknown amount")
	}
	preimage, err := c.payer.PayInvoice(ctx, challenge.Invoice)
	if err != nil {
		return nil, err
	}

	token := Token{Macaroon: challenge.Macaroon, Preimage: preimage}
	retryResp, retryBody, err := c.do(ctx, url, method, headers, body, token.Header())
	if err != nil {
		// The HTTP leg failed after the payment landed.
		return nil, &PostPaymentError{
			Body:       err.Error(),
			AmountSats: amountSats,
			Preimage:   preimage,
			Macaroon:   challenge.Macaroon,
		}
	}
	if retryResp.StatusCode >= 400 {
		return nil, &PostPaymentError{
			StatusCode: retryResp.StatusCode,
			Body:       retryBody,
			AmountSats: amountSats,
			Preimage:   preimage,
			Macaroon:   challenge.Macaroon,
		}
	}

	return &FetchResult{
		Body:           retryBody,
		StatusCode:     retryResp.StatusCode,
		Paid:           true,
		AmountKnown:    amountKnown,
		AmountPaidSats: amountSats,
		Preimage:       preimage,
		Macaroon:       challenge.Macaroon,
		Invoice:        challenge.Invoice,
	}, nil
}

// PayChallenge pays an already-extracted invoice and returns the
// authorization token, for flows where the caller handled the HTTP leg.
func (c *Client) PayChallenge(ctx context.Context, invoice, macaroon string, maxSats int64) (Token, error) {
	if msat, ok := InvoiceAmountMsat(invoice); ok {
		amountSats := msat / 1000
		if amountSats > maxSats {
			return Token{}, &BudgetExceededError{AmountSats: amountSats, MaxSats: maxSats}
		}
	}

	preimage, err := c.payer.PayInvoice(ctx, invoice)
	if err != nil {
		return Token{}, err
	}
	return Token{Macaroon: macaroon, Preimage: preimage}, nil
}

func (c *Client) do(ctx context.Context, url, method string, headers map[string]string, body, authorization string) (*http.Response, string, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return resp, string(data), nil
}
