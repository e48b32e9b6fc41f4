package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/refined-element/lightning-enable-mcp/internal/budget"
	"github.com/refined-element/lightning-enable-mcp/internal/database"
	"github.com/refined-element/lightning-enable-mcp/internal/l402"
	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
	"github.com/refined-element/lightning-enable-mcp/internal/wallet"
)

// app bundles the services a payment command needs when no daemon is
// involved.
type app struct {
	Prices *price.Service
	Budget *budget.Service
	Wallet wallet.Wallet
	L402   *l402.Client
	DB     *database.DB
}

func newApp() (*app, error) {
	prices := price.NewService(cfg.Wallets().StrikeAPIKey)
	budgetSvc := budget.NewService(cfg, prices)

	w, err := wallet.New(cfg.Wallets())
	if err != nil {
		return nil, err
	}

	db, err := database.InitDB(cfg.Service().DBPath)
	if err != nil {
		return nil, err
	}

	return &app{
		Prices: prices,
		Budget: budgetSvc,
		Wallet: w,
		L402:   l402.NewClient(w),
		DB:     db,
	}, nil
}

func (a *app) Close() {
	if a.Wallet != nil {
		a.Wallet.Disconnect()
	}
}

func (a *app) printBalance() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	balance, err := a.Wallet.GetBalance(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
		"wallet":      a.Wallet.Name(),
		"balanceSats": balance,
		"balanceUsd":  a.Prices.SatsToUSD(ctx, balance),
	})
}

// authorize runs the budget decision for a payment of up to maxSats. When
// the decision needs confirmation it asks on the terminal, unless the user
// already passed --confirmed.
func (a *app) authorize(ctx context.Context, reader *bufio.Reader, label string, maxSats int64, confirmed bool) error {
	decision := a.Budget.CheckApprovalLevel(ctx, maxSats)

	if decision.Level == budget.Deny {
		return fmt.Errorf("payment denied: %s (edit %s to change limits)",
			decision.DenialReason, cfg.Path())
	}

	if decision.Level == budget.LogAndApprove {
		logger.Info(fmt.Sprintf("Log-and-approve payment: up to %d sats ($%.2f) for %s",
			maxSats, decision.AmountUSD, label))
	}

	if !decision.RequiresConfirmation() || confirmed {
		return nil
	}

	if reader == nil {
		return fmt.Errorf("payment of up to $%.2f (%d sats) requires confirmation: repeat with --confirmed",
			decision.AmountUSD, maxSats)
	}

	fmt.Printf("Approve payment of up to $%.2f (%d sats) for %s? (y/N): ",
		decision.AmountUSD, maxSats, label)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer != "y" && answer != "yes" {
		return fmt.Errorf("payment not approved")
	}
	return nil
}

func (a *app) fetch(ctx context.Context, reader *bufio.Reader, url, method string, headers map[string]string, body string, maxSats int64, confirmed bool) error {
	if err := a.authorize(ctx, reader, url, maxSats, confirmed); err != nil {
		return err
	}

	result, err := a.L402.Fetch(ctx, url, method, headers, body, maxSats)
	if err != nil {
		var postErr *l402.PostPaymentError
		if errors.As(err, &postErr) {
			// Funds moved without the resource being delivered. Record the
			// spend and surface the proof of payment.
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
			return fmt.Errorf("%v (preimage %s kept as proof of payment)", postErr, postErr.Preimage)
		}
		return err
	}

	out := map[string]interface{}{
		"url":      url,
		"status":   result.StatusCode,
		"response": result.Body,
	}
	if result.Paid {
		a.recordPayment(ctx, url, result)
		out["paid"] = true
		if result.AmountKnown {
			out["paidSats"] = result.AmountPaidSats
		}
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

func (a *app) recordPayment(ctx context.Context, url string, result *l402.FetchResult) {
	if result.AmountKnown {
		if err := a.Budget.RecordSpend(result.AmountPaidSats); err != nil {
			logger.Warn("Failed to record spend:", err)
		}
	}
	a.Budget.RecordPaymentTime()

	amountUSD := 0.0
	if result.AmountKnown {
		amountUSD = a.Prices.SatsToUSD(ctx, result.AmountPaidSats)
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
}

func (a *app) payInvoice(ctx context.Context, reader *bufio.Reader, invoice string, maxSats int64, confirmed bool) error {
	amountSats := maxSats
	amountKnown := false
	if msat, ok := l402.InvoiceAmountMsat(invoice); ok {
		amountSats = msat / 1000
		amountKnown = true
		if amountSats > maxSats {
			return fmt.Errorf("invoice amount %d sats exceeds maximum %d sats", amountSats, maxSats)
		}
	}

	if err := a.authorize(ctx, reader, "direct invoice", amountSats, confirmed); err != nil {
		return err
	}

	preimage, err := a.Wallet.PayInvoice(ctx, invoice)
	if err != nil {
		return err
	}

	if amountKnown {
		a.Budget.RecordSpend(amountSats)
	}
	a.Budget.RecordPaymentTime()
	a.DB.SavePayment(&database.PaymentRecord{
		URL:        "(direct invoice)",
		Invoice:    invoice,
		Preimage:   preimage,
		AmountSats: amountSats,
		AmountUSD:  a.Prices.SatsToUSD(ctx, amountSats),
		Status:     database.PaymentStatusSuccess,
		Wallet:     a.Wallet.Name(),
		PaidAt:     time.Now().UTC(),
	})

	return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
		"success":  true,
		"preimage": preimage,
	})
}

func payInvoiceInteractive(reader *bufio.Reader, invoice string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()
	return app.payInvoice(context.Background(), reader, invoice, fetchDefaultMaxSats, false)
}

func fetchInteractive(reader *bufio.Reader, url string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()
	return app.fetch(context.Background(), reader, url, http.MethodGet, nil, "", fetchDefaultMaxSats, false)
}

const fetchDefaultMaxSats = 1000

var (
	fetchMethod    string
	fetchBody      string
	fetchHeaders   []string
	fetchMaxSats   int64
	fetchConfirmed bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "Fetch a URL, paying a Lightning invoice if the server asks",
	Long: `Fetch a URL. If the server answers 402 with a payment challenge, the
invoice is checked against the budget, paid, and the request retried with
the authorization header.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		headers := make(map[string]string)
		for _, h := range fetchHeaders {
			parts := strings.SplitN(h, ":", 2)
			if len(parts) != 2 {
				fmt.Fprintf(os.Stderr, "Invalid header %q, expected 'Name: value'\n", h)
				os.Exit(1)
			}
			headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}

		reader := bufio.NewReader(os.Stdin)
		err = app.fetch(cmd.Context(), reader, args[0], strings.ToUpper(fetchMethod), headers, fetchBody, fetchMaxSats, fetchConfirmed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching URL: %v\n", err)
			os.Exit(1)
		}
	},
}

var (
	payMaxSats   int64
	payConfirmed bool
)

var payInvoiceCmd = &cobra.Command{
	Use:   "pay-invoice [bolt11]",
	Short: "Pay a BOLT11 invoice",
	Long:  `Pay a bare BOLT11 invoice, subject to the budget policy.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		reader := bufio.NewReader(os.Stdin)
		if err := app.payInvoice(cmd.Context(), reader, args[0], payMaxSats, payConfirmed); err != nil {
			fmt.Fprintf(os.Stderr, "Error paying invoice: %v\n", err)
			os.Exit(1)
		}
	},
}

var (
	challengeMaxSats   int64
	challengeConfirmed bool
	challengeCopy      bool
)

var payChallengeCmd = &cobra.Command{
	Use:   "pay-challenge [www-authenticate]",
	Short: "Pay a 402 challenge header and print the authorization token",
	Long: `Parse an L402 (or LSAT) WWW-Authenticate header, pay its invoice and
print the resulting authorization header value. Useful when driving the
paid request from another tool such as curl.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		challenge, err := l402.ParseChallenge(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing challenge: %v\n", err)
			os.Exit(1)
		}

		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		amountSats := challengeMaxSats
		if sats, ok := challenge.AmountSats(); ok {
			if sats > challengeMaxSats {
				fmt.Fprintf(os.Stderr, "Invoice amount %d sats exceeds maximum %d sats\n", sats, challengeMaxSats)
				os.Exit(1)
			}
			amountSats = sats
		}

		reader := bufio.NewReader(os.Stdin)
		if err := app.authorize(cmd.Context(), reader, "402 challenge", amountSats, challengeConfirmed); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		token, err := app.L402.PayChallenge(cmd.Context(), challenge.Invoice, challenge.Macaroon, challengeMaxSats)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error paying challenge: %v\n", err)
			os.Exit(1)
		}

		if sats, ok := challenge.AmountSats(); ok {
			app.Budget.RecordSpend(sats)
		}
		app.Budget.RecordPaymentTime()
		app.DB.SavePayment(&database.PaymentRecord{
			URL:        "(402 challenge)",
			Invoice:    challenge.Invoice,
			Preimage:   token.Preimage,
			AmountSats: amountSats,
			AmountUSD:  app.Prices.SatsToUSD(cmd.Context(), amountSats),
			Status:     database.PaymentStatusSuccess,
			Wallet:     app.Wallet.Name(),
			PaidAt:     time.Now().UTC(),
		})

		if challengeCopy {
			if err := clipboard.WriteAll(token.Header()); err != nil {
				fmt.Fprintf(os.Stderr, "Could not copy to clipboard: %v\n", err)
			} else {
				fmt.Fprintln(os.Stderr, "Authorization header copied to clipboard.")
			}
		}

		json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"authorization": token.Header(),
			"preimage":      token.Preimage,
		})
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", http.MethodGet, "HTTP method (GET, POST, PUT, DELETE)")
	fetchCmd.Flags().StringVarP(&fetchBody, "body", "d", "", "request body")
	fetchCmd.Flags().StringArrayVarP(&fetchHeaders, "header", "H", nil, "request header ('Name: value'), repeatable")
	fetchCmd.Flags().Int64Var(&fetchMaxSats, "max-sats", fetchDefaultMaxSats, "maximum invoice amount to pay")
	fetchCmd.Flags().BoolVar(&fetchConfirmed, "confirmed", false, "skip the confirmation prompt")

	payInvoiceCmd.Flags().Int64Var(&payMaxSats, "max-sats", fetchDefaultMaxSats, "maximum invoice amount to pay")
	payInvoiceCmd.Flags().BoolVar(&payConfirmed, "confirmed", false, "skip the confirmation prompt")

	payChallengeCmd.Flags().Int64Var(&challengeMaxSats, "max-sats", fetchDefaultMaxSats, "maximum invoice amount to pay")
	payChallengeCmd.Flags().BoolVar(&challengeConfirmed, "confirmed", false, "skip the confirmation prompt")
	payChallengeCmd.Flags().BoolVar(&challengeCopy, "copy", false, "copy the authorization header to the clipboard")
}
