package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/refined-element/lightning-enable-mcp/internal/api"
	"github.com/refined-element/lightning-enable-mcp/internal/budget"
	"github.com/refined-element/lightning-enable-mcp/internal/database"
	"github.com/refined-element/lightning-enable-mcp/internal/ipc"
	"github.com/refined-element/lightning-enable-mcp/internal/l402"
	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
	"github.com/refined-element/lightning-enable-mcp/internal/wallet"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API daemon",
	Long: `Run the local HTTP API and the command socket. The daemon owns the
budget session, so CLI status and reset commands talk to it while it runs.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runServe() error {
	svc := cfg.Service()

	if err := api.EnsureJWTKey(filepath.Dir(cfg.Path())); err != nil {
		return fmt.Errorf("error preparing JWT key: %v", err)
	}

	prices := price.NewService(cfg.Wallets().StrikeAPIKey)
	budgetSvc := budget.NewService(cfg, prices)

	w, err := wallet.New(cfg.Wallets())
	if err != nil {
		return err
	}
	defer w.Disconnect()

	db, err := database.InitDB(svc.DBPath)
	if err != nil {
		return fmt.Errorf("error opening database: %v", err)
	}

	a := api.NewAPI(cfg, budgetSvc, prices, w, l402.NewClient(w), db)

	ipcServer, err := ipc.NewServer()
	if err != nil {
		return fmt.Errorf("error starting command socket: %v", err)
	}
	defer ipcServer.Close()

	a.OnPayment = func(url string, amountSats int64, amountUSD float64) {
		ipcServer.BroadcastPayment(ipc.PaymentNotification{
			URL:        url,
			AmountSats: amountSats,
			AmountUSD:  amountUSD,
			Wallet:     w.Name(),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatchCommands(ctx, ipcServer, a)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down:", sig)
		cancel()
	}()

	logger.Info(fmt.Sprintf("Daemon listening on 127.0.0.1:%d", svc.APIPort))
	return a.Serve(ctx)
}

// dispatchCommands answers CLI commands arriving over the local socket.
func dispatchCommands(ctx context.Context, server *ipc.Server, a *api.API) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-server.Commands():
			if !ok {
				return
			}
			server.SendResponse(cmd.ID, handleCommand(ctx, cmd, a))
		}
	}
}

func handleCommand(ctx context.Context, cmd ipc.Command, a *api.API) ipc.Response {
	resp := ipc.Response{ID: cmd.ID}

	switch cmd.Command {
	case "status":
		resp.Result = a.Budget.GetStatus()
	case "balance":
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		balance, err := a.Wallet.GetBalance(reqCtx)
		if err != nil {
			resp.Error = &ipc.Error{Message: err.Error()}
			break
		}
		resp.Result = map[string]interface{}{
			"wallet":      a.Wallet.Name(),
			"balanceSats": balance,
			"balanceUsd":  a.Prices.SatsToUSD(reqCtx, balance),
		}
	case "history":
		payments, err := a.DB.RecentPayments(20, time.Time{})
		if err != nil {
			resp.Error = &ipc.Error{Message: err.Error()}
			break
		}
		resp.Result = payments
	case "session-reset":
		a.Budget.ResetSession()
		resp.Result = map[string]interface{}{"success": true, "message": "Session reset"}
	default:
		resp.Error = &ipc.Error{Message: fmt.Sprintf("unknown command: %s", cmd.Command)}
	}

	return resp
}
