package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

// Serve runs the control API until ctx is cancelled.
func (a *API) Serve(ctx context.Context) error {
	mux := http.NewServeMux()

	public := []func(http.HandlerFunc) http.HandlerFunc{
		ErrorMiddleware,
		LoggingMiddleware,
		a.CORSMiddleware,
	}
	protected := append([]func(http.HandlerFunc) http.HandlerFunc{a.JWTMiddleware}, public...)

	mux.HandleFunc("/auth/challenge", ApplyMiddleware(a.HandleChallengeRequest, public...))
	mux.HandleFunc("/auth/verify", ApplyMiddleware(a.VerifyChallenge, public...))
	// The confirmation link is opened from a browser without a JWT; the
	// unguessable token is the credential.
	mux.HandleFunc("/confirm", ApplyMiddleware(a.ConfirmHandler, public...))

	mux.HandleFunc("/status", ApplyMiddleware(a.StatusHandler, protected...))
	mux.HandleFunc("/history", ApplyMiddleware(a.HistoryHandler, protected...))
	mux.HandleFunc("/session/reset", ApplyMiddleware(a.SessionResetHandler, protected...))
	mux.HandleFunc("/config/reload", ApplyMiddleware(a.ConfigReloadHandler, protected...))
	mux.HandleFunc("/balance", ApplyMiddleware(a.BalanceHandler, protected...))
	mux.HandleFunc("/fetch", ApplyMiddleware(a.FetchHandler, protected...))
	mux.HandleFunc("/pay", ApplyMiddleware(a.PayInvoiceHandler, protected...))

	port := a.Config.Service().APIPort
	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control API listening on", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
