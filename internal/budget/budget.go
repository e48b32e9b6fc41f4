package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/refined-element/lightning-enable-mcp/internal/config"
	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
)

// ApprovalLevel classifies a payment by how much ceremony it needs before
// the wallet is allowed to pay.
type ApprovalLevel string

const (
	// AutoApprove pays silently.
	AutoApprove ApprovalLevel = "AUTO_APPROVE"
	// LogAndApprove pays without prompting but writes a log line first.
	LogAndApprove ApprovalLevel = "LOG_AND_APPROVE"
	// FormConfirm requires an in-band yes/no from the caller.
	FormConfirm ApprovalLevel = "FORM_CONFIRM"
	// URLConfirm requires out-of-band approval through the confirmation URL.
	URLConfirm ApprovalLevel = "URL_CONFIRM"
	// Deny blocks the payment outright.
	Deny ApprovalLevel = "DENY"
)

// CanProceed reports whether a payment at this level may eventually happen.
func (l ApprovalLevel) CanProceed() bool {
	return l != Deny
}

// RequiresConfirmation reports whether the payment must wait for an explicit
// user decision.
func (l ApprovalLevel) RequiresConfirmation() bool {
	return l == FormConfirm || l == URLConfirm
}

// Decision is the outcome of checking one prospective payment against the
// budget configuration and session state.
type Decision struct {
	Level               ApprovalLevel `json:"level"`
	AmountSats          int64         `json:"amountSats"`
	AmountUSD           float64       `json:"amountUsd"`
	DenialReason        string        `json:"denialReason,omitempty"`
	ConfirmationMessage string        `json:"confirmationMessage,omitempty"`
	RemainingSessionUSD float64       `json:"remainingSessionUsd"`
}

// CanProceed reports whether the payment may eventually happen.
func (d Decision) CanProceed() bool { return d.Level.CanProceed() }

// RequiresConfirmation reports whether the payment must wait for the user.
func (d Decision) RequiresConfirmation() bool { return d.Level.RequiresConfirmation() }

// PriceSource is the slice of the price service the engine needs. It exists
// so tests can pin the exchange rate.
type PriceSource interface {
	SatsToUSD(ctx context.Context, sats int64) float64
	USDToSats(ctx context.Context, usd float64) int64
	CachedPrice() float64
	CacheSource() string
}

// ConfigSource supplies the read-only budget configuration. Agents calling
// through the engine cannot change limits; only the config file can.
type ConfigSource interface {
	Budget() config.Budget
	Path() string
	FileExists() bool
}

const thresholdsCacheDuration = 5 * time.Minute

// noSessionLimitUSD stands in for an unset session limit so remaining-budget
// math stays finite and JSON-encodable.
const noSessionLimitUSD = 999_999_999.0

// Service enforces USD-denominated spending limits with tiered approval. All
// session state lives in memory and is guarded by a single mutex; the
// threshold cache keeps USD-to-sats conversions out of the hot path.
type Service struct {
	cfg    ConfigSource
	prices PriceSource

	mu               sync.Mutex
	sessionSpentSats int64
	sessionSpentUSD  float64
	requestCount     int
	sessionStarted   time.Time
	lastPaymentTime  time.Time
	isFirstPayment   bool

	autoApproveSats    int64
	logAndApproveSats  int64
	formConfirmSats    int64
	urlConfirmSats     int64
	maxPerPaymentSats  int64
	maxPerSessionSats  int64
	thresholdsValidTil time.Time
}

// NewService builds an approval engine over the given config and price
// source.
func NewService(cfg ConfigSource, prices PriceSource) *Service {
	return &Service{
		cfg:            cfg,
		prices:         prices,
		sessionStarted: time.Now().UTC(),
		isFirstPayment: true,
	}
}

// CheckApprovalLevel decides what has to happen before amountSats may be
// paid. The checks run in a fixed order: session limit, per-payment limit,
// cooldown, first-payment gate, then the tier thresholds. The decision is
// advisory only; nothing is reserved, so callers must still RecordSpend
// after the payment succeeds.
func (s *Service) CheckApprovalLevel(ctx context.Context, amountSats int64) Decision {
	s.refreshThresholds(ctx)

	budget := s.cfg.Budget()
	amountUSD := s.prices.SatsToUSD(ctx, amountSats)

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionSpentUSD := s.prices.SatsToUSD(ctx, s.sessionSpentSats)
	sessionLimitUSD := noSessionLimitUSD
	if budget.Limits.MaxPerSession != nil {
		sessionLimitUSD = *budget.Limits.MaxPerSession
	}
	remainingUSD := math.Max(0, sessionLimitUSD-sessionSpentUSD)

	if budget.Limits.MaxPerSession != nil && sessionSpentUSD+amountUSD > *budget.Limits.MaxPerSession {
		return Decision{
			Level:      Deny,
			AmountSats: amountSats,
			AmountUSD:  amountUSD,
			DenialReason: fmt.Sprintf(
				"Payment of $%.2f would exceed session limit. Spent: $%.2f, Limit: $%.2f, Remaining: $%.2f",
				amountUSD, sessionSpentUSD, *budget.Limits.MaxPerSession, remainingUSD),
			RemainingSessionUSD: remainingUSD,
		}
	}

	if budget.Limits.MaxPerPayment != nil && amountUSD > *budget.Limits.MaxPerPayment {
		return Decision{
			Level:      Deny,
			AmountSats: amountSats,
			AmountUSD:  amountUSD,
			DenialReason: fmt.Sprintf(
				"Payment of $%.2f exceeds maximum per-payment limit of $%.2f. Edit %s to change limits.",
				amountUSD, *budget.Limits.MaxPerPayment, s.cfg.Path()),
			RemainingSessionUSD: remainingUSD,
		}
	}

	if !s.cooldownElapsedLocked(budget) {
		wait := float64(budget.Session.CooldownSeconds) - time.Since(s.lastPaymentTime).Seconds()
		return Decision{
			Level:               Deny,
			AmountSats:          amountSats,
			AmountUSD:           amountUSD,
			DenialReason:        fmt.Sprintf("Cooldown active. Please wait %.1f seconds before next payment.", wait),
			RemainingSessionUSD: remainingUSD,
		}
	}

	var level ApprovalLevel
	var confirmMsg string

	switch {
	case s.isFirstPayment && budget.Session.RequireApprovalForFirstPayment:
		// First payment of a session always rides at least the form tier.
		level = FormConfirm
		if amountUSD > budget.Tiers.FormConfirm {
			level = URLConfirm
		}
		confirmMsg = fmt.Sprintf("First payment of session: $%.2f (%d sats)", amountUSD, amountSats)
	case amountUSD <= budget.Tiers.AutoApprove:
		level = AutoApprove
	case amountUSD <= budget.Tiers.LogAndApprove:
		level = LogAndApprove
	case amountUSD <= budget.Tiers.FormConfirm:
		level = FormConfirm
		confirmMsg = fmt.Sprintf("Approve payment of $%.2f (%d sats)?", amountUSD, amountSats)
	case amountUSD <= budget.Tiers.URLConfirm:
		level = URLConfirm
		confirmMsg = fmt.Sprintf("Large payment of $%.2f requires browser confirmation.", amountUSD)
	default:
		level = URLConfirm
		confirmMsg = fmt.Sprintf("Payment of $%.2f requires secure browser confirmation.", amountUSD)
	}

	return Decision{
		Level:               level,
		AmountSats:          amountSats,
		AmountUSD:           amountUSD,
		ConfirmationMessage: confirmMsg,
		RemainingSessionUSD: remainingUSD,
	}
}

// RecordSpend updates session totals after a successful payment. The USD
// conversion uses the cached BTC price so the call never blocks on the
// network.
func (s *Service) RecordSpend(amountSats int64) error {
	if amountSats < 0 {
		return fmt.Errorf("amount cannot be negative")
	}

	btcPrice := s.prices.CachedPrice()
	amountUSD := math.Round(float64(amountSats)/price.SatsPerBTC*btcPrice*100) / 100

	s.mu.Lock()
	s.sessionSpentSats += amountSats
	s.sessionSpentUSD += amountUSD
	s.requestCount++
	s.isFirstPayment = false
	spentSats := s.sessionSpentSats
	spentUSD := s.sessionSpentUSD
	s.mu.Unlock()

	logger.Info(fmt.Sprintf("Recorded spend: %d sats ($%.2f). Session total: %d sats ($%.2f)",
		amountSats, amountUSD, spentSats, spentUSD))
	return nil
}

// RecordPaymentTime starts the cooldown timer. Call it after every
// successful payment.
func (s *Service) RecordPaymentTime() {
	s.mu.Lock()
	s.lastPaymentTime = time.Now().UTC()
	s.mu.Unlock()
}

// ResetSession zeroes the session counters and re-arms the first-payment
// gate.
func (s *Service) ResetSession() {
	s.mu.Lock()
	s.sessionSpentSats = 0
	s.sessionSpentUSD = 0
	s.requestCount = 0
	s.sessionStarted = time.Now().UTC()
	s.isFirstPayment = true
	s.mu.Unlock()
	logger.Info("Session reset")
}

// CooldownElapsed reports whether enough time has passed since the last
// payment.
func (s *Service) CooldownElapsed() bool {
	budget := s.cfg.Budget()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownElapsedLocked(budget)
}

func (s *Service) cooldownElapsedLocked(budget config.Budget) bool {
	if s.lastPaymentTime.IsZero() {
		return true
	}
	return time.Since(s.lastPaymentTime).Seconds() >= float64(budget.Session.CooldownSeconds)
}

// SessionSpentSats returns the satoshis spent so far this session.
func (s *Service) SessionSpentSats() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionSpentSats
}

// RequestCount returns the number of payments recorded this session.
func (s *Service) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

// IsFirstPayment reports whether the next payment would be the first of the
// session.
func (s *Service) IsFirstPayment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFirstPayment
}

// Status is a JSON-friendly snapshot of the engine for the control API and
// the CLI.
type Status struct {
	Configuration StatusConfiguration `json:"configuration"`
	Session       StatusSession       `json:"session"`
	Price         StatusPrice         `json:"price"`
	Note          string              `json:"note"`
}

type StatusConfiguration struct {
	ConfigFile       string                 `json:"configFile"`
	ConfigFileExists bool                   `json:"configFileExists"`
	Currency         string                 `json:"currency"`
	Tiers            config.TierThresholds  `json:"tiers"`
	TiersSats        StatusTiersSats        `json:"tiersSats"`
	Limits           config.PaymentLimits   `json:"limits"`
	Session          config.SessionSettings `json:"session"`
}

// StatusTiersSats are the tier boundaries converted to sats at the cached
// exchange rate. Zero until the first approval check warms the cache.
type StatusTiersSats struct {
	AutoApprove   int64 `json:"autoApprove"`
	LogAndApprove int64 `json:"logAndApprove"`
	FormConfirm   int64 `json:"formConfirm"`
	URLConfirm    int64 `json:"urlConfirm"`
}

type StatusSession struct {
	SpentSats      int64   `json:"spentSats"`
	SpentUSD       float64 `json:"spentUsd"`
	RemainingUSD   float64 `json:"remainingUsd"`
	RequestCount   int     `json:"requestCount"`
	SessionStarted string  `json:"sessionStarted"`
	IsFirstPayment bool    `json:"isFirstPayment"`
	CooldownActive bool    `json:"cooldownActive"`
}

type StatusPrice struct {
	BTCUSD float64 `json:"btcUsd"`
	Source string  `json:"source"`
}

// GetStatus returns the current configuration, session counters and cached
// price.
func (s *Service) GetStatus() Status {
	budget := s.cfg.Budget()
	btcPrice := s.prices.CachedPrice()
	autoSats, logSats, formSats, urlSats := s.SatsThresholds()

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionLimitUSD := noSessionLimitUSD
	if budget.Limits.MaxPerSession != nil {
		sessionLimitUSD = *budget.Limits.MaxPerSession
	}
	remainingUSD := math.Max(0, sessionLimitUSD-s.sessionSpentUSD)

	source := s.prices.CacheSource()
	if source == "" {
		source = "cached"
	}

	return Status{
		Configuration: StatusConfiguration{
			ConfigFile:       s.cfg.Path(),
			ConfigFileExists: s.cfg.FileExists(),
			Currency:         budget.Currency,
			Tiers:            budget.Tiers,
			TiersSats: StatusTiersSats{
				AutoApprove:   autoSats,
				LogAndApprove: logSats,
				FormConfirm:   formSats,
				URLConfirm:    urlSats,
			},
			Limits: budget.Limits,
			Session:          budget.Session,
		},
		Session: StatusSession{
			SpentSats:      s.sessionSpentSats,
			SpentUSD:       s.sessionSpentUSD,
			RemainingUSD:   remainingUSD,
			RequestCount:   s.requestCount,
			SessionStarted: s.sessionStarted.Format(time.RFC3339),
			IsFirstPayment: s.isFirstPayment,
			CooldownActive: !s.cooldownElapsedLocked(budget),
		},
		Price: StatusPrice{
			BTCUSD: btcPrice,
			Source: source,
		},
		Note: fmt.Sprintf("Configuration is READ-ONLY. Edit %s to change limits.", s.cfg.Path()),
	}
}

// refreshThresholds converts the USD tiers to sats and caches the result so
// tier decisions stay cheap when the price API is slow or rate limited.
func (s *Service) refreshThresholds(ctx context.Context) {
	s.mu.Lock()
	if time.Now().Before(s.thresholdsValidTil) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	budget := s.cfg.Budget()
	auto := s.prices.USDToSats(ctx, budget.Tiers.AutoApprove)
	logTier := s.prices.USDToSats(ctx, budget.Tiers.LogAndApprove)
	form := s.prices.USDToSats(ctx, budget.Tiers.FormConfirm)
	url := s.prices.USDToSats(ctx, budget.Tiers.URLConfirm)

	var maxPayment, maxSession int64
	if budget.Limits.MaxPerPayment != nil {
		maxPayment = s.prices.USDToSats(ctx, *budget.Limits.MaxPerPayment)
	}
	if budget.Limits.MaxPerSession != nil {
		maxSession = s.prices.USDToSats(ctx, *budget.Limits.MaxPerSession)
	}

	s.mu.Lock()
	s.autoApproveSats = auto
	s.logAndApproveSats = logTier
	s.formConfirmSats = form
	s.urlConfirmSats = url
	s.maxPerPaymentSats = maxPayment
	s.maxPerSessionSats = maxSession
	s.thresholdsValidTil = time.Now().Add(thresholdsCacheDuration)
	s.mu.Unlock()
}

// SatsThresholds returns the cached tier boundaries in sats, mainly for the
// status endpoint.
func (s *Service) SatsThresholds() (autoApprove, logAndApprove, formConfirm, urlConfirm int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoApproveSats, s.logAndApproveSats, s.formConfirmSats, s.urlConfirmSats
}
