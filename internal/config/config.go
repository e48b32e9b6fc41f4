package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

// TierThresholds are the USD amounts that decide how much ceremony a payment
// needs. Values are intended to be non-decreasing; violations are only warned
// about, never corrected.
type TierThresholds struct {
	AutoApprove   float64
	LogAndApprove float64
	FormConfirm   float64
	URLConfirm    float64
}

// PaymentLimits are hard USD ceilings. A nil limit means unlimited.
type PaymentLimits struct {
	MaxPerPayment *float64
	MaxPerSession *float64
}

// SessionSettings control per-session payment behavior.
type SessionSettings struct {
	RequireApprovalForFirstPayment bool
	CooldownSeconds                uint
}

// Budget is the immutable budget configuration snapshot. It is never mutated
// after load; Reload produces a fresh snapshot.
type Budget struct {
	Currency string
	Tiers    TierThresholds
	Limits   PaymentLimits
	Session  SessionSettings
}

// WalletSettings hold wallet backend credentials. Environment variables take
// precedence over the config file.
type WalletSettings struct {
	NWCConnectionString string
	StrikeAPIKey        string
	OpenNodeAPIKey      string
	OpenNodeEnvironment string
	Priority            string
}

// ServiceSettings are the runtime settings for the daemon itself.
type ServiceSettings struct {
	APIPort        int
	AllowedOrigin  string
	DBPath         string
	LogFile        string
	OperatorPubkey string
	ConfirmBaseURL string
}

// Store loads and holds configuration snapshots.
type Store struct {
	mu         sync.RWMutex
	budget     Budget
	wallets    WalletSettings
	service    ServiceSettings
	path       string
	fileExists bool
}

// Load reads the configuration file, creating a default one on first run.
// A malformed file falls back to built-in defaults rather than failing.
func Load() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error resolving home directory: %w", err)
	}
	return LoadFrom(filepath.Join(home, ".lightning-enable"))
}

// LoadFrom reads configuration from dir/config.json.
func LoadFrom(dir string) (*Store, error) {
	viper.Reset()
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(dir)

	setDefaults()

	s := &Store{path: filepath.Join(dir, "config.json")}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := createDefaultConfigFile(dir); err != nil {
				logger.Warn("Could not create default config:", err)
			}
		} else {
			logger.Warn("Could not load config from", s.path, ":", err)
			logger.Warn("Using default configuration.")
		}
	} else {
		s.fileExists = true
	}

	s.snapshot()
	s.validate()
	s.logLoaded()
	return s, nil
}

// setDefaults mirrors the first-run document written to disk.
func setDefaults() {
	viper.SetDefault("currency", "USD")

	viper.SetDefault("tiers.autoApprove", 1.00)
	viper.SetDefault("tiers.logAndApprove", 5.00)
	viper.SetDefault("tiers.formConfirm", 25.00)
	viper.SetDefault("tiers.urlConfirm", 100.00)

	viper.SetDefault("limits.maxPerPayment", 500.00)
	viper.SetDefault("limits.maxPerSession", 100.00)

	viper.SetDefault("session.requireApprovalForFirstPayment", false)
	viper.SetDefault("session.cooldownSeconds", 2)

	viper.SetDefault("wallets.nwcConnectionString", "")
	viper.SetDefault("wallets.strikeApiKey", "")
	viper.SetDefault("wallets.openNodeApiKey", "")
	viper.SetDefault("wallets.openNodeEnvironment", "production")
	viper.SetDefault("wallets.priority", "")

	viper.SetDefault("api_port", 9741)
	viper.SetDefault("allowed_origin", "http://localhost:3000")
	viper.SetDefault("db_path", "")
	viper.SetDefault("log_file", "")
	viper.SetDefault("operator_pubkey", "")
	viper.SetDefault("confirm_base_url", "")
}

// createDefaultConfigFile writes the default configuration so the user has a
// real document to edit; limits are never fabricated silently in memory only.
func createDefaultConfigFile(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	path := filepath.Join(dir, "config.json")
	if err := viper.SafeWriteConfigAs(path); err != nil {
		if os.IsExist(err) {
			return viper.WriteConfigAs(path)
		}
		return fmt.Errorf("error creating config file: %w", err)
	}

	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  Lightning Enable - First Run Setup")
	fmt.Fprintln(os.Stderr, "  A default configuration file has been created at:")
	fmt.Fprintln(os.Stderr, "  "+path)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  Default spending limits (in USD):")
	fmt.Fprintln(os.Stderr, "    - Auto-approve:      <= $1.00")
	fmt.Fprintln(os.Stderr, "    - Log & approve:     $1.00 - $5.00")
	fmt.Fprintln(os.Stderr, "    - Require confirm:   $5.00 - $25.00")
	fmt.Fprintln(os.Stderr, "    - Browser confirm:   $25.00 - $100.00")
	fmt.Fprintln(os.Stderr, "    - Max per payment:   $500.00")
	fmt.Fprintln(os.Stderr, "    - Max per session:   $100.00")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  Edit the config file to customize these limits.")
	fmt.Fprintln(os.Stderr, "")
	return nil
}

// snapshot copies viper's current state into immutable value structs.
func (s *Store) snapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.budget = Budget{
		Currency: viper.GetString("currency"),
		Tiers: TierThresholds{
			AutoApprove:   viper.GetFloat64("tiers.autoApprove"),
			LogAndApprove: viper.GetFloat64("tiers.logAndApprove"),
			FormConfirm:   viper.GetFloat64("tiers.formConfirm"),
			URLConfirm:    viper.GetFloat64("tiers.urlConfirm"),
		},
		Limits: PaymentLimits{
			MaxPerPayment: optionalFloat("limits.maxPerPayment"),
			MaxPerSession: optionalFloat("limits.maxPerSession"),
		},
		Session: SessionSettings{
			RequireApprovalForFirstPayment: viper.GetBool("session.requireApprovalForFirstPayment"),
			CooldownSeconds:                viper.GetUint("session.cooldownSeconds"),
		},
	}

	s.wallets = WalletSettings{
		NWCConnectionString: firstNonEmpty(os.Getenv("NWC_CONNECTION_STRING"), viper.GetString("wallets.nwcConnectionString")),
		StrikeAPIKey:        firstNonEmpty(os.Getenv("STRIKE_API_KEY"), viper.GetString("wallets.strikeApiKey")),
		OpenNodeAPIKey:      firstNonEmpty(os.Getenv("OPENNODE_API_KEY"), viper.GetString("wallets.openNodeApiKey")),
		OpenNodeEnvironment: firstNonEmpty(os.Getenv("OPENNODE_ENVIRONMENT"), viper.GetString("wallets.openNodeEnvironment")),
		Priority:            viper.GetString("wallets.priority"),
	}

	// An empty db_path would hand sqlite an anonymous in-memory database, so
	// payment history would vanish with the process. Default it next to the
	// config file instead.
	dbPath := viper.GetString("db_path")
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(s.path), "payments.db")
	}

	s.service = ServiceSettings{
		APIPort:        viper.GetInt("api_port"),
		AllowedOrigin:  viper.GetString("allowed_origin"),
		DBPath:         dbPath,
		LogFile:        viper.GetString("log_file"),
		OperatorPubkey: viper.GetString("operator_pubkey"),
		ConfirmBaseURL: viper.GetString("confirm_base_url"),
	}
}

// optionalFloat maps an explicit null to "unlimited".
func optionalFloat(key string) *float64 {
	if !viper.IsSet(key) || viper.Get(key) == nil {
		return nil
	}
	v := viper.GetFloat64(key)
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// validate logs warnings about suspicious values. The snapshot is immutable,
// so nothing is corrected; the user is told to edit the file instead.
func (s *Store) validate() {
	b := s.Budget()

	if b.Tiers.AutoApprove > b.Tiers.LogAndApprove {
		logger.Warn("config: tiers.autoApprove should be <= tiers.logAndApprove")
	}
	if b.Tiers.LogAndApprove > b.Tiers.FormConfirm {
		logger.Warn("config: tiers.logAndApprove should be <= tiers.formConfirm")
	}
	if b.Tiers.FormConfirm > b.Tiers.URLConfirm {
		logger.Warn("config: tiers.formConfirm should be <= tiers.urlConfirm")
	}
	if b.Limits.MaxPerPayment != nil && *b.Limits.MaxPerPayment <= 0 {
		logger.Warn("config: limits.maxPerPayment must be positive")
	}
	if b.Limits.MaxPerSession != nil && *b.Limits.MaxPerSession <= 0 {
		logger.Warn("config: limits.maxPerSession must be positive")
	}
	if b.Session.CooldownSeconds > 60 {
		logger.Warn("config: session.cooldownSeconds should be 0-60")
	}
}

func (s *Store) logLoaded() {
	b := s.Budget()
	logger.Info(fmt.Sprintf("Loaded budget config from %s (exists=%v)", s.path, s.FileExists()))
	logger.Info(fmt.Sprintf("Tiers: auto<=$%.2f, log<=$%.2f, form<=$%.2f, url<=$%.2f",
		b.Tiers.AutoApprove, b.Tiers.LogAndApprove, b.Tiers.FormConfirm, b.Tiers.URLConfirm))

	maxPayment := "unlimited"
	if b.Limits.MaxPerPayment != nil {
		maxPayment = fmt.Sprintf("$%.2f", *b.Limits.MaxPerPayment)
	}
	maxSession := "unlimited"
	if b.Limits.MaxPerSession != nil {
		maxSession = fmt.Sprintf("$%.2f", *b.Limits.MaxPerSession)
	}
	logger.Info(fmt.Sprintf("Limits: max/payment=%s, max/session=%s", maxPayment, maxSession))
}

// Budget returns the current immutable budget snapshot.
func (s *Store) Budget() Budget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budget
}

// Wallets returns the wallet backend settings.
func (s *Store) Wallets() WalletSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallets
}

// Service returns the daemon runtime settings.
func (s *Store) Service() ServiceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// FileExists reports whether the configuration was loaded from an existing file.
func (s *Store) FileExists() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileExists
}

// Reload re-reads the configuration from disk and swaps in a new snapshot.
func (s *Store) Reload() error {
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	s.mu.Lock()
	s.fileExists = true
	s.mu.Unlock()
	s.snapshot()
	s.validate()
	return nil
}
