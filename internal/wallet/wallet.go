package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/refined-element/lightning-enable-mcp/internal/config"
	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/nwc"
)

// Wallet is the common surface of every payment backend. PayInvoice returns
// the payment preimage (or the backend's payment id when the backend cannot
// produce a preimage).
type Wallet interface {
	Connect(ctx context.Context) error
	Disconnect()
	PayInvoice(ctx context.Context, bolt11 string) (string, error)
	GetBalance(ctx context.Context) (int64, error)
	Name() string
}

// DefaultPriority is the backend preference order when the config does not
// set one. NWC comes first since it is the only backend guaranteed to return
// a real preimage.
const DefaultPriority = "nwc,strike,opennode"

type nwcBackend struct {
	*nwc.Client
}

func (nwcBackend) Name() string { return "nwc" }

// New picks the first configured backend in priority order.
func New(settings config.WalletSettings) (Wallet, error) {
	priority := settings.Priority
	if priority == "" {
		priority = DefaultPriority
	}

	for _, name := range strings.Split(priority, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		switch name {
		case "nwc":
			if settings.NWCConnectionString == "" {
				continue
			}
			client, err := nwc.NewClient(settings.NWCConnectionString)
			if err != nil {
				return nil, fmt.Errorf("invalid NWC configuration: %v", err)
			}
			logger.Info("Using NWC wallet backend")
			return nwcBackend{client}, nil
		case "strike":
			if settings.StrikeAPIKey == "" {
				continue
			}
			logger.Info("Using Strike wallet backend")
			return NewStrikeWallet(settings.StrikeAPIKey), nil
		case "opennode":
			if settings.OpenNodeAPIKey == "" {
				continue
			}
			logger.Info("Using OpenNode wallet backend")
			return NewOpenNodeWallet(settings.OpenNodeAPIKey, settings.OpenNodeEnvironment), nil
		case "":
		default:
			logger.Warn("Unknown wallet backend in priority list:", name)
		}
	}

	return nil, fmt.Errorf("no wallet configured: set NWC_CONNECTION_STRING, STRIKE_API_KEY or OPENNODE_API_KEY")
}
