package nwc

import (
	"fmt"
	"net/url"
	"strings"
)

// URIScheme is the connection-string scheme defined by NIP-47.
const URIScheme = "nostr+walletconnect://"

// Config is a parsed wallet connection string.
type Config struct {
	WalletPubkey string
	RelayURL     string
	Secret       string
}

// ParseURI parses a nostr+walletconnect:// connection string of the form
// nostr+walletconnect://<pubkey>?relay=<relay_url>&secret=<secret>.
func ParseURI(uri string) (Config, error) {
	if !strings.HasPrefix(uri, URIScheme) {
		return Config{}, fmt.Errorf("invalid NWC URI: must start with %s", URIScheme)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return Config{}, fmt.Errorf("invalid NWC URI: %v", err)
	}

	pubkey := parsed.Host
	if pubkey == "" {
		return Config{}, fmt.Errorf("invalid NWC URI: missing wallet pubkey")
	}

	params := parsed.Query()
	relay := params.Get("relay")
	if relay == "" {
		return Config{}, fmt.Errorf("invalid NWC URI: missing relay parameter")
	}
	secret := params.Get("secret")
	if secret == "" {
		return Config{}, fmt.Errorf("invalid NWC URI: missing secret parameter")
	}

	return Config{WalletPubkey: pubkey, RelayURL: relay, Secret: secret}, nil
}
