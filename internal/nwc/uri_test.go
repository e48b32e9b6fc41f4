package nwc

import (
	"strings"
	"testing"
)

func TestParseURI(t *testing.T) {
	pubkey := "b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4"
	uri := "nostr+walletconnect://" + pubkey +
		"?relay=wss%3A%2F%2Frelay.damus.io&secret=71a8c14c1407c113601079c4302dab36460f0ccd0ad506f1f2dc73b5100e4f3c"

	cfg, err := ParseURI(uri)
	if err != nil {
		t.Fatalf("ParseURI failed: %v", err)
	}
	if cfg.WalletPubkey != pubkey {
		t.Errorf("Unexpected pubkey: %s", cfg.WalletPubkey)
	}
	if cfg.RelayURL != "wss://relay.damus.io" {
		t.Errorf("Unexpected relay: %s", cfg.RelayURL)
	}
	if cfg.Secret != "71a8c14c1407c113601079c4302dab36460f0ccd0ad506f1f2dc73b5100e4f3c" {
		t.Errorf("Unexpected secret: %s", cfg.Secret)
	}
}

func TestParseURI_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		uri     string
		wantMsg string
	}{
		{"wrong scheme", "https://example.com?relay=wss://r&secret=s", "must start with"},
		{"missing pubkey", "nostr+walletconnect://?relay=wss://r&secret=s", "missing wallet pubkey"},
		{"missing relay", "nostr+walletconnect://abc?secret=s", "missing relay parameter"},
		{"missing secret", "nostr+walletconnect://abc?relay=wss://r", "missing secret parameter"},
	}

	for _, c := range cases {
		_, err := ParseURI(c.uri)
		if err == nil {
			t.Errorf("%s: expected error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.wantMsg) {
			t.Errorf("%s: expected %q in error, got %q", c.name, c.wantMsg, err.Error())
		}
	}
}
