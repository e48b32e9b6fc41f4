package nwc

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizePreimage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"clean hex", "deadbeef00112233", "deadbeef00112233"},
		{"uppercase", "DEADBEEF", "deadbeef"},
		{"0x prefix", "0xdeadbeef", "deadbeef"},
		{"embedded spaces", "dead beef", "deadbeef"},
	}

	for _, c := range cases {
		got, err := NormalizePreimage(c.raw)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: expected %q, got %q", c.name, c.want, got)
		}
	}
}

func TestNormalizePreimage_Empty(t *testing.T) {
	_, err := NormalizePreimage("")
	var payErr *PaymentError
	if !errors.As(err, &payErr) {
		t.Fatalf("Expected PaymentError, got %v", err)
	}
	if !strings.Contains(err.Error(), "no preimage") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestNormalizePreimage_InvoiceEcho(t *testing.T) {
	// Some wallets return the invoice back instead of the preimage.
	for _, raw := range []string{"lnbc100n1pvjluez", "lntb100n1pvjluez", "lnurl1dp68gurn8ghj7"} {
		_, err := NormalizePreimage(raw)
		var payErr *PaymentError
		if !errors.As(err, &payErr) {
			t.Errorf("NormalizePreimage(%q): expected PaymentError, got %v", raw, err)
			continue
		}
		if !strings.Contains(err.Error(), "invoice instead of preimage") {
			t.Errorf("NormalizePreimage(%q): unexpected error: %v", raw, err)
		}
	}
}

func TestNormalizePreimage_NonHex(t *testing.T) {
	_, err := NormalizePreimage("not-hex-at-all!")
	var payErr *PaymentError
	if !errors.As(err, &payErr) {
		t.Fatalf("Expected PaymentError, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid preimage format") {
		t.Errorf("Unexpected error: %v", err)
	}
}
