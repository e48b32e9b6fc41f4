package l402

import "testing"

func TestInvoiceAmountMsat(t *testing.T) {
	cases := []struct {
		invoice  string
		wantMsat int64
		wantOK   bool
	}{
		// 2500u = 0.0025 BTC = 250,000,000 msat
		{"lnbc2500u1pvjluezpp5qqqsyq", 250_000_000, true},
		// 1m = 0.001 BTC
		{"lnbc1m1pvjluezpp5qqqsyq", 100_000_000, true},
		// 100n = 10 sats
		{"lnbc100n1pvjluezpp5qqqsyq", 10_000, true},
		// 10p = 1 msat
		{"lnbc10p1pvjluezpp5qqqsyq", 1, true},
		// picos that don't divide into msat are unrepresentable
		{"lnbc25p1pvjluezpp5qqqsyq", 0, false},
		// no multiplier means whole bitcoin
		{"lnbc21pvjluezpp5qqqsyq", 200_000_000_000, true},
		// amountless
		{"lnbc1pvjluezpp5qqqsyq", 0, false},
		// testnet
		{"lntb500u1pvjluezpp5qqqsyq", 50_000_000, true},
		// regtest
		{"lnbcrt1u1pvjluezpp5qqqsyq", 100_000, true},
		// signet
		{"lntbs10u1pvjluezpp5qqqsyq", 1_000_000, true},
		// uri prefix and case are tolerated
		{"lightning:LNBC2500U1PVJLUEZPP5QQQSYQ", 250_000_000, true},
		// not an invoice at all
		{"hello world", 0, false},
		{"", 0, false},
	}

	for _, c := range cases {
		got, ok := InvoiceAmountMsat(c.invoice)
		if ok != c.wantOK {
			t.Errorf("InvoiceAmountMsat(%q): expected ok=%v, got %v", c.invoice, c.wantOK, ok)
			continue
		}
		if got != c.wantMsat {
			t.Errorf("InvoiceAmountMsat(%q): expected %d msat, got %d", c.invoice, c.wantMsat, got)
		}
	}
}
