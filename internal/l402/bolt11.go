package l402

import (
	"strconv"
	"strings"
)

// msat per whole bitcoin, for converting the human-readable amount part.
const msatPerBTC = 100_000_000_000

// InvoiceAmountMsat extracts the amount encoded in a BOLT11 invoice's
// human-readable part. Returns (amount, true) when the invoice carries an
// amount, (0, false) for amountless invoices or anything that does not
// decode. Decoding failure is deliberately non-fatal; callers treat it as
// "amount unknown".
func InvoiceAmountMsat(bolt11 string) (int64, bool) {
	invoice := strings.ToLower(strings.TrimSpace(bolt11))
	invoice = strings.TrimPrefix(invoice, "lightning:")

	// The separator is the last '1' in the string.
	sep := strings.LastIndex(invoice, "1")
	if sep < 0 {
		return 0, false
	}
	hrp := invoice[:sep]

	var rest string
	for _, prefix := range []string{"lnbcrt", "lntbs", "lntb", "lnbc"} {
		if strings.HasPrefix(hrp, prefix) {
			rest = hrp[len(prefix):]
			break
		}
		if prefix == "lnbc" {
			return 0, false
		}
	}

	if rest == "" {
		// Amountless invoice.
		return 0, false
	}

	multiplier := rest[len(rest)-1]
	digits := rest
	switch multiplier {
	case 'm', 'u', 'n', 'p':
		digits = rest[:len(rest)-1]
	default:
		multiplier = 0
	}
	if digits == "" {
		return 0, false
	}

	amount, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || amount < 0 {
		return 0, false
	}

	switch multiplier {
	case 'm':
		return amount * msatPerBTC / 1_000, true
	case 'u':
		return amount * msatPerBTC / 1_000_000, true
	case 'n':
		return amount * msatPerBTC / 1_000_000_000, true
	case 'p':
		// Pico-bitcoin amounts below one msat are not representable.
		if amount%10 != 0 {
			return 0, false
		}
		return amount / 10, true
	default:
		return amount * msatPerBTC, true
	}
}
