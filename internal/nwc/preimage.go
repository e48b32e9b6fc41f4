package nwc

import "strings"

// NormalizePreimage validates and canonicalizes a preimage returned by a
// wallet. Some wallets echo the invoice back instead of the preimage, or pad
// the hex with a 0x prefix or spaces; the former is rejected, the latter
// cleaned up.
func NormalizePreimage(raw string) (string, error) {
	if raw == "" {
		return "", &PaymentError{Message: "no preimage in payment response"}
	}

	for _, prefix := range []string{"lnbc", "lntb", "lnurl"} {
		if strings.HasPrefix(raw, prefix) {
			return "", &PaymentError{
				Message: "wallet returned invoice instead of preimage; this may be a bug in your NWC wallet implementation",
			}
		}
	}

	preimage := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(raw, "0x", ""), " ", ""))

	for _, c := range preimage {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", &PaymentError{
				Message: "invalid preimage format, expected hex string",
			}
		}
	}

	return preimage, nil
}
