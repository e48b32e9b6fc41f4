package l402

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	macaroonRe = regexp.MustCompile(`macaroon="([^"]+)"`)
	invoiceRe  = regexp.MustCompile(`invoice="([^"]+)"`)
)

// Challenge is a parsed payment challenge from a WWW-Authenticate header.
type Challenge struct {
	Macaroon   string
	Invoice    string
	AmountMsat int64
	HasAmount  bool
}

// AmountSats returns the invoice amount in satoshis, or (0, false) when the
// invoice did not carry an amount.
func (c Challenge) AmountSats() (int64, bool) {
	if !c.HasAmount {
		return 0, false
	}
	return c.AmountMsat / 1000, true
}

// Token is the authorization credential produced by paying a challenge.
type Token struct {
	Macaroon string
	Preimage string
}

// Header formats the token as an Authorization header value.
func (t Token) Header() string {
	return fmt.Sprintf("L402 %s:%s", t.Macaroon, t.Preimage)
}

// ParseChallenge parses a WWW-Authenticate header of the form
// `L402 macaroon="<base64>", invoice="<bolt11>"`. The legacy LSAT scheme
// uses identical grammar and parses the same way.
func ParseChallenge(wwwAuthenticate string) (Challenge, error) {
	if !strings.HasPrefix(wwwAuthenticate, "L402 ") && !strings.HasPrefix(wwwAuthenticate, "LSAT ") {
		return Challenge{}, &ProtocolError{Message: fmt.Sprintf("invalid L402 challenge: %s", truncate(wwwAuthenticate, 50))}
	}

	macaroonMatch := macaroonRe.FindStringSubmatch(wwwAuthenticate)
	if macaroonMatch == nil {
		return Challenge{}, &ProtocolError{Message: "missing macaroon in L402 challenge"}
	}

	invoiceMatch := invoiceRe.FindStringSubmatch(wwwAuthenticate)
	if invoiceMatch == nil {
		return Challenge{}, &ProtocolError{Message: "missing invoice in L402 challenge"}
	}

	challenge := Challenge{
		Macaroon: macaroonMatch[1],
		Invoice:  invoiceMatch[1],
	}
	challenge.AmountMsat, challenge.HasAmount = InvoiceAmountMsat(challenge.Invoice)
	return challenge, nil
}
