package database

import (
	"time"

	"gorm.io/gorm"
)

const (
	// PendingConfirmation statuses
	ConfirmationStatusPending  = "pending"
	ConfirmationStatusApproved = "approved"
	ConfirmationStatusUsed     = "used"
	ConfirmationStatusExpired  = "expired"

	// AuthChallenge statuses
	ChallengeStatusUnused = "unused"
	ChallengeStatusUsed   = "used"

	// PaymentRecord statuses
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

// PaymentRecord is one completed (or failed) payment.
type PaymentRecord struct {
	gorm.Model
	URL        string `gorm:"index"`
	Invoice    string
	Preimage   string
	AmountSats int64
	AmountUSD  float64
	Status     string    `gorm:"index"` // success, failed
	Wallet     string    // backend that executed the payment
	PaidAt     time.Time `gorm:"index"`
}

// PendingConfirmation is a payment waiting for out-of-band approval. The
// token is handed to the user; approving through the confirmation URL flips
// the status, and consuming the approval flips it again so a token can only
// be spent once.
type PendingConfirmation struct {
	gorm.Model
	Token      string `gorm:"uniqueIndex"`
	URL        string
	Method     string
	Invoice    string
	Macaroon   string
	AmountSats int64
	AmountUSD  float64
	Level      string
	Status     string `gorm:"index"`
	ApprovedAt *time.Time
	UsedAt     *time.Time
}

// AuthChallenge is a login challenge for the control API.
type AuthChallenge struct {
	gorm.Model
	Challenge string `gorm:"uniqueIndex"`
	Hash      string `gorm:"uniqueIndex"`
	Status    string `gorm:"index"`
	Pubkey    string `gorm:"index"`
	IssuedAt  time.Time
	UsedAt    *time.Time
}

// Metadata stores miscellaneous key/value state.
type Metadata struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex"`
	Value string
}
