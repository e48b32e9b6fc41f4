package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	return db
}

func TestPaymentHistory(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UTC()
	for i, sats := range []int64{10, 20, 30} {
		err := db.SavePayment(&PaymentRecord{
			URL:        "http://example.com",
			AmountSats: sats,
			Status:     PaymentStatusSuccess,
			Wallet:     "nwc",
			PaidAt:     now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SavePayment failed: %v", err)
		}
	}

	payments, err := db.RecentPayments(2, time.Time{})
	if err != nil {
		t.Fatalf("RecentPayments failed: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("Expected 2 payments, got %d", len(payments))
	}
	// Newest first.
	if payments[0].AmountSats != 30 || payments[1].AmountSats != 20 {
		t.Errorf("Expected newest-first ordering, got %d then %d", payments[0].AmountSats, payments[1].AmountSats)
	}

	// The since filter cuts off older rows.
	payments, err = db.RecentPayments(10, now.Add(90*time.Second))
	if err != nil {
		t.Fatalf("RecentPayments failed: %v", err)
	}
	if len(payments) != 1 {
		t.Errorf("Expected 1 payment since cutoff, got %d", len(payments))
	}

	count, sats, err := db.SessionTotals(time.Time{})
	if err != nil {
		t.Fatalf("SessionTotals failed: %v", err)
	}
	if count != 3 || sats != 60 {
		t.Errorf("Expected 3 payments totalling 60 sats, got %d / %d", count, sats)
	}
}

// Payment history must live in the file it was given, surviving a close and
// reopen rather than landing in a throwaway database.
func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.db")

	db, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	if err := db.SavePayment(&PaymentRecord{
		URL:        "http://example.com",
		AmountSats: 42,
		Status:     PaymentStatusSuccess,
		Wallet:     "nwc",
	}); err != nil {
		t.Fatalf("SavePayment failed: %v", err)
	}

	reopened, err := InitDB(path)
	if err != nil {
		t.Fatalf("InitDB (reopen) failed: %v", err)
	}
	payments, err := reopened.RecentPayments(10, time.Time{})
	if err != nil {
		t.Fatalf("RecentPayments failed: %v", err)
	}
	if len(payments) != 1 || payments[0].AmountSats != 42 {
		t.Fatalf("Expected the saved payment after reopen, got %d rows", len(payments))
	}
}

func TestConfirmationLifecycle(t *testing.T) {
	db := newTestDB(t)

	pending := &PendingConfirmation{
		Token:  "tok",
		URL:    "http://example.com",
		Status: ConfirmationStatusPending,
	}
	if err := db.SavePendingConfirmation(pending); err != nil {
		t.Fatalf("SavePendingConfirmation failed: %v", err)
	}

	// Consuming before approval must fail.
	if err := db.ConsumeConfirmation("tok"); err == nil {
		t.Error("Expected error consuming an unapproved confirmation")
	}

	if err := db.ApproveConfirmation("tok"); err != nil {
		t.Fatalf("ApproveConfirmation failed: %v", err)
	}
	// Approving twice must fail.
	if err := db.ApproveConfirmation("tok"); err == nil {
		t.Error("Expected error approving twice")
	}

	if err := db.ConsumeConfirmation("tok"); err != nil {
		t.Fatalf("ConsumeConfirmation failed: %v", err)
	}
	// Consuming twice must fail.
	if err := db.ConsumeConfirmation("tok"); err == nil {
		t.Error("Expected error consuming twice")
	}

	got, err := db.GetPendingConfirmation("tok")
	if err != nil {
		t.Fatalf("GetPendingConfirmation failed: %v", err)
	}
	if got.Status != ConfirmationStatusUsed {
		t.Errorf("Expected status %s, got %s", ConfirmationStatusUsed, got.Status)
	}
}

func TestGetPendingConfirmation_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetPendingConfirmation("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAuthChallenges(t *testing.T) {
	db := newTestDB(t)

	challenge := &AuthChallenge{
		Challenge: "abc",
		Hash:      "deadbeef",
		Status:    ChallengeStatusUnused,
		IssuedAt:  time.Now().UTC(),
	}
	if err := db.SaveAuthChallenge(challenge); err != nil {
		t.Fatalf("SaveAuthChallenge failed: %v", err)
	}

	got, err := db.GetAuthChallenge("deadbeef")
	if err != nil {
		t.Fatalf("GetAuthChallenge failed: %v", err)
	}
	if got.Challenge != "abc" {
		t.Errorf("Unexpected challenge: %s", got.Challenge)
	}

	if err := db.MarkChallengeUsed("deadbeef"); err != nil {
		t.Fatalf("MarkChallengeUsed failed: %v", err)
	}
	got, err = db.GetAuthChallenge("deadbeef")
	if err != nil {
		t.Fatalf("GetAuthChallenge failed: %v", err)
	}
	if got.Status != ChallengeStatusUsed {
		t.Errorf("Expected status %s, got %s", ChallengeStatusUsed, got.Status)
	}
}

func TestMetadata(t *testing.T) {
	db := newTestDB(t)

	if err := db.SetMetadata("schema", "1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := db.SetMetadata("schema", "2"); err != nil {
		t.Fatalf("SetMetadata update failed: %v", err)
	}

	value, err := db.GetMetadata("schema")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if value != "2" {
		t.Errorf("Expected value 2, got %s", value)
	}

	value, err = db.GetMetadata("missing")
	if err != nil || value != "" {
		t.Errorf("Expected empty value for missing key, got %q / %v", value, err)
	}
}
