package keys

import (
	"strings"
	"testing"
)

func TestFromMnemonic(t *testing.T) {
	// Known derivation vector for the m/44'/1237'/0'/0/0 path.
	mnemonic := "leader monkey parrot ring guide accident before fence cannon height naive bean"

	identity, err := FromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}

	if identity.SecretKey != "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a" {
		t.Errorf("Unexpected secret key: %s", identity.SecretKey)
	}
	if identity.PublicKey != "17162c921dc4d2518f9a101db33695df1afb56ab82f5ff3e5da6eec3ca5cd917" {
		t.Errorf("Unexpected public key: %s", identity.PublicKey)
	}
	if identity.Nsec != "nsec10allq0gjx7fddtzef0ax00mdps9t2kmtrldkyjfs8tgmrnlrktzsp3f9aq" {
		t.Errorf("Unexpected nsec: %s", identity.Nsec)
	}
	if identity.Npub != "npub1zutzeysacnf9rru6zqwmxd54mud0k44tst6l70ja5mhv8jjumytsd2x7nu" {
		t.Errorf("Unexpected npub: %s", identity.Npub)
	}
}

func TestFromMnemonic_Invalid(t *testing.T) {
	_, err := FromMnemonic("definitely not a valid mnemonic phrase", "")
	if err == nil {
		t.Fatal("Expected error for invalid mnemonic")
	}
}

func TestGenerate(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(identity.SecretKey) != 64 {
		t.Errorf("Expected 64-char hex secret key, got %d chars", len(identity.SecretKey))
	}
	if len(identity.PublicKey) != 64 {
		t.Errorf("Expected 64-char hex public key, got %d chars", len(identity.PublicKey))
	}
	if !strings.HasPrefix(identity.Nsec, "nsec1") {
		t.Errorf("Unexpected nsec: %s", identity.Nsec)
	}
	if !strings.HasPrefix(identity.Npub, "npub1") {
		t.Errorf("Unexpected npub: %s", identity.Npub)
	}
	if len(strings.Fields(identity.Mnemonic)) != 12 {
		t.Errorf("Expected 12-word mnemonic, got %q", identity.Mnemonic)
	}

	// The identity must round-trip through its own mnemonic.
	derived, err := FromMnemonic(identity.Mnemonic, "")
	if err != nil {
		t.Fatalf("FromMnemonic failed on generated mnemonic: %v", err)
	}
	if derived.SecretKey != identity.SecretKey {
		t.Error("Generated identity does not round-trip through its mnemonic")
	}
}
