// Package keys derives Nostr identities from BIP-39 mnemonics using the
// NIP-06 derivation path m/44'/1237'/0'/0/0.
package keys

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/tyler-smith/go-bip39"
)

// Identity is a derived Nostr keypair in both hex and bech32 forms.
type Identity struct {
	SecretKey string `json:"secretKey"`
	PublicKey string `json:"publicKey"`
	Nsec      string `json:"nsec"`
	Npub      string `json:"npub"`
	Mnemonic  string `json:"mnemonic,omitempty"`
}

// NewMnemonic generates a fresh 12-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives the account-0 Nostr identity for a mnemonic.
func FromMnemonic(mnemonic, passphrase string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %v", err)
	}

	// m/44'/1237'/0'/0/0
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 1237,
		hdkeychain.HardenedKeyStart + 0,
		0,
		0,
	}
	key := master
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key: %v", err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %v", err)
	}

	secretHex := hex.EncodeToString(privKey.Serialize())
	identity, err := FromSecretKey(secretHex)
	if err != nil {
		return nil, err
	}
	identity.Mnemonic = mnemonic
	return identity, nil
}

// FromSecretKey builds an Identity from a hex secret key.
func FromSecretKey(secretHex string) (*Identity, error) {
	pubkey, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %v", err)
	}

	nsec, err := nip19.EncodePrivateKey(secretHex)
	if err != nil {
		return nil, err
	}
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return nil, err
	}

	return &Identity{
		SecretKey: secretHex,
		PublicKey: pubkey,
		Nsec:      nsec,
		Npub:      npub,
	}, nil
}

// Generate creates a brand new identity with its mnemonic.
func Generate() (*Identity, error) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, err
	}
	return FromMnemonic(mnemonic, "")
}
