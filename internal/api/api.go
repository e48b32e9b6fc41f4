package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/golang-jwt/jwt/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/refined-element/lightning-enable-mcp/internal/budget"
	"github.com/refined-element/lightning-enable-mcp/internal/config"
	"github.com/refined-element/lightning-enable-mcp/internal/database"
	"github.com/refined-element/lightning-enable-mcp/internal/l402"
	"github.com/refined-element/lightning-enable-mcp/internal/logger"
	"github.com/refined-element/lightning-enable-mcp/internal/price"
	"github.com/refined-element/lightning-enable-mcp/internal/wallet"
)

// API is the local control surface of the daemon. Authentication is a Nostr
// challenge/response: the operator signs a challenge event with their key and
// receives a short-lived JWT for the remaining endpoints.
type API struct {
	Config  *config.Store
	Budget  *budget.Service
	Prices  *price.Service
	Wallet  wallet.Wallet
	L402    *l402.Client
	DB      *database.DB
	BaseURL string

	// OnPayment, when set, is called after every successful payment.
	OnPayment func(url string, amountSats int64, amountUSD float64)
}

func NewAPI(cfg *config.Store, budgetSvc *budget.Service, prices *price.Service,
	w wallet.Wallet, client *l402.Client, db *database.DB) *API {
	svc := cfg.Service()
	baseURL := svc.ConfirmBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", svc.APIPort)
	}
	return &API{
		Config:  cfg,
		Budget:  budgetSvc,
		Prices:  prices,
		Wallet:  w,
		L402:    client,
		DB:      db,
		BaseURL: baseURL,
	}
}

// HandleChallengeRequest issues a login challenge bound to the operator's
// configured pubkey.
func (a *API) HandleChallengeRequest(w http.ResponseWriter, _ *http.Request) {
	logger.Info("Challenge requested...")
	pubKey := a.Config.Service().OperatorPubkey
	if pubKey == "" {
		http.Error(w, "Operator public key not configured", http.StatusInternalServerError)
		return
	}

	challenge, hash, err := generateChallenge()
	if err != nil {
		http.Error(w, "Failed to generate challenge", http.StatusInternalServerError)
		return
	}

	record := &database.AuthChallenge{
		Challenge: challenge,
		Hash:      hash,
		Status:    database.ChallengeStatusUnused,
		Pubkey:    pubKey,
		IssuedAt:  time.Now().UTC(),
	}
	if err := a.DB.SaveAuthChallenge(record); err != nil {
		http.Error(w, "Failed to save challenge", http.StatusInternalServerError)
		return
	}

	// Returned as an unsigned Nostr event for the frontend to sign.
	event := &nostr.Event{
		PubKey:    pubKey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   challenge,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(event); err != nil {
		http.Error(w, "Failed to encode event", http.StatusInternalServerError)
	}
}

func generateChallenge() (string, string, error) {
	timestamp := time.Now().Format(time.RFC3339Nano)
	letters := []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	challenge := make([]byte, 12)
	_, err := rand.Read(challenge)
	if err != nil {
		return "", "", err
	}
	for i := range challenge {
		challenge[i] = letters[challenge[i]%byte(len(letters))]
	}
	fullChallenge := fmt.Sprintf("%s-%s", string(challenge), timestamp)
	hash := sha256.Sum256([]byte(fullChallenge))
	return fullChallenge, hex.EncodeToString(hash[:]), nil
}

// VerifyChallenge checks the signed challenge event and exchanges it for a
// JWT.
func (a *API) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	logger.Info("Verifying challenge")
	var verifyPayload struct {
		Challenge string      `json:"challenge"`
		Event     nostr.Event `json:"event"`
	}

	if err := json.NewDecoder(r.Body).Decode(&verifyPayload); err != nil {
		http.Error(w, "Cannot parse JSON", http.StatusBadRequest)
		return
	}

	challengeHash := sha256.Sum256([]byte(verifyPayload.Challenge))
	hashString := hex.EncodeToString(challengeHash[:])
	challenge, err := a.DB.GetAuthChallenge(hashString)
	if err != nil || challenge.Status != database.ChallengeStatusUnused {
		http.Error(w, "Invalid or expired challenge", http.StatusUnauthorized)
		return
	}

	if time.Since(challenge.IssuedAt) > 2*time.Minute {
		a.DB.MarkChallengeUsed(challenge.Hash)
		http.Error(w, "Challenge expired", http.StatusUnauthorized)
		return
	}

	if verifyPayload.Event.PubKey != challenge.Pubkey {
		http.Error(w, "Public key mismatch", http.StatusUnauthorized)
		return
	}

	if !verifyEvent(&verifyPayload.Event) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	if err := a.DB.MarkChallengeUsed(challenge.Hash); err != nil {
		http.Error(w, "Failed to mark challenge as used", http.StatusInternalServerError)
		return
	}

	tokenString, err := GenerateJWT(challenge.Pubkey)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"token": tokenString}); err != nil {
		http.Error(w, "Failed to encode token", http.StatusInternalServerError)
	}
}

func verifyEvent(event *nostr.Event) bool {
	serialized := serializeEventForID(event)
	match, hash := hashAndCompare(serialized, event.ID)
	if !match {
		logger.Warn("Event hash does not match ID:", event.ID)
		return false
	}

	signatureBytes, err := hex.DecodeString(event.Sig)
	if err != nil {
		return false
	}
	signature, err := schnorr.ParseSignature(signatureBytes)
	if err != nil {
		return false
	}
	pubkeyBytes, err := hex.DecodeString(event.PubKey)
	if err != nil {
		return false
	}
	pubkey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return false
	}

	if !signature.Verify(hash, pubkey) {
		return false
	}

	valid, err := event.CheckSignature()
	if err != nil {
		logger.Warn("Error checking signature:", err)
		return false
	}
	return valid
}

func serializeEventForID(event *nostr.Event) []byte {
	serialized, err := json.Marshal([]interface{}{
		0,
		event.PubKey,
		event.CreatedAt,
		event.Kind,
		event.Tags,
		event.Content,
	})
	if err != nil {
		return nil
	}
	return serialized
}

func hashAndCompare(data []byte, hash string) (bool, []byte) {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]) == hash, h[:]
}

// GenerateJWT issues a short-lived token for the authenticated operator.
func GenerateJWT(userID string) (string, error) {
	expirationTime := time.Now().Add(15 * time.Minute)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
		},
	}

	signingKey := GetJWTKey()
	if signingKey == nil {
		return "", fmt.Errorf("JWT signing key not available")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}
