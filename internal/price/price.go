// Package price provides BTC/USD quotes with caching and conversion helpers.
// Quotes are fetched from multiple sources with automatic fallback; when every
// source fails the service keeps serving the last good (or floor) value.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

const (
	// DefaultFallbackPrice is the conservative floor used when no source has
	// ever answered.
	DefaultFallbackPrice = 100_000.0

	// DefaultCacheDuration bounds how often upstream sources are queried.
	DefaultCacheDuration = 15 * time.Minute

	defaultStrikeURL    = "https://api.strike.me/v1/rates/ticker"
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"
	defaultCoinbaseURL  = "https://api.coinbase.com/v2/prices/BTC-USD/spot"
)

// Service fetches BTC/USD from Strike (when an API key is configured), then
// CoinGecko, then Coinbase. All conversions go through the cached quote.
type Service struct {
	client       *http.Client
	strikeAPIKey string

	// Overridable for tests.
	StrikeURL    string
	CoinGeckoURL string
	CoinbaseURL  string

	cacheDuration time.Duration
	fallbackPrice float64

	mu          sync.Mutex
	cachedPrice float64
	cacheExpiry time.Time
	cacheSource string
}

// NewService creates a price service. strikeAPIKey may be empty, in which
// case the Strike source is skipped.
func NewService(strikeAPIKey string) *Service {
	return &Service{
		client:        &http.Client{Timeout: 10 * time.Second},
		strikeAPIKey:  strikeAPIKey,
		StrikeURL:     defaultStrikeURL,
		CoinGeckoURL:  defaultCoinGeckoURL,
		CoinbaseURL:   defaultCoinbaseURL,
		cacheDuration: DefaultCacheDuration,
		fallbackPrice: DefaultFallbackPrice,
		cachedPrice:   DefaultFallbackPrice,
	}
}

// SetCacheDuration overrides the refresh window.
func (s *Service) SetCacheDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheDuration = d
}

// BTCPrice returns the current BTC/USD price. The cached value is served
// while fresh; otherwise one caller refreshes and everyone else observes
// either the prior value or the refreshed one, never a partial update.
func (s *Service) BTCPrice(ctx context.Context) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Before(s.cacheExpiry) {
		return s.cachedPrice
	}

	price, source, err := s.fetch(ctx)
	if err == nil && price > 0 {
		s.cachedPrice = price
		s.cacheExpiry = now.Add(s.cacheDuration)
		s.cacheSource = source
		logger.Info(fmt.Sprintf("Updated BTC price to $%.2f from %s", price, source))
		return s.cachedPrice
	}

	if s.cachedPrice > 0 {
		logger.Warn(fmt.Sprintf("Price fetch failed (%v), using cached price $%.2f", err, s.cachedPrice))
		return s.cachedPrice
	}

	logger.Warn(fmt.Sprintf("Price fetch failed (%v), using fallback price $%.2f", err, s.fallbackPrice))
	return s.fallbackPrice
}

// SatsToUSD converts satoshis to USD, rounded to cents.
func (s *Service) SatsToUSD(ctx context.Context, sats int64) float64 {
	btcPrice := s.BTCPrice(ctx)
	usd := float64(sats) / SatsPerBTC * btcPrice
	return math.Round(usd*100) / 100
}

// USDToSats converts USD to satoshis, rounded up so the result always covers
// the USD amount.
func (s *Service) USDToSats(ctx context.Context, usd float64) int64 {
	btcPrice := s.BTCPrice(ctx)
	return int64(math.Ceil(usd / btcPrice * SatsPerBTC))
}

// CachedPrice returns the last good price without any network call. It never
// fails: with no successful fetch yet, the floor value is returned.
func (s *Service) CachedPrice() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedPrice > 0 {
		return s.cachedPrice
	}
	return s.fallbackPrice
}

// CacheSource names the source of the cached price, or "" before any fetch.
func (s *Service) CacheSource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheSource
}

// CacheValid reports whether the cached quote is still fresh.
func (s *Service) CacheValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.cacheExpiry)
}

// fetch tries each source in order. Caller holds the lock.
func (s *Service) fetch(ctx context.Context) (float64, string, error) {
	var errs []error

	if s.strikeAPIKey != "" {
		price, err := s.fetchStrike(ctx)
		if err == nil {
			return price, "strike", nil
		}
		errs = append(errs, fmt.Errorf("strike: %w", err))
	}

	price, err := s.fetchCoinGecko(ctx)
	if err == nil {
		return price, "coingecko", nil
	}
	errs = append(errs, fmt.Errorf("coingecko: %w", err))

	price, err = s.fetchCoinbase(ctx)
	if err == nil {
		return price, "coinbase", nil
	}
	errs = append(errs, fmt.Errorf("coinbase: %w", err))

	return 0, "", fmt.Errorf("all price sources failed: %v", errs)
}

func (s *Service) fetchStrike(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.StrikeURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.strikeAPIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rates []struct {
		Amount         string `json:"amount"`
		SourceCurrency string `json:"sourceCurrency"`
		TargetCurrency string `json:"targetCurrency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return 0, err
	}

	for _, rate := range rates {
		if rate.SourceCurrency == "BTC" && rate.TargetCurrency == "USD" {
			var price float64
			if _, err := fmt.Sscanf(rate.Amount, "%f", &price); err != nil {
				return 0, fmt.Errorf("bad rate amount %q: %w", rate.Amount, err)
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("BTC/USD rate not found in response")
}

func (s *Service) fetchCoinGecko(ctx context.Context) (float64, error) {
	url := s.CoinGeckoURL + "?ids=bitcoin&vs_currencies=usd"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}

	if usd, ok := body["bitcoin"]["usd"]; ok && usd > 0 {
		return usd, nil
	}
	return 0, fmt.Errorf("BTC/USD not found in response")
}

func (s *Service) fetchCoinbase(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.CoinbaseURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}

	if body.Data.Amount == "" {
		return 0, fmt.Errorf("BTC/USD not found in response")
	}
	var price float64
	if _, err := fmt.Sscanf(body.Data.Amount, "%f", &price); err != nil {
		return 0, fmt.Errorf("bad spot amount %q: %w", body.Data.Amount, err)
	}
	return price, nil
}
