package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowd/crypto"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"

	// MaxBodyForSignature caps the body size that will be hashed.
	MaxBodyForSignature = 1 << 20

	operatorRole = "operator"
)

var (
	errUnknownAPIKey    = errors.New("unknown API key")
	errBadSignature     = errors.New("invalid signature")
	errNonceReplay      = errors.New("nonce already used")
	errTimestampSkew    = errors.New("timestamp outside allowed skew")
	errMissingCredential = errors.New("missing credentials")
)

// Principal is an authenticated API client together with the ledger identity
// the key acts as.
type Principal struct {
	APIKey  string
	Address [20]byte
}

type apiKeyEntry struct {
	secret  string
	address [20]byte
}

// Authenticator verifies API key + HMAC signatures on mutating requests and
// operator JWTs on administrative ones.
type Authenticator struct {
	keys      map[string]apiKeyEntry
	jwtSecret []byte
	skew      time.Duration
	nowFn     func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]time.Time
}

// APIKeyCredential is one accepted API key: identifier, signing secret and
// the bech32 ledger identity the key acts as.
type APIKeyCredential struct {
	Key     string
	Secret  string
	Address string
}

// NewAuthenticator builds an authenticator from the accepted API keys plus the
// shared operator JWT secret.
func NewAuthenticator(keys []APIKeyCredential, jwtSecret string, skew time.Duration, nowFn func() time.Time) (*Authenticator, error) {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	entries := make(map[string]apiKeyEntry, len(keys))
	for _, key := range keys {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(key.Address))
		if err != nil {
			return nil, fmt.Errorf("api key %q address: %w", key.Key, err)
		}
		entries[strings.TrimSpace(key.Key)] = apiKeyEntry{
			secret:  strings.TrimSpace(key.Secret),
			address: addr.Array(),
		}
	}
	return &Authenticator{
		keys:      entries,
		jwtSecret: []byte(jwtSecret),
		skew:      skew,
		nowFn:     nowFn,
		nonces:    make(map[string]time.Time),
	}, nil
}

// Authenticate validates the signature headers and returns the principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s header", errMissingCredential, HeaderAPIKey)
	}
	entry, ok := a.keys[apiKey]
	if !ok || entry.secret == "" {
		return nil, errUnknownAPIKey
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, fmt.Errorf("%w: %s header", errMissingCredential, HeaderTimestamp)
	}
	seconds, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(seconds, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("%w of %s", errTimestampSkew, a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, fmt.Errorf("%w: %s header", errMissingCredential, HeaderNonce)
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, fmt.Errorf("%w: %s header", errMissingCredential, HeaderSignature)
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(entry.secret, tsHeader, nonce, r.Method, r.URL.Path, body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errBadSignature
	}
	if a.replayed(apiKey, tsHeader, nonce, now) {
		return nil, errNonceReplay
	}
	return &Principal{APIKey: apiKey, Address: entry.address}, nil
}

// AuthenticateOperator validates the bearer token on administrative requests.
func (a *Authenticator) AuthenticateOperator(r *http.Request) error {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("%w: bearer token", errMissingCredential)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(a.nowFn))
	if err != nil {
		return fmt.Errorf("invalid operator token: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid operator token")
	}
	role, _ := claims["role"].(string)
	if role != operatorRole {
		return fmt.Errorf("operator role required, got %q", role)
	}
	return nil
}

func (a *Authenticator) replayed(apiKey, timestamp, nonce string, now time.Time) bool {
	key := apiKey + "|" + timestamp + "|" + nonce
	cutoff := now.Add(-2 * a.skew)
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	for k, seen := range a.nonces {
		if seen.Before(cutoff) {
			delete(a.nonces, k)
		}
	}
	if _, ok := a.nonces[key]; ok {
		return true
	}
	a.nonces[key] = now
	return false
}

// ComputeSignature derives the canonical HMAC-SHA256 signature for a request.
// The signed string is timestamp, nonce, method, path and the SHA-256 body
// digest joined by newlines.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	bodyDigest := sha256.Sum256(body)
	payload := strings.Join([]string{
		timestamp,
		nonce,
		strings.ToUpper(method),
		path,
		hex.EncodeToString(bodyDigest[:]),
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
