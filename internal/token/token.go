// Package token implements the signed-JWT OAuth client-credentials flow
// (C1 in the design) that exchanges each target's RSA identity for a short
// lived bearer token at its authorization endpoint, caching the result
// until shortly before it expires.
package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ghrunner/broker-proxy/internal/target"
)

// jwtLifetime is how long the signed client-assertion JWT itself is valid for
// — not to be confused with the bearer token it is exchanged for.
const jwtLifetime = 60 * time.Second

// refreshMargin is how far before expiry a cached token is considered stale
// and eligible for renewal.
const refreshMargin = 60 * time.Second

// OAuthError wraps a non-200 response from a target's authorization URL.
type OAuthError struct {
	TargetID   string
	StatusCode int
	Body       string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("token: oauth exchange for target %s failed: status %d: %s", e.TargetID, e.StatusCode, e.Body)
}

// clientAssertionClaims are the claims embedded in the signed JWT sent as
// the client_assertion in the client-credentials exchange.
type clientAssertionClaims struct {
	jwt.RegisteredClaims
}

// Manager mints and caches bearer tokens for every target. The cache is a
// single shared map keyed by target ID, as the design calls for; per-target
// mutation is additionally serialized by the upstream driver calling one
// poll per target per tick, but the map itself still needs its own lock
// because status-reporting and the local HTTP forward path may read it
// concurrently.
type Manager struct {
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	tokens map[string]oauth2.Token
}

// New creates a Manager. httpClient may be nil, in which case a client with
// a 60s timeout is used (matching the spec's HTTPS read timeout).
func New(httpClient *http.Client, logger *zap.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Manager{
		httpClient: httpClient,
		logger:     logger.Named("token"),
		tokens:     make(map[string]oauth2.Token),
	}
}

// GetToken returns a valid bearer token for tg, refreshing it if the cached
// entry is missing or within refreshMargin of expiry.
func (m *Manager) GetToken(ctx context.Context, tg *target.Target) (string, error) {
	m.mu.Lock()
	cached, ok := m.tokens[tg.ID]
	m.mu.Unlock()

	if ok && time.Now().Add(refreshMargin).Before(cached.Expiry) {
		return cached.AccessToken, nil
	}

	tok, err := m.mint(ctx, tg)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.tokens[tg.ID] = tok
	m.mu.Unlock()

	return tok.AccessToken, nil
}

// mint builds the RSA private key from tg's stored parameters, signs a
// client-assertion JWT, and exchanges it for a bearer token.
func (m *Manager) mint(ctx context.Context, tg *target.Target) (oauth2.Token, error) {
	privateKey, err := buildRSAPrivateKey(tg.RSAParams)
	if err != nil {
		return oauth2.Token{}, fmt.Errorf("token: building rsa key for target %s: %w", tg.ID, err)
	}

	assertion, err := signClientAssertion(privateKey, tg.Credentials.ClientID, tg.Credentials.AuthorizationURL)
	if err != nil {
		return oauth2.Token{}, fmt.Errorf("token: signing client assertion for target %s: %w", tg.ID, err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tg.Credentials.AuthorizationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return oauth2.Token{}, fmt.Errorf("token: building oauth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return oauth2.Token{}, fmt.Errorf("token: oauth request to target %s: %w", tg.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return oauth2.Token{}, fmt.Errorf("token: reading oauth response for target %s: %w", tg.ID, err)
	}

	if resp.StatusCode != http.StatusOK {
		return oauth2.Token{}, &OAuthError{TargetID: tg.ID, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return oauth2.Token{}, fmt.Errorf("token: decoding oauth response for target %s: %w", tg.ID, err)
	}

	if body.AccessToken == "" {
		return oauth2.Token{}, &OAuthError{TargetID: tg.ID, StatusCode: resp.StatusCode, Body: "empty access_token"}
	}

	now := time.Now()
	tok := oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   "Bearer",
		Expiry:      now.Add(time.Duration(body.ExpiresIn) * time.Second),
	}

	m.logger.Debug("minted bearer token",
		zap.String("target_id", tg.ID),
		zap.Time("expiry", tok.Expiry),
	)

	return tok, nil
}

// signClientAssertion builds and signs the compact JWT sent as the
// client_assertion parameter in the token exchange.
func signClientAssertion(key *rsa.PrivateKey, clientID, audience string) (string, error) {
	now := time.Now()
	claims := clientAssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    clientID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return tok.SignedString(key)
}

// buildRSAPrivateKey assembles an *rsa.PrivateKey from the base64-encoded
// components stored in the .credentials_rsaparams file. It reads d, p, q,
// modulus and exponent; the stored dp, dq and inverseQ values are not read,
// because Precompute derives the same CRT values from p, q and d. The
// on-disk values are standard base64; they are normalized to base64url
// (no padding) internally before decoding.
func buildRSAPrivateKey(p target.RSAParams) (*rsa.PrivateKey, error) {
	d, err := decodeBigInt(p.D)
	if err != nil {
		return nil, fmt.Errorf("decoding d: %w", err)
	}
	pPrime, err := decodeBigInt(p.P)
	if err != nil {
		return nil, fmt.Errorf("decoding p: %w", err)
	}
	qPrime, err := decodeBigInt(p.Q)
	if err != nil {
		return nil, fmt.Errorf("decoding q: %w", err)
	}
	n, err := decodeBigInt(p.Modulus)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := decodeExponent(p.Exponent)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	if n.Sign() == 0 || pPrime.Sign() == 0 || qPrime.Sign() == 0 {
		return nil, errors.New("rsa parameters missing required components")
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: n,
			E: e,
		},
		D:      d,
		Primes: []*big.Int{pPrime, qPrime},
	}

	key.Precompute()

	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("validating assembled rsa key: %w", err)
	}

	return key, nil
}

// decodeBigInt decodes a base64 (standard or url-safe, padded or not)
// string into a big.Int. Upstream credential files are observed to use
// standard base64; this is tolerant of url-safe variants too since the
// spec calls for converting to base64url when assembling the key.
func decodeBigInt(s string) (*big.Int, error) {
	b, err := decodeFlexibleBase64(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func decodeExponent(s string) (int, error) {
	b, err := decodeFlexibleBase64(s)
	if err != nil {
		return 0, err
	}
	n := new(big.Int).SetBytes(b)
	if !n.IsInt64() {
		return 0, errors.New("exponent out of range")
	}
	return int(n.Int64()), nil
}

func decodeFlexibleBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	// Normalize to base64url without padding, as the spec describes.
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.TrimRight(s, "=")

	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s + strings.Repeat("=", (4-len(s)%4)%4))
}
