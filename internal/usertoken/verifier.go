package usertoken

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
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultIssuer          = "coursehub-identity"
	defaultAudience        = "coursehub-api"
	defaultLeeway          = 30 * time.Second
	defaultKeyTTL          = 5 * time.Minute
	defaultRefreshCooldown = 10 * time.Second
	maxJWKSBytes           = 1 << 20
)

var (
	// ErrInvalidToken covers every token the verifier rejects on its own
	// merits: bad signature, wrong issuer or audience, expiry, unknown kid or
	// a blank subject.
	ErrInvalidToken = errors.New("invalid user token")
	// ErrKeysUnavailable means the identity service's key set could not be
	// fetched, so the token could not be judged.
	ErrKeysUnavailable = errors.New("user token keys unavailable")

	errUnknownKey = errors.New("unknown token key")
)

// Config configures user access-token verification.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// RefreshCooldown is the minimum gap between refetches triggered by an
	// unknown kid. Expired key sets are always refetched.
	RefreshCooldown time.Duration
	HTTPClient      *http.Client
}

// Verifier checks identity-service access tokens (RS256, keys from JWKS) and
// yields the caller's user id. Refetches of the key set are collapsed so a burst
// of tokens with an unknown kid costs one request to the identity service.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	cooldown time.Duration
	jwksURL  string
	client   *http.Client
	now      func() time.Time
	fetches  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time
}

// NewVerifier builds a verifier and loads the key set once; an unreachable
// JWKS endpoint fails construction.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:   orDefault(cfg.Issuer, defaultIssuer),
		audience: orDefault(cfg.Audience, defaultAudience),
		leeway:   cfg.Leeway,
		cooldown: cfg.RefreshCooldown,
		jwksURL:  jwksURL,
		client:   cfg.HTTPClient,
		now:      time.Now,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.cooldown <= 0 {
		v.cooldown = defaultRefreshCooldown
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 5 * time.Second}
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.client.Timeout+time.Second)
	defer cancel()
	if err := v.fetchKeys(ctx); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}
	return v, nil
}

// VerifySubject validates token and returns its subject. Failures wrap
// ErrInvalidToken or ErrKeysUnavailable.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (string, error) {
	claims, err := v.verify(ctx, token)
	if err != nil {
		return "", err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return subject, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (jwt.RegisteredClaims, error) {
	claims, err := v.parse(token)
	if err == nil {
		return claims, nil
	}
	unknownKey := errors.Is(err, errUnknownKey)
	switch {
	case v.keysExpired():
	case unknownKey && v.refreshAllowed():
	default:
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, fetchErr, _ := v.fetches.Do("jwks", func() (any, error) {
		return nil, v.fetchKeys(ctx)
	}); fetchErr != nil {
		return claims, fmt.Errorf("%w: %v", ErrKeysUnavailable, fetchErr)
	}
	claims, err = v.parse(token)
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (v *Verifier) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if key := v.key(strings.TrimSpace(kid)); key != nil {
			return key, nil
		}
		return nil, errUnknownKey
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	return claims, err
}

func (v *Verifier) key(kid string) *rsa.PublicKey {
	if kid == "" {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys[kid]
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now().After(v.expiresAt)
}

func (v *Verifier) refreshAllowed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now().Sub(v.fetchedAt) >= v.cooldown
}

type jwkSet struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// fetchKeys replaces the cached key set. Only RSA signing keys usable with
// RS256 are kept.
func (v *Verifier) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		kid := strings.TrimSpace(k.Kid)
		switch {
		case kid == "", !strings.EqualFold(k.Kty, "RSA"):
			continue
		case k.Use != "" && k.Use != "sig":
			continue
		case k.Alg != "" && k.Alg != jwt.SigningMethodRS256.Alg():
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	now := v.now()
	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = now
	v.expiresAt = now.Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// parseCacheMaxAge returns the max-age directive of a Cache-Control header,
// or 0 when absent or malformed.
func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
