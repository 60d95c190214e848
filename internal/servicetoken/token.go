// Package servicetoken signs and checks the short-lived RS256 tokens that
// coursehub services present to each other on /internal routes.
package servicetoken

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenTTL = 60 * time.Second
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "internal-active"
)

var (
	// ErrMissingToken means the request carried no bearer token.
	ErrMissingToken = errors.New("service token required")
	// ErrInvalidToken wraps signature, claim and key failures.
	ErrInvalidToken = errors.New("invalid service token")
	// ErrIssuerNotAllowed means the token is well formed but was minted by a
	// service outside the verifier's allowlist.
	ErrIssuerNotAllowed = errors.New("service token issuer not allowed")
)

// Caller identifies the service behind a verified token.
type Caller struct {
	Service   string
	TokenID   string
	ExpiresAt time.Time
}

// SignerOptions configures a Signer. Issuer names the calling service.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// Signer mints one token per outgoing internal call.
type Signer struct {
	service string
	ttl     time.Duration
	kid     string
	key     *rsa.PrivateKey
	now     func() time.Time
}

func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	service := strings.TrimSpace(opts.Issuer)
	if service == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load internal jwt private key: %w", err)
	}
	s := &Signer{
		service: service,
		ttl:     opts.TTL,
		kid:     strings.TrimSpace(opts.KeyID),
		key:     key,
		now:     time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if s.kid == "" {
		s.kid = DefaultKeyID
	}
	return s, nil
}

// Sign returns a token addressed to the audience service. The subject and
// issuer are both the signing service.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := s.now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.service,
		Subject:   s.service,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	})
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// VerifierOptions configures a Verifier. PublicKeyPath is registered under
// DefaultKeyID; VerifyPublicKeyMap adds keys kept around during rotation.
type VerifierOptions struct {
	PublicKeyPath      string
	VerifyPublicKeyMap map[string]string
	DefaultKeyID       string
	Audience           string
	AllowedIssuers     []string
	Leeway             time.Duration
}

// Verifier accepts tokens addressed to one audience from an allowlist of
// issuing services.
type Verifier struct {
	audience string
	issuers  map[string]bool
	keys     map[string]*rsa.PublicKey
	parser   *jwt.Parser
}

func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	issuers := map[string]bool{}
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = true
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	keys, err := loadKeyring(opts)
	if err != nil {
		return nil, err
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{
		audience: audience,
		issuers:  issuers,
		keys:     keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}, nil
}

// Verify checks the token and names its caller. Failures wrap one of the
// package's sentinel errors.
func (v *Verifier) Verify(token string) (Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Caller{}, ErrMissingToken
	}
	claims := jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyFor); err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !v.issuers[claims.Issuer] {
		return Caller{}, fmt.Errorf("%w: %q", ErrIssuerNotAllowed, claims.Issuer)
	}
	switch {
	case claims.ID == "":
		return Caller{}, fmt.Errorf("%w: jti missing", ErrInvalidToken)
	case claims.Subject != claims.Issuer:
		return Caller{}, fmt.Errorf("%w: subject %q does not match issuer", ErrInvalidToken, claims.Subject)
	}
	return Caller{
		Service:   claims.Issuer,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown token key %q", kid)
	}
	return key, nil
}

// Authorize verifies the bearer token on r.
func (v *Verifier) Authorize(r *http.Request) (Caller, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Caller{}, ErrMissingToken
	}
	return v.Verify(token)
}

// BearerToken returns the token of an "Authorization: Bearer" header. The
// scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2". Blank input yields nil.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	var out map[string]string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, path, _ := strings.Cut(entry, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			return nil, fmt.Errorf("invalid verify key entry %q", entry)
		}
		if out == nil {
			out = map[string]string{}
		}
		out[kid] = path
	}
	return out, nil
}

func loadKeyring(opts VerifierOptions) (map[string]*rsa.PublicKey, error) {
	paths := map[string]string{}
	if path := strings.TrimSpace(opts.PublicKeyPath); path != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		paths[kid] = path
	}
	for kid, path := range opts.VerifyPublicKeyMap {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid != "" && path != "" {
			paths[kid] = path
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("internal service verifier requires rsa public key")
	}
	keys := make(map[string]*rsa.PublicKey, len(paths))
	for kid, path := range paths {
		key, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load internal verify key %q: %w", kid, err)
		}
		keys[kid] = key
	}
	return keys, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no pem block", path)
	}
	return block, nil
}

// loadPrivateKey accepts PKCS#1 and PKCS#8 encodings.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return key, nil
}
