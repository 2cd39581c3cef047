// Package auth verifies bearer tokens and exposes the request identity.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Scope grants access to a family of operations.
type Scope string

// Scopes recognised by the API. Donor operations need only a valid subject.
const (
	ScopeCompliance Scope = "compliance"
	ScopeAdmin      Scope = "admin"
	ScopeCampaigns  Scope = "campaigns"
)

// Claims is the identity extracted from a verified token.
type Claims struct {
	Subject uuid.UUID
	Scopes  map[Scope]struct{}
}

// Has reports whether the claims carry scope. Admin implies every scope.
func (c *Claims) Has(scope Scope) bool {
	if c == nil {
		return false
	}
	if _, ok := c.Scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok := c.Scopes[scope]
	return ok
}

// Config controls signature verification.
type Config struct {
	Alg      string   `yaml:"alg"`
	Issuer   string   `yaml:"issuer"`
	Audience []string `yaml:"audience"`
	// HSSecret is the shared HS256 key; it is only read from the environment.
	HSSecret         string `yaml:"-" env:"SETTLEMENTD_JWT_SECRET"`
	RSAPublicKeyFile string `yaml:"rsa_public_key_file"`
	MaxSkewSeconds   int    `yaml:"max_skew_seconds"`
	ScopeClaim       string `yaml:"scope_claim"`
}

// Verifier validates tokens. It holds no per-request state.
type Verifier struct {
	method     jwt.SigningMethod
	key        any
	issuer     string
	audience   []string
	leeway     time.Duration
	scopeClaim string
	now        func() time.Time
}

// NewVerifier constructs a verifier from configuration.
func NewVerifier(cfg Config) (*Verifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audiences := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one JWT audience is required")
	}
	scopeClaim := strings.TrimSpace(cfg.ScopeClaim)
	if scopeClaim == "" {
		scopeClaim = "scope"
	}
	leeway := time.Duration(cfg.MaxSkewSeconds) * time.Second
	if cfg.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}

	v := &Verifier{issuer: issuer, audience: audiences, leeway: leeway, scopeClaim: scopeClaim, now: time.Now}
	switch alg := strings.ToUpper(strings.TrimSpace(cfg.Alg)); alg {
	case "", jwt.SigningMethodHS256.Alg():
		secret := strings.TrimSpace(cfg.HSSecret)
		if secret == "" {
			return nil, errors.New("HS256 secret must not be empty")
		}
		v.method = jwt.SigningMethodHS256
		v.key = []byte(secret)
	case jwt.SigningMethodRS256.Alg():
		pub, err := loadRSAPublicKey(cfg.RSAPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("resolve RS256 public key: %w", err)
		}
		v.method = jwt.SigningMethodRS256
		v.key = pub
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", alg)
	}
	return v, nil
}

// WithClock overrides the verifier's time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("JWT verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.key, nil }, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	sub, _ := claims["sub"].(string)
	subject, err := uuid.Parse(strings.TrimSpace(sub))
	if err != nil {
		return nil, errors.New("token subject must be a user id")
	}
	if !matchesAudience(extractStrings(claims["aud"]), v.audience) {
		return nil, errors.New("token audience mismatch")
	}
	scopes := make(map[Scope]struct{})
	for _, raw := range extractStrings(claims[v.scopeClaim]) {
		for _, field := range strings.Fields(raw) {
			scopes[Scope(strings.ToLower(field))] = struct{}{}
		}
	}
	return &Claims{Subject: subject, Scopes: scopes}, nil
}

// Middleware rejects requests without a valid bearer token and attaches the
// claims to the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext extracts the claims attached by Middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil {
		return nil, errors.New("missing identity in context")
	}
	return claims, nil
}

// RequireScope ensures the authenticated caller holds scope.
func RequireScope(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if !claims.Has(scope) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchesAudience(actual, expected []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(got, want) {
				return true
			}
		}
	}
	return false
}

func extractStrings(value any) []string {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return []string{trimmed}
		}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("RSA public key file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		switch block.Type {
		case "PUBLIC KEY":
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse RSA public key: %w", err)
			}
			rsaKey, ok := pub.(*rsa.PublicKey)
			if !ok {
				return nil, errors.New("parsed key is not RSA")
			}
			return rsaKey, nil
		case "RSA PUBLIC KEY":
			return x509.ParsePKCS1PublicKey(block.Bytes)
		}
	}
	return nil, errors.New("no RSA public key found in PEM data")
}
