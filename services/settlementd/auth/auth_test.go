package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Issuer: "fundledger", Audience: []string{"settlementd"}, HSSecret: testSecret})
	require.NoError(t, err)
	return v
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func baseClaims(subject uuid.UUID, scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   subject.String(),
		"iss":   "fundledger",
		"aud":   []string{"settlementd"},
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
}

func TestVerifyExtractsSubjectAndScopes(t *testing.T) {
	user := uuid.New()
	claims, err := newVerifier(t).Verify(sign(t, baseClaims(user, "compliance campaigns")))
	require.NoError(t, err)
	require.Equal(t, user, claims.Subject)
	require.True(t, claims.Has(ScopeCompliance))
	require.False(t, claims.Has(ScopeAdmin))
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := newVerifier(t)
	user := uuid.New()

	wrongAudience := baseClaims(user, "")
	wrongAudience["aud"] = "other"
	_, err := v.Verify(sign(t, wrongAudience))
	require.Error(t, err)

	expired := baseClaims(user, "")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err = v.Verify(sign(t, expired))
	require.Error(t, err)

	notUUID := baseClaims(user, "")
	notUUID["sub"] = "alice"
	_, err = v.Verify(sign(t, notUUID))
	require.Error(t, err)
}

func TestMiddlewareAndRequireScope(t *testing.T) {
	v := newVerifier(t)
	handler := v.Middleware(RequireScope(ScopeCompliance)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		require.NoError(t, err)
		_, _ = w.Write([]byte(claims.Subject.String()))
	})))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"scheme", "Basic abc", http.StatusUnauthorized},
		{"scope", "Bearer " + sign(t, baseClaims(uuid.New(), "campaigns")), http.StatusForbidden},
		{"admin", "Bearer " + sign(t, baseClaims(uuid.New(), "admin")), http.StatusOK},
		{"ok", "Bearer " + sign(t, baseClaims(uuid.New(), "compliance")), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}
