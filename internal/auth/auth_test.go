package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-key"
	testIssuer = "geoattend-test"
)

func TestIssueAndParse(t *testing.T) {
	tok, err := Issue(Claims{Subject: "u1", Role: RoleSupervisor, Email: "u1@example.edu"}, testIssuer, testKey, time.Minute)
	require.NoError(t, err)

	claims, err := Parse(tok.AccessToken, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "u1@example.edu", claims.Email)
	assert.True(t, claims.Supervisor())

	_, err = Parse(tok.AccessToken, "other-key", testIssuer)
	assert.Error(t, err)
	_, err = Parse(tok.AccessToken, testKey, "someone-else")
	assert.ErrorContains(t, err, "issuer mismatch")
}

func TestParseRejects(t *testing.T) {
	expired, err := Issue(Claims{Subject: "u1"}, testIssuer, testKey, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired.AccessToken, testKey, testIssuer)
	assert.Error(t, err)

	noSubject, err := Issue(Claims{}, testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	_, err = Parse(noSubject.AccessToken, testKey, testIssuer)
	assert.ErrorContains(t, err, "no subject")

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Subject: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = Parse(none, testKey, "")
	assert.Error(t, err)
}

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", Middleware(testKey, testIssuer))
	g.GET("/me", func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	g.GET("/admin", RequireRole(RoleSupervisor), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func call(t *testing.T, path string, claims *Claims) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if claims != nil {
		tok, err := Issue(*claims, testIssuer, testKey, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	w := httptest.NewRecorder()
	router().ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	w := call(t, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	w = call(t, "/me", &Claims{Subject: "u7", Role: RoleStudent})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u7", w.Body.String())

	w = call(t, "/admin", &Claims{Subject: "u7", Role: RoleStudent})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_A_SUPERVISOR")

	w = call(t, "/admin", &Claims{Subject: "s1", Role: RoleSupervisor})
	assert.Equal(t, http.StatusNoContent, w.Code)
}
