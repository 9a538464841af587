package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTAuth(secret, "alice"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	good, err := IssueToken(secret, "alice", time.Now())
	require.NoError(t, err)
	other, err := IssueToken(secret, "bob", time.Now())
	require.NoError(t, err)
	forged, err := IssueToken("another-secret", "alice", time.Now())
	require.NoError(t, err)
	expired, err := IssueToken(secret, "alice", time.Now().Add(-48*time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		code   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bad format", "Token " + good, "", http.StatusUnauthorized},
		{"bearer", "Bearer " + good, "", http.StatusOK},
		{"query", "", good, http.StatusOK},
		{"wrong user", "Bearer " + other, "", http.StatusForbidden},
		{"wrong secret", "Bearer " + forged, "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router().ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "alice", w.Body.String())
			}
		})
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(secret, "alice", time.Now())
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	_, err = ParseToken(secret, "not-a-token")
	assert.Error(t, err)
}
