package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func protectedRouter(j *JWTMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", j.Authenticate(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	return router
}

func getProtected(router *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware_TokenLifecycle(t *testing.T) {
	_, client := newTestRedis(t)
	j := NewJWTMiddleware(testSecret, "storebroker", client, 15*time.Minute, zap.NewNop())
	router := protectedRouter(j)

	token, jti, err := j.GenerateAccessToken("user-1")
	require.NoError(t, err)

	w := getProtected(router, "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")

	require.NoError(t, j.RevokeToken(context.Background(), jti, time.Minute))

	w = getProtected(router, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_REVOKED")
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	_, client := newTestRedis(t)
	j := NewJWTMiddleware(testSecret, "storebroker", client, 15*time.Minute, zap.NewNop())
	router := protectedRouter(j)

	t.Run("missing header", func(t *testing.T) {
		w := getProtected(router, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := getProtected(router, "not-a-bearer-token")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong signing secret", func(t *testing.T) {
		other := NewJWTMiddleware("another-secret-another-secret-12", "storebroker", client, 15*time.Minute, zap.NewNop())
		token, _, err := other.GenerateAccessToken("user-1")
		require.NoError(t, err)

		w := getProtected(router, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTMiddleware(testSecret, "someone-else", client, 15*time.Minute, zap.NewNop())
		token, _, err := other.GenerateAccessToken("user-1")
		require.NoError(t, err)

		w := getProtected(router, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		short := NewJWTMiddleware(testSecret, "storebroker", client, -time.Minute, zap.NewNop())
		token, _, err := short.GenerateAccessToken("user-1")
		require.NoError(t, err)

		w := getProtected(router, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestJWTMiddleware_FailsClosedWithoutRedis(t *testing.T) {
	mr, client := newTestRedis(t)
	j := NewJWTMiddleware(testSecret, "storebroker", client, 15*time.Minute, zap.NewNop())
	router := protectedRouter(j)

	token, _, err := j.GenerateAccessToken("user-1")
	require.NoError(t, err)

	mr.Close()

	w := getProtected(router, "Bearer "+token)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code,
		"revocation checks must not be skipped when the blocklist is unreachable")
}

func TestJWTMiddleware_ParseToken(t *testing.T) {
	_, client := newTestRedis(t)
	j := NewJWTMiddleware(testSecret, "storebroker", client, 15*time.Minute, zap.NewNop())

	token, jti, err := j.GenerateAccessToken("user-42")
	require.NoError(t, err)

	claims, err := j.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.Equal(t, jti, claims.JTI)
	assert.Equal(t, "storebroker", claims.Issuer)
}
