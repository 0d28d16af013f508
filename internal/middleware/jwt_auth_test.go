package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestOperatorToken_Roundtrip(t *testing.T) {
	token, err := GenerateOperatorToken("alice")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := ParseOperatorToken(token)
	assert.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
}

func TestParseOperatorToken_WrongSecret(t *testing.T) {
	old := jwtConfig
	defer SetJWTConfig(old)

	SetJWTConfig(&JWTConfig{SecretKey: "secret-a", AccessTokenTTL: time.Hour, Issuer: "cafe24-ops"})
	token, _ := GenerateOperatorToken("alice")

	SetJWTConfig(&JWTConfig{SecretKey: "secret-b", AccessTokenTTL: time.Hour, Issuer: "cafe24-ops"})
	_, err := ParseOperatorToken(token)
	assert.Error(t, err, "换密钥后旧 token 应失效")
}

func TestJWTAuth_Middleware(t *testing.T) {
	r := gin.New()
	r.GET("/protected", JWTAuth(), func(c *gin.Context) {
		c.JSON(200, gin.H{"operator": GetOperator(c)})
	})

	perform := func(auth string) *httptest.ResponseRecorder {
		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// 无认证头
	assert.Equal(t, http.StatusUnauthorized, perform("").Code)

	// 格式错误
	assert.Equal(t, http.StatusUnauthorized, perform("Basic abc").Code)

	// 伪造 token
	assert.Equal(t, http.StatusUnauthorized, perform("Bearer not-a-token").Code)

	// 合法 token
	token, _ := GenerateOperatorToken("bob")
	w := perform("Bearer " + token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bob")
}
