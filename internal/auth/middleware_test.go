package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "rollcall"
)

func newAuthedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", LecturerAuth(testKey, testIssuer), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"lecturerId": LecturerID(c)})
	})
	return r
}

func request(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// mintToken signs arbitrary claims so the rejection paths can present
// tokens IssueLecturerToken would never produce.
func mintToken(t *testing.T, subject, role, issuer, key string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func TestLecturerAuth(t *testing.T) {
	r := newAuthedRouter()

	token, _, err := IssueLecturerToken("lect-1", testIssuer, testKey, time.Minute)
	require.NoError(t, err)

	w := request(r, "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "lect-1")
}

func TestLecturerAuthRejects(t *testing.T) {
	r := newAuthedRouter()

	t.Run("missing header", func(t *testing.T) {
		require.Equal(t, http.StatusUnauthorized, request(r, "").Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		require.Equal(t, http.StatusUnauthorized, request(r, "Token abc").Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		token, _, err := IssueLecturerToken("lect-1", testIssuer, "other-key", time.Minute)
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, request(r, "Bearer "+token).Code)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, _, err := IssueLecturerToken("lect-1", "someone-else", testKey, time.Minute)
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, request(r, "Bearer "+token).Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		token := mintToken(t, "student-1", "student", testIssuer, testKey, time.Minute)
		require.Equal(t, http.StatusForbidden, request(r, "Bearer "+token).Code)
	})

	t.Run("expired", func(t *testing.T) {
		token, _, err := IssueLecturerToken("lect-1", testIssuer, testKey, -time.Minute)
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, request(r, "Bearer "+token).Code)
	})
}

func TestIssueLecturerTokenAndParse(t *testing.T) {
	before := time.Now()
	token, exp, err := IssueLecturerToken("lect-1", testIssuer, testKey, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, exp.Before(before.Add(time.Minute)))

	claims, err := Parse(token, testKey, testIssuer)
	require.NoError(t, err)
	require.Equal(t, "lect-1", claims.Subject)
	require.Equal(t, RoleLecturer, claims.Role)
}
