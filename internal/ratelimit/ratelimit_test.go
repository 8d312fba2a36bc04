package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"rollcall/internal/store"
)

func TestSanitizeKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "unknown"},
		{"196.21.5.3", "196.21.5.3"},
		{"2001:db8::1", "2001:db8::1"},
		{"196.21.5.3, 10.0.0.1", "196.21.5.3__10.0.0.1"},
		{"bad key!", "bad_key_"},
	}
	for _, tc := range cases {
		if got := SanitizeKey(tc.in); got != tc.want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGinMiddlewareBlocksOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	lim := New(store.NewMemory(), time.Minute, 3)

	r := gin.New()
	r.POST("/submit", lim.GinMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/submit", nil)
		req.RemoteAddr = "196.21.5.3:51000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusNoContent, do())
	}
	require.Equal(t, http.StatusTooManyRequests, do())

	// A different client gets its own window.
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.RemoteAddr = "10.1.2.3:51000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestNewDefaults(t *testing.T) {
	lim := New(store.NewMemory(), 0, 0)
	require.Equal(t, DefaultWindow, lim.window)
	require.Equal(t, DefaultMax, lim.max)
}
