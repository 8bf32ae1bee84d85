package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-swap/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestJWTAuth(t *testing.T) {
	svc := auth.NewService("secret", time.Hour)
	svc.RegisterAPICredentials("client-1", "pw")
	tok, err := svc.GenerateToken(auth.Credentials{APIKey: "client-1", APISecret: "pw"})
	require.NoError(t, err)
	subTok, err := svc.IssueSubscribeToken("order-1", "client-1")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/private", JWTAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + tok.Token, http.StatusOK},
		{"lowercase scheme", "bearer " + tok.Token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"subscribe token", "Bearer " + subTok, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "client-1", w.Body.String())
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limits := DefaultLimits
	limits.Orders = Limit{Rate: rate.Every(time.Hour), Burst: 2}
	l := NewRateLimiter(ctx, limits)

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/api/v1/orders", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	// unlimited routes are unaffected
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
