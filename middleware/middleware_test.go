package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/stakeledger/config"
	"github.com/cppla/stakeledger/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setConfig(c config.AppConfig) {
	c.JWTSecret = "middleware-test-secret"
	c.RedisPort = 1
	config.Set(c)
}

func TestLimiterSetBurstAndRefill(t *testing.T) {
	set := newLimiterSet(4)
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, set.allow("a", now))
	assert.True(t, set.allow("a", now))
	assert.False(t, set.allow("a", now))
	assert.True(t, set.allow("b", now))

	// one token per 15s at 4/min
	assert.True(t, set.allow("a", now.Add(16*time.Second)))
}

func TestLimiterSetEvictsIdle(t *testing.T) {
	set := newLimiterSet(60)
	now := time.Unix(1_700_000_000, 0)
	set.allow("a", now)
	set.allow("b", now.Add(limiterIdle+time.Second))
	assert.NotContains(t, set.visitors, "a")
	assert.Contains(t, set.visitors, "b")
}

func TestLimiterSetSweepsOncePerInterval(t *testing.T) {
	set := newLimiterSet(60)
	t0 := time.Unix(1_700_000_000, 0)
	set.allow("a", t0)
	set.allow("b", t0.Add(limiterIdle-time.Second))
	set.allow("c", t0.Add(limiterIdle+time.Second))
	assert.NotContains(t, set.visitors, "a")
	assert.Contains(t, set.visitors, "b")

	// b has expired but the last sweep is less than limiterIdle old
	set.allow("d", t0.Add(2*limiterIdle))
	assert.Contains(t, set.visitors, "b")

	set.allow("d", t0.Add(2*limiterIdle+2*time.Second))
	assert.NotContains(t, set.visitors, "b")
	assert.NotContains(t, set.visitors, "c")
	assert.Contains(t, set.visitors, "d")
}

func TestAuthRequired(t *testing.T) {
	setConfig(config.AppConfig{})
	r := gin.New()
	r.GET("/me", AuthRequired(), func(c *gin.Context) {
		utils.Success(c, gin.H{"user_id": c.GetString(ContextUserIDKey)})
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}

	token, claims, err := utils.GenerateToken("user-1", "alice", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")

	utils.RevokeToken(token, claims.ExpiresAt.Time)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "40104")
}

func TestAdminRequired(t *testing.T) {
	setConfig(config.AppConfig{AdminUsernames: []string{" Root "}})
	assert.True(t, IsAdmin("root"))
	assert.False(t, IsAdmin("alice"))
	assert.False(t, IsAdmin(""))

	r := gin.New()
	r.POST("/credit", func(c *gin.Context) {
		c.Set(ContextUsernameKey, c.Query("as"))
		c.Next()
	}, AdminRequired(), func(c *gin.Context) { utils.Success(c, nil) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/credit?as=ROOT", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/credit?as=alice", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUserRateLimitKeysByUser(t *testing.T) {
	setConfig(config.AppConfig{RateLimitPerMinute: 2})
	r := gin.New()
	r.GET("/op", func(c *gin.Context) {
		c.Set(ContextUserIDKey, c.Query("u"))
		c.Next()
	}, UserRateLimit(), func(c *gin.Context) { utils.Success(c, nil) })

	hit := func(u string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/op?u="+u, nil))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, hit("alice"))
	assert.Equal(t, http.StatusTooManyRequests, hit("alice"))
	assert.Equal(t, http.StatusOK, hit("bob"))
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := gin.New()
	r.Use(RequestMetrics(reg))
	r.GET("/stakes/:owner", func(c *gin.Context) { utils.Success(c, nil) })

	for _, owner := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stakes/"+owner, nil))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	n, err := testutil.GatherAndCount(reg, "stakeledger_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
