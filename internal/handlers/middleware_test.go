package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func contextWithHeaders(headers map[string]string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	return c
}

func TestClientIPPrefersCloudflareHeader(t *testing.T) {
	c := contextWithHeaders(map[string]string{
		"cf-connecting-ip": "203.0.113.9",
		"x-forwarded-for":  "198.51.100.1",
	})
	assert.Equal(t, "203.0.113.9", clientIP(c))
}

func TestClientIPFallsBackToForwardedFor(t *testing.T) {
	c := contextWithHeaders(map[string]string{
		"x-forwarded-for": "198.51.100.1, 10.0.0.1",
	})
	assert.Equal(t, "198.51.100.1", clientIP(c))
}

func TestClientIPSkipsMalformedEntries(t *testing.T) {
	c := contextWithHeaders(map[string]string{
		"cf-connecting-ip": "not-an-ip",
		"x-forwarded-for":  " , garbage, 2001:db8::1",
	})
	assert.Equal(t, "2001:db8::1", clientIP(c))
}

func TestClientIPEmptyWhenNothingParses(t *testing.T) {
	c := contextWithHeaders(map[string]string{"x-forwarded-for": "internal-proxy"})
	assert.Equal(t, "", clientIP(c))
}

func TestRequestMetaCollectsHeaders(t *testing.T) {
	c := contextWithHeaders(map[string]string{
		"cf-connecting-ip": "203.0.113.9",
		"User-Agent":       "runner-test",
		"Referer":          "https://example.com/contact",
	})

	meta := requestMeta(c)
	assert.Equal(t, "203.0.113.9", meta.IP)
	assert.Equal(t, "runner-test", meta.UserAgent)
	assert.Equal(t, "https://example.com/contact", meta.Referer)
}

func TestSubmissionRecoveryConvertsPanics(t *testing.T) {
	router := gin.New()
	router.GET("/boom", SubmissionRecovery(), func(c *gin.Context) {
		panic("unexpected schema state")
	})

	w := perform(router, http.MethodGet, "/boom", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	resp := decodeError(t, w)
	assert.Equal(t, "Failed to submit form", resp.Error)
	assert.Equal(t, "RUNNER_INTERNAL_ERROR", resp.Code)
}
