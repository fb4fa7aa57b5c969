package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/store"
)

// clientIP returns the first well-formed address from the proxy headers, in
// priority order. An empty string means no trustworthy address was found.
func clientIP(c *gin.Context) string {
	for _, header := range []string{"cf-connecting-ip", "x-forwarded-for"} {
		for _, part := range strings.Split(c.GetHeader(header), ",") {
			candidate := strings.TrimSpace(part)
			if candidate == "" {
				continue
			}
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}
	return ""
}

// requestMeta collects the forwarded metadata persisted with submissions and
// passed through to the rate-limit gate.
func requestMeta(c *gin.Context) store.RequestMeta {
	return store.RequestMeta{
		IP:        clientIP(c),
		UserAgent: c.GetHeader("user-agent"),
		Referer:   c.GetHeader("referer"),
	}
}

// SubmissionRecovery converts panics on the public submission surface into
// the stable internal-error envelope.
func SubmissionRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in submission handler",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Error: "Failed to submit form",
					Code:  "RUNNER_INTERNAL_ERROR",
				})
			}
		}()
		c.Next()
	}
}
