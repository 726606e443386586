package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests. Only
	// turn it on when TLS reaches the app or its proxy sets
	// X-Forwarded-Proto.
	EnableHSTS bool
	HSTSMaxAge time.Duration // default 180 days

	// NoStorePrefixes are path prefixes whose responses must never be
	// cached: chat transcripts, order data and session tokens.
	NoStorePrefixes []string

	// SandboxPrefixes are path prefixes serving customer-uploaded files.
	// Those responses get a sandbox CSP so an uploaded HTML or SVG file
	// cannot run script on the API origin.
	SandboxPrefixes []string
}

const (
	permissionsPolicy = "geolocation=(), microphone=(), camera=(), payment=()"
	sandboxPolicy     = "sandbox; default-src 'none'; img-src 'self'; media-src 'self'; style-src 'unsafe-inline'"
)

// SecurityHeaders sets the baseline hardening headers on every response
// plus the per-prefix cache and sandbox policies from opt.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := opt.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 180 * 24 * time.Hour
	}
	hsts := "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", permissionsPolicy)
		h.Set("X-Permitted-Cross-Domain-Policies", "none")

		path := c.Request.URL.Path
		if hasAnyPrefix(path, opt.NoStorePrefixes) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}
		if hasAnyPrefix(path, opt.SandboxPrefixes) {
			h.Set("Content-Security-Policy", sandboxPolicy)
			h.Set("Cross-Origin-Resource-Policy", "same-site")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		c.Next()
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isHTTPS reports whether the request arrived over TLS, directly or via a
// proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
