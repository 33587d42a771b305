// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. It never logs
// bodies, scrubs identifiers from query strings and header values, and masks
// credentials outright. Client addresses are sensitive here because the guest
// credit gate is keyed on them, so IPv4/IPv6 literals are scrubbed too; the
// remote address is logged only as a short hash prefix.
package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxQueryLogLength caps the number of bytes of the raw query string logged.
const maxQueryLogLength = 2048

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are additional header names (case-insensitive) whose values
	// are replaced with "[REDACTED]".
	MaskHeaders []string
	// SkipPaths are route paths that produce no access log line (e.g. /health).
	SkipPaths []string
	// Logger is the base logger; zero value means the global zerolog logger.
	Logger *zerolog.Logger
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	ipv4RE  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6RE  = regexp.MustCompile(`(?i)\b(?:[0-9a-f]{1,4}:){2,7}[0-9a-f]{1,4}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redact scrubs identifiers from s. UUIDs go first so the phone pattern never
// sees their digit groups; IPs go before phones for the same reason.
func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	s = ipv4RE.ReplaceAllString(s, "[REDACTED:ip]")
	s = ipv6RE.ReplaceAllString(s, "[REDACTED:ip]")
	s = phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
	return s
}

// clientTag is a stable, non-reversible tag for correlating requests from one
// address without logging the address itself.
func clientTag(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:6])
}

// RedactingLogger attaches a request-scoped logger (request id, user, route)
// for LoggerFrom and emits one access line per request once it completes:
// info for 2xx/3xx, warn for 4xx, error for 5xx or recorded gin errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization":       {},
		"proxy-authorization": {},
		"cookie":              {},
		"set-cookie":          {},
		"x-admin-token":       {},
		"x-forwarded-for":     {},
		"x-real-ip":           {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid := asString(c.Value(requestIDKey))
		if rid == "" {
			rid = c.GetHeader(requestIDHeader)
		}

		lctx := base.With().
			Str("request_id", rid).
			Str("user_id", userIDFromCtx(c)).
			Str("route", path)
		if taskNo := c.Param("task_no"); taskNo != "" {
			lctx = lctx.Str("task_no", taskNo)
		}
		reqLog := lctx.Logger()
		c.Set(loggerKey, &reqLog)

		if _, ok := skip[path]; ok {
			c.Next()
			return
		}

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = redact(strings.Join(vv, ", "))
		}
		query := redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0 || status >= 500:
			ev = reqLog.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", c.Errors.String())
			}
		case status >= 400:
			ev = reqLog.Warn()
		default:
			ev = reqLog.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("query", query).
			Str("client", clientTag(c.ClientIP())).
			Int("status", status).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
