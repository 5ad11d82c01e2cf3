// Package middleware provides the HTTP middleware shared by every promptcraft
// route: request IDs, access logging, metrics, panic recovery, security
// headers, CORS, body limits, and request deadlines.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dskow/promptcraft/internal/ratelimit"
	"github.com/dskow/promptcraft/internal/routing"
)

// LogLevelNone is a sentinel value indicating no log entry should be emitted.
// It is higher than any slog.Level so logger.Enabled() will always return false.
const LogLevelNone slog.Level = slog.LevelError + 100

// ParseLogLevel converts a path log level string to a slog.Level.
// Returns slog.LevelInfo for empty string (default).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return LogLevelNone
	default:
		return slog.LevelInfo
	}
}

// PathLevels returns a lookup that maps a request path to the level of the
// longest matching prefix in levels, defaulting to Info.
func PathLevels(levels map[string]string) func(string) slog.Level {
	if len(levels) == 0 {
		return nil
	}
	prefixes := make([]string, 0, len(levels))
	parsed := make(map[string]slog.Level, len(levels))
	for prefix, name := range levels {
		prefixes = append(prefixes, prefix)
		parsed[prefix] = ParseLogLevel(name)
	}
	return func(path string) slog.Level {
		if p, ok := routing.LongestMatch(path, prefixes); ok {
			return parsed[p]
		}
		return slog.LevelInfo
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingConfig holds the runtime options for the Logging middleware.
type LoggingConfig struct {
	BodyLogging     bool
	MaxBodyLogBytes int

	// TrustedProxies lets client_ip follow X-Forwarded-For the same way the
	// rate limiter does. Nil logs the TCP peer.
	TrustedProxies []*net.IPNet
}

const defaultMaxBodyLog = 4096

// Logging returns middleware that writes one structured access log entry
// per request: method, path, status, latency_ms, client_ip and request_id.
// routeLogLevel maps a path to its level (nil logs everything at Info).
// With cfg.BodyLogging set, JSON and text bodies are logged truncated, with
// secrets masked and image payloads elided.
func Logging(logger *slog.Logger, routeLogLevel func(string) slog.Level, cfg *LoggingConfig) func(http.Handler) http.Handler {
	if routeLogLevel == nil {
		routeLogLevel = func(string) slog.Level { return slog.LevelInfo }
	}
	if cfg == nil {
		cfg = &LoggingConfig{}
	}
	maxBody := cfg.MaxBodyLogBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyLog
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := routeLogLevel(r.URL.Path)
			if level == LogLevelNone {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			var (
				reqBody     string
				respCapture *bodyCapture
				out         http.ResponseWriter = w
			)
			if cfg.BodyLogging {
				if r.Body != nil && shouldLogBody(r.Header.Get("Content-Type")) {
					reqBody = captureRequestBody(r, maxBody)
				}
				respCapture = bodyCapturePool.Get().(*bodyCapture)
				respCapture.Reset()
				respCapture.maxBytes = maxBody
				defer bodyCapturePool.Put(respCapture)
				out = &bodyRecorder{ResponseWriter: w, capture: respCapture}
			}

			recorder := &statusRecorder{ResponseWriter: out, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", ratelimit.ClientIP(r, cfg.TrustedProxies),
				"request_id", GetRequestID(r.Context()),
			}
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if respCapture != nil && shouldLogBody(respCapture.contentType) {
				if body := respCapture.String(); body != "" {
					attrs = append(attrs, "response_body", redactSensitive(body))
				}
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// shouldLogBody reports whether contentType is text-based. An unset type is
// accepted since handlers often decode JSON without the header.
func shouldLogBody(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "form-urlencoded")
}

// captureRequestBody reads and replaces r.Body, returning up to maxBytes
// of the body as a string.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	tee := io.TeeReader(r.Body, &buf)
	limited := io.LimitReader(tee, int64(maxBytes)+1)
	captured, _ := io.ReadAll(limited)
	// Reconstruct body for downstream handlers.
	r.Body = io.NopCloser(io.MultiReader(&buf, r.Body))

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

// sensitiveFieldRe matches JSON key-value pairs for sensitive fields.
var sensitiveFieldRe = regexp.MustCompile(
	`(?i)"(?:password|secret|token|key|apikey|api_key|authorization)"\s*:\s*"[^"]*"`,
)

// imageFieldRe matches inline image payloads, which are elided rather than
// logged as base64.
var imageFieldRe = regexp.MustCompile(
	`"(?:image|targetImage|generatedImage)"\s*:\s*"[^"]*"?`,
)

// redactSensitive masks sensitive values and elides image payloads.
func redactSensitive(s string) string {
	s = imageFieldRe.ReplaceAllStringFunc(s, func(match string) string {
		colon := strings.Index(match, ":")
		return match[:colon] + `:"[image]"`
	})
	return sensitiveFieldRe.ReplaceAllStringFunc(s, func(match string) string {
		colonQuote := strings.LastIndex(match, `"`)
		inner := match[:colonQuote]
		valueOpen := strings.LastIndex(inner, `"`)
		if valueOpen == -1 {
			return match
		}
		return match[:valueOpen+1] + "***" + `"`
	})
}

// bodyCapturePool reuses bodyCapture structs to reduce GC pressure in the
// logging hot path. Each request with body logging enabled gets/puts one.
var bodyCapturePool = sync.Pool{
	New: func() any { return &bodyCapture{} },
}

// bodyCapture collects response body bytes up to a limit.
type bodyCapture struct {
	buf         bytes.Buffer
	maxBytes    int
	contentType string
}

// Reset clears the bodyCapture for reuse via the pool.
func (bc *bodyCapture) Reset() {
	bc.buf.Reset()
	bc.maxBytes = 0
	bc.contentType = ""
}

func (bc *bodyCapture) Write(p []byte) {
	remaining := bc.maxBytes - bc.buf.Len()
	if remaining <= 0 {
		return
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	bc.buf.Write(p)
}

func (bc *bodyCapture) String() string {
	return bc.buf.String()
}

// bodyRecorder wraps ResponseWriter to capture response body bytes.
type bodyRecorder struct {
	http.ResponseWriter
	capture       *bodyCapture
	headerWritten bool
}

func (br *bodyRecorder) WriteHeader(code int) {
	if !br.headerWritten {
		br.headerWritten = true
		br.capture.contentType = br.ResponseWriter.Header().Get("Content-Type")
	}
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	if !br.headerWritten {
		br.headerWritten = true
		br.capture.contentType = br.ResponseWriter.Header().Get("Content-Type")
	}
	br.capture.Write(b)
	return br.ResponseWriter.Write(b)
}
