package middleware

import (
	"net/http"

	"github.com/dskow/promptcraft/internal/apierror"
)

// BodyLimit rejects request bodies larger than maxBytes with 413. A known
// Content-Length is checked upfront; chunked bodies are wrapped in
// http.MaxBytesReader and handlers report the overflow via WriteBodyLimitError.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError writes the 413 JSON error.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
}
