package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/promptcraft/internal/apierror"
)

// Deadline applies a request-wide deadline to everything below it. If the
// deadline fires before the handler has written anything, a 504 is returned.
// The handler goroutine is always waited for. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				defer close(done)
				next.ServeHTTP(dw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if dw.claim() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "request deadline exceeded")
				}
				<-done
			}
		})
	}
}

// deadlineWriter lets either the handler or the timeout path write the
// response, whichever claims it first.
type deadlineWriter struct {
	http.ResponseWriter

	mu       sync.Mutex
	claimed  bool
	timedOut bool
}

// claim is called by the timeout path. It reports whether the handler had
// not yet written, in which case later handler writes are discarded.
func (dw *deadlineWriter) claim() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.claimed {
		return false
	}
	dw.claimed = true
	dw.timedOut = true
	return true
}

func (dw *deadlineWriter) handlerWrite() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return false
	}
	dw.claimed = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	if dw.handlerWrite() {
		dw.ResponseWriter.WriteHeader(code)
	}
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	if !dw.handlerWrite() {
		return 0, http.ErrHandlerTimeout
	}
	return dw.ResponseWriter.Write(b)
}
