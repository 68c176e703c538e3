package errors

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/mfsolve/internal/logging"
)

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Recovered from panic", map[string]interface{}{
						"error":  rec,
						"stack":  string(debug.Stack()),
						"method": r.Method,
						"path":   r.URL.Path,
					})
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// WriteJSON answers err as {"error": message} with the status HTTPStatus
// picks for it. Server errors are logged with their stack.
func WriteJSON(w http.ResponseWriter, logger *logging.Logger, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		fields := map[string]interface{}{"error": err.Error()}
		var e *Error
		if As(err, &e) && len(e.Stack) > 0 {
			fields["stack"] = e.Stack
		}
		logger.Error("Request failed", fields)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
