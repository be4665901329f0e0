package api

import (
	"errors"
	"net/http"
)

var errReadOnlyListener = errors.New("READ_ONLY_LISTENER")

// readOnlyMiddleware restricts a handler chain to read-only HTTP methods,
// keeping local CLI access from mutating cluster state without going
// through the bearer-token-authenticated TCP admin API. It guards the
// local admin socket (CORE_LISTEN_PATH): GET and HEAD only, no register,
// send, or plan mutation.
func readOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isReadOnlyMethod(r.Method) {
			writeError(w, http.StatusForbidden, errReadOnlyListener,
				"write operations not allowed on the local admin socket; use the TCP admin API with a bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isReadOnlyMethod reports whether an HTTP method never mutates state.
func isReadOnlyMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
