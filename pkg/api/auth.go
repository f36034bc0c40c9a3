package api

import (
	"context"
	"net/http"
	"strings"

	"friendsync/pkg/syncerr"
	"friendsync/pkg/types"
)

type contextKey string

const (
	IdentityContextKey contextKey = "identity"
	UserIDHeader       string     = "X-User-ID"
)

// UserFromContext returns the authenticated identity of a request.
func UserFromContext(ctx context.Context) (types.UserID, bool) {
	id, ok := ctx.Value(IdentityContextKey).(types.UserID)
	return id, ok && id != ""
}

// requireIdentity rejects requests without an authenticated identity. The
// identity header is set by the fronting authentication proxy.
func requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if id == "" {
			writeError(w, syncerr.New(syncerr.KindAuthenticationRequired, "missing "+UserIDHeader+" header"))
			return
		}
		ctx := context.WithValue(r.Context(), IdentityContextKey, types.UserID(id))
		next(w, r.WithContext(ctx))
	}
}
