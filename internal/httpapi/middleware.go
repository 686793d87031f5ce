package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/kuuji/monitor360/internal/store"
)

type ownerIDKey struct{}

// bearerToken extracts the JWT the same way wsfanout's WS handshake does:
// Authorization header, ?token= query parameter, or sb-access-token
// cookie, per spec.md §4.G/§6.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
		return auth
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie("sb-access-token"); err == nil {
		return c.Value
	}
	return ""
}

// auth wraps a handler with bearer-JWT verification, per spec.md §6:
// "every non-public route requires a bearer JWT whose verified sub is the
// owner." The verified owner_id is stashed in the request context.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ownerID, err := s.deps.Verifier.VerifyToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ownerIDKey{}, ownerID)
		next(w, r.WithContext(ctx))
	}
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerIDKey{}).(string)
	return owner
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeStoreError maps a store error to the taxonomy in spec.md §7:
// ErrNotFound becomes 404, anything else is an upstream 500.
func writeStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, notFound.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
