package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal names the key a request authenticated with.
type Principal string

const (
	PrincipalAdmin  Principal = "admin"
	PrincipalIntake Principal = "intake"
)

func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalContextKey).(Principal)
	return p
}

// TokenAuth admits requests whose bearer token matches one of keys. Keys are
// checked in order and the first match names the principal. Empty keys are
// ignored; with no keys configured every request passes unauthenticated.
func TokenAuth(keys map[Principal]string) func(http.Handler) http.Handler {
	type entry struct {
		principal Principal
		hash      [32]byte
	}
	var entries []entry
	for _, p := range []Principal{PrincipalAdmin, PrincipalIntake} {
		if k := keys[p]; k != "" {
			entries = append(entries, entry{principal: p, hash: sha256.Sum256([]byte(k))})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(entries) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			got := sha256.Sum256([]byte(parts[1]))
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got[:], e.hash[:]) == 1 {
					if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
						info.principal = e.principal
					}
					ctx := context.WithValue(r.Context(), principalContextKey, e.principal)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "invalid API key")
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
