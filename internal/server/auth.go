// Package server exposes the redaction pipeline over HTTP.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/dativo-io/redact/internal/requestctx"
)

// ParseAPIKeys turns "key" or "key:caller" entries into a key → caller
// map. Entries without a caller are named "key1", "key2", ... by position.
func ParseAPIKeys(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for i, e := range entries {
		key, caller, ok := strings.Cut(e, ":")
		key, caller = strings.TrimSpace(key), strings.TrimSpace(caller)
		if !ok || caller == "" {
			caller = "key" + strconv.Itoa(i+1)
		}
		if key != "" {
			out[key] = caller
		}
	}
	return out
}

// AuthMiddleware validates X-Redact-Key or Authorization: Bearer <key> and
// stores the caller name in the request context. apiKeys maps key → caller.
// With no keys configured every request passes and the caller is the
// client IP.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(apiKeys) == 0 {
				r = r.WithContext(requestctx.SetCaller(r.Context(), clientIP(r)))
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-Redact-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			var caller string
			if key != "" {
				for k, c := range apiKeys {
					if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
						caller = c
						break
					}
				}
			}
			if caller == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			r = r.WithContext(requestctx.SetCaller(r.Context(), caller))
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
