package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/unclebandit/rallymail-backend/internal/controller"
)

// Authenticator accepts "Authorization: Bearer <token>" for a configured
// token and records the matching staff ID on the request. With no tokens
// configured every request passes without a staff ID.
func Authenticator(tokens map[string]int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if ok {
				for known, staffID := range tokens {
					if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
						next.ServeHTTP(w, r.WithContext(controller.WithStaffID(r.Context(), staffID)))
						return
					}
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
		})
	}
}
