package auth

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuthenticator guards the admin routes with a single bearer token
// whose bcrypt hash is configured at start-up.
type AdminAuthenticator struct {
	hash []byte
}

func NewAdminAuthenticator(tokenHash string) *AdminAuthenticator {
	return &AdminAuthenticator{hash: []byte(strings.TrimSpace(tokenHash))}
}

// Enabled reports whether an admin token hash is configured.
func (a *AdminAuthenticator) Enabled() bool {
	return len(a.hash) > 0
}

func (a *AdminAuthenticator) Check(token string) bool {
	if !a.Enabled() || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
}

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *AdminAuthenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if !a.Check(bearerToken(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
