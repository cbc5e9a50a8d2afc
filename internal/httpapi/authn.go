package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/challenge",
	"/v1/auth/token",
	"/v1/info",
	"/v1/pool",
	"/v1/events",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// Read-only prefixes. /api/* mirrors the dashboard backend, which was open.
var publicPrefixes = []string{
	"/api/",
	"/v1/policies/",
	"/v1/token/balance/",
}

// withAuth attaches the caller's wallet address when a bearer token is
// present. A bad token is always rejected; a missing one only outside the
// public paths.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(authHeader)
		if strings.TrimSpace(header) == "" {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w, r, "missing bearer token")
			return
		}

		token, err := extractBearerToken(header)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				unauthorized(w, r, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithAddress(r.Context(), claims.Address())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the authenticated address or answers 401.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := auth.AddressFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return common.Address{}, false
	}
	return addr, true
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="spikeshield"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
