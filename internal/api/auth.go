package api

import (
	"net/http"
	"os"
	"strings"
)

// authorizer gates every endpoint except /healthz behind a static bearer
// token. With WHISPERD_API_TOKENS unset the API is open, the default for a
// single-host daemon.
type authorizer struct {
	enabled bool
	tokens  map[string]struct{}
}

func newAuthorizerFromEnv() *authorizer {
	raw := strings.TrimSpace(os.Getenv("WHISPERD_API_TOKENS"))
	if raw == "" {
		return &authorizer{}
	}
	tokens := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			tokens[entry] = struct{}{}
		}
	}
	return &authorizer{enabled: len(tokens) > 0, tokens: tokens}
}

func (a *authorizer) authorize(r *http.Request) (int, string) {
	if !a.enabled {
		return http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return http.StatusUnauthorized, "missing bearer token"
	}
	if _, ok := a.tokens[token]; !ok {
		return http.StatusUnauthorized, "invalid token"
	}
	return http.StatusOK, ""
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-Whisperd-Token"))
}
