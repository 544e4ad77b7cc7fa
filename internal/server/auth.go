package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ashita-ai/veritas/internal/auth"
	"github.com/ashita-ai/veritas/internal/model"
)

// HeaderAPIKey carries a full API key in "<key_id>.<secret>" form, as
// printed by the genkey tool. The key id selects the Argon2id entry to
// verify against.
const HeaderAPIKey = "X-API-Key"

// publicPaths require no credentials. The token endpoint authenticates
// through its own body, health and readiness feed probes, and the OpenAPI
// document is the public contract.
var publicPaths = map[string]bool{
	"/health":        true,
	"/ready":         true,
	"/openapi.yaml":  true,
	"/v1/auth/token": true,
}

// authDeps bundles what the auth middleware needs to verify a caller.
type authDeps struct {
	jwtMgr   *auth.JWTManager
	keychain *auth.Keychain
	verifier *auth.SignatureVerifier
}

// authMiddleware authenticates every non-public request and populates the
// context with the caller's claims. Callers present either a bearer JWT or
// a raw API key; when request signing is configured the signature is
// checked after the credential, so a stolen nonce cannot probe key
// validity.
func authMiddleware(deps authDeps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		claims, ok := authenticate(deps, w, r)
		if !ok {
			return
		}

		if deps.verifier.Enabled() {
			if !verifySignature(deps.verifier, w, r) {
				return
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the caller's identity from the Authorization or
// API-key header. It writes the error response itself on failure.
func authenticate(deps authDeps, w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return nil, false
		}
		claims, err := deps.jwtMgr.ValidateToken(parts[1])
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return nil, false
		}
		return claims, true
	}

	if raw := r.Header.Get(HeaderAPIKey); raw != "" {
		keyID, secret, found := strings.Cut(raw, ".")
		if !found || keyID == "" || secret == "" {
			// Burn the same hash cost as a real check so a malformed key
			// is indistinguishable from a wrong one by timing.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
			return nil, false
		}
		key, ok := deps.keychain.Verify(keyID, secret)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
			return nil, false
		}
		return &auth.Claims{KeyID: key.KeyID, Role: key.Role}, true
	}

	writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing credentials")
	return nil, false
}

// verifySignature checks the HMAC request signature covering timestamp,
// nonce, and body. The body is restored for the downstream handler. It
// writes the error response itself on failure.
func verifySignature(verifier *auth.SignatureVerifier, w http.ResponseWriter, r *http.Request) bool {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			handleDecodeError(w, r, err)
			return false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	err := verifier.Verify(
		r.Header.Get(auth.HeaderTimestamp),
		r.Header.Get(auth.HeaderNonce),
		r.Header.Get(auth.HeaderSignature),
		body,
	)
	if err == nil {
		return true
	}

	msg := "invalid request signature"
	switch {
	case errors.Is(err, auth.ErrStaleTimestamp):
		msg = "request timestamp outside allowed skew"
	case errors.Is(err, auth.ErrReplayedNonce):
		msg = "nonce already used"
	}
	writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, msg)
	return false
}

// requireRole returns middleware admitting only the listed roles.
func requireRole(roles ...model.Role) func(http.Handler) http.Handler {
	roleSet := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
				return
			}
			if !roleSet[claims.Role] {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerKeyFunc extracts the caller's key id for rate limiting. Admin
// callers are exempt. Routes in front of auth key by IP instead.
func callerKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role == model.RoleAdmin {
		return ""
	}
	return claims.KeyID
}
