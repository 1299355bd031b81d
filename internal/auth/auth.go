// Package auth turns API bearer tokens into principals. A principal carries
// a name, recorded against the results it submits and the alerts it
// acknowledges, and the scopes it may use.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API. A ":rw" scope also grants the matching ":ro".
const (
	ScopeResultsRW = "results:rw"
	ScopeAlertsRO  = "alerts:ro"
	ScopeAlertsRW  = "alerts:rw"
	ScopeAuditRO   = "audit:ro"
	ScopeEventsRO  = "events:ro"
	ScopeAll       = "*"
)

var knownScopes = map[string]bool{
	ScopeResultsRW: true,
	ScopeAlertsRO:  true,
	ScopeAlertsRW:  true,
	ScopeAuditRO:   true,
	ScopeEventsRO:  true,
	ScopeAll:       true,
}

// KnownScope accepts every scope above plus the ":ro" half of a ":rw" one.
func KnownScope(scope string) bool {
	s := normalize(scope)
	if knownScopes[s] {
		return true
	}
	base, ok := strings.CutSuffix(s, ":ro")
	return ok && knownScopes[base+":rw"]
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrUnknownToken = errors.New("invalid API key")
)

// TokenConfig is a bearer token with a set of scopes. Name identifies the
// caller, e.g. "lis-east" or "ward-4-station".
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	scopes map[string]struct{}
}

// Admin returns a principal holding every scope.
func Admin(name string) Principal {
	return Principal{Name: name, scopes: map[string]struct{}{ScopeAll: {}}}
}

// Can reports whether p holds any of scopes. No scopes means no requirement.
func (p Principal) Can(scopes ...string) bool {
	if len(scopes) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range scopes {
		if _, ok := p.scopes[normalize(s)]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator checks bearer tokens against an admin key and scoped tokens.
type Authenticator struct {
	adminKey string
	tokens   []TokenConfig
}

func NewAuthenticator(adminKey string, tokens []TokenConfig) *Authenticator {
	return &Authenticator{adminKey: adminKey, tokens: tokens}
}

// Enabled is false when no credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.adminKey != "" || len(a.tokens) > 0
}

// Authenticate resolves the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	presented, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return Principal{}, ErrMissingToken
	}
	if equal(presented, a.adminKey) {
		return Admin("admin"), nil
	}
	for _, t := range a.tokens {
		if !equal(presented, t.Token) {
			continue
		}
		p := Principal{Name: t.Name, scopes: make(map[string]struct{}, len(t.Scopes))}
		for _, s := range t.Scopes {
			s = normalize(s)
			if s == "" {
				continue
			}
			p.scopes[s] = struct{}{}
			if resource, rw := strings.CutSuffix(s, ":rw"); rw {
				p.scopes[resource+":ro"] = struct{}{}
			}
		}
		return p, nil
	}
	return Principal{}, ErrUnknownToken
}

func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func equal(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalize(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}
