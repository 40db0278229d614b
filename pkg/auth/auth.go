// Package auth implements CD token scoping and operator bearer-token
// authentication. CD tokens are long-lived and statically scoped to one
// image kind (or, for the legacy wildcard token, to all kinds) — there is
// no join/expire lifecycle to manage, only a scope lookup.
package auth

import (
	"fmt"
	"sync"

	"github.com/cirisai/manager/pkg/types"
)

// legacyWildcardScope designates a token that may submit notifications
// for any image kind, for backward compatibility with pre-scoping
// deployments.
const legacyWildcardScope = "*"

// CDTokenAuthority validates CD-pipeline bearer tokens against their
// configured image-kind scope.
type CDTokenAuthority struct {
	mu     sync.RWMutex
	scopes map[string]types.ImageKind // token -> scope; legacyWildcardScope for wildcard
}

// NewCDTokenAuthority constructs an authority with no tokens configured.
// Tokens are registered via Register, typically once at startup from
// configuration.
func NewCDTokenAuthority() *CDTokenAuthority {
	return &CDTokenAuthority{scopes: map[string]types.ImageKind{}}
}

// Register binds a token to an image kind. Pass "" as kind to register a
// legacy wildcard token.
func (a *CDTokenAuthority) Register(token string, kind types.ImageKind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind == "" {
		a.scopes[token] = types.ImageKind(legacyWildcardScope)
		return
	}
	a.scopes[token] = kind
}

// Revoke removes a token.
func (a *CDTokenAuthority) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.scopes, token)
}

// ValidateScope checks that token exists and is permitted to populate
// every non-empty image field in notification. A wildcard token may
// populate any field.
func (a *CDTokenAuthority) ValidateScope(token string, notification types.UpdateNotification) error {
	a.mu.RLock()
	scope, ok := a.scopes[token]
	a.mu.RUnlock()

	if !ok {
		return fmt.Errorf("forbidden: unknown CD token")
	}
	if scope == types.ImageKind(legacyWildcardScope) {
		return nil
	}

	for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
		if image, present := notification.ImageFor(kind); present && image != "" && kind != scope {
			return fmt.Errorf("forbidden: token scoped to %s cannot populate %s", scope, kind)
		}
	}
	return nil
}

// OperatorAuthority validates operator bearer tokens for the HTTP
// endpoints that are not CD-facing (status, launch, cancel, rollback,
// agent lifecycle, canary assignment).
type OperatorAuthority struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewOperatorAuthority constructs an authority with no tokens configured.
func NewOperatorAuthority() *OperatorAuthority {
	return &OperatorAuthority{tokens: map[string]struct{}{}}
}

// Register adds a valid operator token.
func (a *OperatorAuthority) Register(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = struct{}{}
}

// Revoke removes an operator token.
func (a *OperatorAuthority) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

// Validate reports whether token is a registered operator token.
func (a *OperatorAuthority) Validate(token string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.tokens[token]; !ok {
		return fmt.Errorf("forbidden: invalid operator token")
	}
	return nil
}
