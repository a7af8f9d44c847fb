// Package permission implements monotonic permission-token attenuation
// across delegation boundaries (spec §4.9).
//
// Grounded on the teacher repo's security.go DCT.Attenuate, which builds a
// child token by inheriting every parent caveat and appending new ones
// ("monotonic restriction"). This package generalizes that single Caveat
// chain into the three-dimensional scopes/actions/resources model spec.md
// requires, with glob intersection over resources and `!`-negation
// preserved, plus ed25519 signing so a downstream verifier can check a
// token was actually issued by this control plane and not forged further
// down the delegation chain.
package permission

import (
	"crypto/ed25519"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// Attenuator derives strictly-narrower child tokens from a parent token and
// signs tokens on request via Sign; Attenuate itself returns an unsigned
// token. The signing key never leaves the process; a verifier calls Verify
// with the corresponding public key.
type Attenuator struct {
	signKey ed25519.PrivateKey
}

// New creates an Attenuator with a freshly generated ed25519 keypair. The
// public half is exposed via PublicKey so it can be distributed to
// verifiers out of band.
func New() (*Attenuator, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate attenuator signing key: %w", err)
	}
	_ = pub
	return &Attenuator{signKey: priv}, nil
}

// PublicKey returns the public half of the signing keypair.
func (a *Attenuator) PublicKey() ed25519.PublicKey {
	return a.signKey.Public().(ed25519.PublicKey)
}

// Request is what a contract asks for when requesting a child token.
type Request struct {
	Scopes    []string
	Actions   []string
	Resources []string
	ExpiresAt time.Time
}

// Attenuate derives a child token from parent satisfying the invariants of
// spec §4.9: subset scopes/actions, glob-intersected resources, an
// expires_at no later than the parent's, and depth = parent.depth + 1.
// A requested widening of scopes, actions or resources is rejected; a
// requested expires_at later than the parent's (or a zero one) is clamped
// to the parent's expires_at.
func (a *Attenuator) Attenuate(parent types.PermissionToken, req Request) (types.PermissionToken, error) {
	scopes, err := subsetScopes(parent.Scopes, req.Scopes)
	if err != nil {
		return types.PermissionToken{}, err
	}
	actions, err := subsetStrings(parent.Actions, req.Actions, "action")
	if err != nil {
		return types.PermissionToken{}, err
	}
	resources, err := intersectResources(parent.Resources, req.Resources)
	if err != nil {
		return types.PermissionToken{}, err
	}

	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(parent.ExpiresAt) {
		expiresAt = parent.ExpiresAt
	}

	child := types.PermissionToken{
		TokenID:         "tok_" + uuid.NewString(),
		Scopes:          scopes,
		Actions:         actions,
		Resources:       resources,
		IssuedAt:        time.Now(),
		ExpiresAt:       expiresAt,
		DelegationDepth: parent.DelegationDepth + 1,
	}
	return child, nil
}

// Root mints an un-attenuated root token (no parent), used when a contract
// has no ParentContractID.
func (a *Attenuator) Root(req Request) types.PermissionToken {
	return types.PermissionToken{
		TokenID:         "tok_" + uuid.NewString(),
		Scopes:          append([]string(nil), req.Scopes...),
		Actions:         append([]string(nil), req.Actions...),
		Resources:       append([]string(nil), req.Resources...),
		IssuedAt:        time.Now(),
		ExpiresAt:       req.ExpiresAt,
		DelegationDepth: 0,
	}
}

// Sign produces a detached signature over the token's canonical bytes.
func (a *Attenuator) Sign(tok types.PermissionToken) []byte {
	return ed25519.Sign(a.signKey, canonicalize(tok))
}

// Verify checks sig against tok using pub.
func Verify(pub ed25519.PublicKey, tok types.PermissionToken, sig []byte) bool {
	return ed25519.Verify(pub, canonicalize(tok), sig)
}

func canonicalize(tok types.PermissionToken) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%d|%d",
		tok.TokenID,
		strings.Join(tok.Scopes, ","),
		strings.Join(tok.Actions, ","),
		strings.Join(tok.Resources, ","),
		tok.ExpiresAt.UnixNano(),
		tok.DelegationDepth)
	return []byte(b.String())
}

// subsetScopes enforces dotted-prefix inclusion: every requested scope must
// equal, or be a dotted-prefix descendant of, some parent scope.
func subsetScopes(parentScopes, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), parentScopes...), nil
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if !scopeWithinAny(parentScopes, r) {
			return nil, cerrors.NewPermissionAttenuationViolation(
				fmt.Sprintf("requested scope %q is not within any parent scope", r))
		}
		out = append(out, r)
	}
	return out, nil
}

func scopeWithinAny(parentScopes []string, scope string) bool {
	for _, p := range parentScopes {
		if scope == p || strings.HasPrefix(scope, p+".") {
			return true
		}
	}
	return false
}

func subsetStrings(parent, requested []string, label string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), parent...), nil
	}
	allowed := make(map[string]bool, len(parent))
	for _, p := range parent {
		allowed[p] = true
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if !allowed[r] {
			return nil, cerrors.NewPermissionAttenuationViolation(
				fmt.Sprintf("requested %s %q is not in parent's allowed set", label, r))
		}
		out = append(out, r)
	}
	return out, nil
}

// intersectResources narrows parent's resource glob set by the requested
// set. A requested pattern survives only if it is covered by some parent
// pattern (i.e. the parent pattern matches the requested pattern's
// non-wildcard prefix), preserving "!"-negations from both sides.
func intersectResources(parent, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), parent...), nil
	}

	var allow, deny []string
	for _, p := range parent {
		if strings.HasPrefix(p, "!") {
			deny = append(deny, p)
		} else {
			allow = append(allow, p)
		}
	}

	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if strings.HasPrefix(r, "!") {
			out = append(out, r)
			continue
		}
		if !coveredByAny(allow, r) {
			return nil, cerrors.NewPermissionAttenuationViolation(
				fmt.Sprintf("requested resource %q is not covered by any parent resource grant", r))
		}
		out = append(out, r)
	}
	out = append(out, deny...)
	return out, nil
}

// coveredByAny reports whether pattern is within the scope of any of
// parentPatterns — either an exact/glob match, or pattern is a more
// specific sub-path of a parent glob.
func coveredByAny(parentPatterns []string, pattern string) bool {
	for _, p := range parentPatterns {
		if p == "*" || p == pattern {
			return true
		}
		if ok, _ := filepath.Match(p, pattern); ok {
			return true
		}
		// A parent directory-style glob ("data/*") covers a more specific
		// descendant pattern ("data/raw/events") when the descendant falls
		// under the parent's fixed prefix.
		prefix := strings.TrimSuffix(p, "*")
		if prefix != p && strings.HasPrefix(pattern, prefix) {
			return true
		}
	}
	return false
}
