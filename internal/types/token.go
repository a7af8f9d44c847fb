package types

import "time"

// PermissionToken is the delegated authority carried by a contract.
// Scopes are hierarchical dotted strings ("data.read.raw_events");
// resources are glob patterns, a leading "!" marking an exclusion.
type PermissionToken struct {
	TokenID         string    `json:"token_id"`
	Scopes          []string  `json:"scopes"`
	Actions         []string  `json:"actions"`
	Resources       []string  `json:"resources"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	DelegationDepth int       `json:"delegation_depth"`
}
