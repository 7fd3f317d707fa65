// Package tenantctx carries the identity supplied by the external
// identity/context provider: the active tenant, company, branch and actor.
// The billing engine trusts it as-is; issuing sessions is out of scope.
package tenantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Identity is the request-scoped caller context.
type Identity struct {
	TenantID  snowflake.ID
	CompanyID snowflake.ID
	BranchID  snowflake.ID
	ActorID   snowflake.ID
	IsAdmin   bool
}

// Valid reports whether the identity is complete enough for a mutating call.
func (id Identity) Valid() bool {
	return id.TenantID != 0 && id.CompanyID != 0 && id.ActorID != 0
}

type contextKey struct{}

// WithIdentity stores the identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity from context, if set.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
