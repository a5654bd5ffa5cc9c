package domain

import "context"

// orgScopeKey is a private context key so no other package can forge a scope.
type orgScopeKey struct{}

// WithOrgScope returns a context scoped to one organization. The scope lives
// only as long as the context of the logical operation (one sync job, one
// webhook request); nothing is parked on pooled connections.
func WithOrgScope(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgScopeKey{}, orgID)
}

// OrgScopeFromContext returns the active organization scope.
// A canonical-record access without a scope is a programming error, so
// callers must treat ErrNoTenantScope as fatal for the operation, never as
// "no filter".
func OrgScopeFromContext(ctx context.Context) (string, error) {
	orgID, ok := ctx.Value(orgScopeKey{}).(string)
	if !ok || orgID == "" {
		return "", ErrNoTenantScope
	}
	return orgID, nil
}
