// Package auth provides request identity extraction and owner scoping.
package auth

import (
	"context"
)

// SystemOwner is the sentinel owner for bulk-synced assistants. Records owned
// by it are readable by every authenticated user but mutable by nobody else.
const SystemOwner = "system"

// AuthUser is the request-scoped identity. It is never persisted; it flows via
// the request context into the scheduler and streaming engine.
type AuthUser struct {
	Identity string `json:"identity"`
	Email    string `json:"email,omitempty"`
	OrgID    string `json:"org_id,omitempty"`
}

// Owner returns the owner scope for persistence queries.
func (u AuthUser) Owner() string {
	return u.Identity
}

type contextKey struct{}

var userKey contextKey

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user AuthUser) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// FromContext returns the authenticated user stored in the context, if any.
func FromContext(ctx context.Context) (AuthUser, bool) {
	user, ok := ctx.Value(userKey).(AuthUser)
	return user, ok
}
