package rbac

import (
	"context"
	"time"
)

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
}

// Authorizer resolves the permissions granted to an actor. Actors are the
// opaque identifiers carried in the X-Actor-ID header.
type Authorizer interface {
	EffectivePermissions(ctx context.Context, actor string) ([]string, error)
}

// StaticAuthorizer grants a fixed permission set per actor. It backs tests
// and single-tenant deployments seeded from configuration.
type StaticAuthorizer map[string][]string

// EffectivePermissions implements Authorizer.
func (a StaticAuthorizer) EffectivePermissions(_ context.Context, actor string) ([]string, error) {
	perms := a[actor]
	out := make([]string, len(perms))
	copy(out, perms)
	return out, nil
}
