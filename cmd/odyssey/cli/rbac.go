package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/odyssey-erp/odyssey-fincore/internal/rbac"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// FinanceAdminRole is granted every finance permission by seed-rbac.
const FinanceAdminRole = "finance-admin"

// RoleStore is the subset of rbac.Service used for seeding.
type RoleStore interface {
	EnsurePermission(ctx context.Context, name, description string) (rbac.Permission, error)
	EnsureRole(ctx context.Context, name, description string) (rbac.Role, error)
	GrantPermissions(ctx context.Context, roleID int64, permissions ...string) error
	AssignRole(ctx context.Context, actor string, roleID int64) error
}

// SeedRBAC registers the finance permissions, grants them to the
// finance-admin role and assigns that role to each actor.
func SeedRBAC(ctx context.Context, store RoleStore, out io.Writer, actors ...string) error {
	scopes := shared.FinanceScopes()
	for _, perm := range scopes {
		if _, err := store.EnsurePermission(ctx, perm, describePermission(perm)); err != nil {
			return fmt.Errorf("seed-rbac: permission %s: %w", perm, err)
		}
	}
	role, err := store.EnsureRole(ctx, FinanceAdminRole, "Full access to fiscal periods and offerings")
	if err != nil {
		return fmt.Errorf("seed-rbac: role: %w", err)
	}
	if err := store.GrantPermissions(ctx, role.ID, scopes...); err != nil {
		return fmt.Errorf("seed-rbac: grant: %w", err)
	}
	for _, actor := range actors {
		actor = strings.TrimSpace(actor)
		if actor == "" {
			continue
		}
		if err := store.AssignRole(ctx, actor, role.ID); err != nil {
			return fmt.Errorf("seed-rbac: assign %s: %w", actor, err)
		}
		_, _ = fmt.Fprintf(out, "assigned %s to %s\n", FinanceAdminRole, actor)
	}
	_, _ = fmt.Fprintf(out, "%d finance permissions seeded\n", len(scopes))
	return nil
}

func describePermission(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "finance."), ".", " ")
}
