package rbac

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Service resolves and maintains role assignments stored in PostgreSQL.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// EnsurePermission upserts a permission ensuring description is stored.
func (s *Service) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	name = normalizePermission(name)
	if name == "" {
		return Permission{}, errors.New("rbac: permission name required")
	}
	var p Permission
	err := s.pool.QueryRow(ctx, `INSERT INTO permissions (name, description) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
RETURNING id, name, description`, name, strings.TrimSpace(description)).Scan(&p.ID, &p.Name, &p.Description)
	return p, err
}

// EnsureRole creates the role when missing and returns it.
func (s *Service) EnsureRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	var r Role
	err := s.pool.QueryRow(ctx, `INSERT INTO roles (name, description) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
RETURNING id, name, description, created_at`, name, strings.TrimSpace(description)).Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt)
	return r, err
}

// GetRole fetches a role by name.
func (s *Service) GetRole(ctx context.Context, name string) (Role, error) {
	var r Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, created_at FROM roles WHERE name = $1`, strings.TrimSpace(name)).
		Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	return r, err
}

// GrantPermissions attaches permissions to a role, ignoring ones already held.
func (s *Service) GrantPermissions(ctx context.Context, roleID int64, permissions ...string) error {
	for _, perm := range permissions {
		tag, err := s.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, id FROM permissions WHERE name = $2
ON CONFLICT DO NOTHING`, roleID, normalizePermission(perm))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM permissions WHERE name = $1)`, normalizePermission(perm)).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
		}
	}
	return nil
}

// AssignRole assigns a role to the given actor.
func (s *Service) AssignRole(ctx context.Context, actor string, roleID int64) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.New("rbac: actor required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, actor, roleID)
	return err
}

// EffectivePermissions returns deduplicated permission names for an actor.
func (s *Service) EffectivePermissions(ctx context.Context, actor string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1
ORDER BY p.name`, strings.TrimSpace(actor))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func normalizePermission(p string) string {
	return strings.TrimSpace(strings.ToLower(p))
}
