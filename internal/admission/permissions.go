package admission

import (
	"context"
	"fmt"

	"hadik.org/internal/audit"
)

// defaultGrants is the baseline permission set per role, used when the
// stored matrix has no row for a (role, permission) pair. ADMIN has no
// baseline because resolution never consults rows for it.
var defaultGrants = map[Role]map[Permission]bool{
	RoleResearcher: {
		PermModelManagement: true,
		PermTrainingAccess:  true,
		PermDatasetLabeling: true,
	},
	RoleAnnotator: {
		PermDatasetLabeling: true,
	},
	RoleViewer: {},
}

// ResolvePermissions returns the effective permission set for a role.
// ADMIN always resolves to every permission regardless of stored rows.
// For other roles, stored rows override the baseline for the keys they
// cover; missing keys fall back to the baseline.
func (c *Controller) ResolvePermissions(ctx context.Context, role Role) (map[Permission]bool, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}

	resolved := make(map[Permission]bool, len(AllPermissions()))
	if role == RoleAdmin {
		for _, p := range AllPermissions() {
			resolved[p] = true
		}
		return resolved, nil
	}

	for _, p := range AllPermissions() {
		resolved[p] = defaultGrants[role][p]
	}
	rows, err := c.store.RolePermissions(ctx).QueryAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission: permission rows: %w", err)
	}
	for _, row := range rows {
		if row.Role != role {
			continue
		}
		resolved[row.Permission] = row.Enabled
	}
	return resolved, nil
}

// Can reports whether the role holds a single permission.
func (c *Controller) Can(ctx context.Context, role Role, perm Permission) (bool, error) {
	set, err := c.ResolvePermissions(ctx, role)
	if err != nil {
		return false, err
	}
	return set[perm], nil
}

// PermissionMatrix resolves the full role-by-permission grid for display.
func (c *Controller) PermissionMatrix(ctx context.Context) (map[Role]map[Permission]bool, error) {
	matrix := make(map[Role]map[Permission]bool, len(Roles()))
	for _, role := range Roles() {
		set, err := c.ResolvePermissions(ctx, role)
		if err != nil {
			return nil, err
		}
		matrix[role] = set
	}
	return matrix, nil
}

// UpdateRolePermissions replaces the stored grants for one role. ADMIN is
// rejected: its permission set is fixed and not stored.
func (c *Controller) UpdateRolePermissions(ctx context.Context, role Role, grants map[Permission]bool, adminEmail string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if role == RoleAdmin {
		return fmt.Errorf("%w: admin permissions are fixed", ErrAdminProtected)
	}
	for p := range grants {
		if !validPermission(p) {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, p)
		}
	}

	now := c.now().UTC()
	rows := make([]RolePermission, 0, len(AllPermissions()))
	for _, p := range AllPermissions() {
		enabled, ok := grants[p]
		if !ok {
			enabled = defaultGrants[role][p]
		}
		rows = append(rows, RolePermission{
			Role:       role,
			Permission: p,
			Enabled:    enabled,
			UpdatedBy:  adminEmail,
			UpdatedAt:  now,
		})
	}
	if err := c.store.RolePermissions(ctx).UpsertRows(ctx, rows); err != nil {
		return fmt.Errorf("admission: write permission rows: %w", err)
	}

	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: adminEmail,
		Action:     "PERMISSION_TOGGLED",
		Resource:   string(role),
		Details:    map[string]any{"grants": grants},
	})
	return nil
}

func validPermission(p Permission) bool {
	for _, known := range AllPermissions() {
		if known == p {
			return true
		}
	}
	return false
}
