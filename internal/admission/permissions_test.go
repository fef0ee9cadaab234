package admission

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolvePermissionsAdminIgnoresStoredRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Stored rows trying to strip the superuser must have no effect.
	rows := []RolePermission{
		{Role: RoleAdmin, Permission: PermUserManagement, Enabled: false, UpdatedAt: time.Now().UTC()},
		{Role: RoleAdmin, Permission: PermDeployment, Enabled: false, UpdatedAt: time.Now().UTC()},
	}
	if err := env.store.RolePermissions(ctx).UpsertRows(ctx, rows); err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}

	resolved, err := env.ctrl.ResolvePermissions(ctx, RoleAdmin)
	if err != nil {
		t.Fatalf("ResolvePermissions: %v", err)
	}
	for _, p := range AllPermissions() {
		if !resolved[p] {
			t.Fatalf("admin lost %s", p)
		}
	}
}

func TestResolvePermissionsBaselines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		role    Role
		granted []Permission
	}{
		{RoleResearcher, []Permission{PermModelManagement, PermTrainingAccess, PermDatasetLabeling}},
		{RoleAnnotator, []Permission{PermDatasetLabeling}},
		{RoleViewer, nil},
	}
	for _, tc := range cases {
		resolved, err := env.ctrl.ResolvePermissions(ctx, tc.role)
		if err != nil {
			t.Fatalf("ResolvePermissions(%s): %v", tc.role, err)
		}
		want := make(map[Permission]bool)
		for _, p := range tc.granted {
			want[p] = true
		}
		for _, p := range AllPermissions() {
			if resolved[p] != want[p] {
				t.Fatalf("%s/%s = %v, want %v", tc.role, p, resolved[p], want[p])
			}
		}
	}
}

func TestResolvePermissionsStoredRowOverridesBaseline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := []RolePermission{
		{Role: RoleViewer, Permission: PermTrainingAccess, Enabled: true, UpdatedAt: time.Now().UTC()},
		{Role: RoleResearcher, Permission: PermModelManagement, Enabled: false, UpdatedAt: time.Now().UTC()},
	}
	if err := env.store.RolePermissions(ctx).UpsertRows(ctx, rows); err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}

	viewer, err := env.ctrl.ResolvePermissions(ctx, RoleViewer)
	if err != nil {
		t.Fatalf("ResolvePermissions viewer: %v", err)
	}
	if !viewer[PermTrainingAccess] {
		t.Fatal("stored grant did not override the viewer baseline")
	}
	if viewer[PermDatasetLabeling] {
		t.Fatal("missing keys must fall back to the baseline")
	}

	researcher, err := env.ctrl.ResolvePermissions(ctx, RoleResearcher)
	if err != nil {
		t.Fatalf("ResolvePermissions researcher: %v", err)
	}
	if researcher[PermModelManagement] {
		t.Fatal("stored revocation did not override the researcher baseline")
	}
	if !researcher[PermTrainingAccess] {
		t.Fatal("untouched baseline grant lost")
	}
}

func TestUpdateRolePermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.ctrl.UpdateRolePermissions(ctx, RoleAnnotator, map[Permission]bool{
		PermTrainingAccess: true,
	}, "boss@lab.io")
	if err != nil {
		t.Fatalf("UpdateRolePermissions: %v", err)
	}
	resolved, err := env.ctrl.ResolvePermissions(ctx, RoleAnnotator)
	if err != nil {
		t.Fatalf("ResolvePermissions: %v", err)
	}
	if !resolved[PermTrainingAccess] || !resolved[PermDatasetLabeling] {
		t.Fatalf("resolved = %v", resolved)
	}

	if err := env.ctrl.UpdateRolePermissions(ctx, RoleAdmin, nil, "boss@lab.io"); !errors.Is(err, ErrAdminProtected) {
		t.Fatalf("admin update err = %v, want ErrAdminProtected", err)
	}
	err = env.ctrl.UpdateRolePermissions(ctx, RoleViewer, map[Permission]bool{"made-up": true}, "boss@lab.io")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown permission err = %v, want ErrInvalidInput", err)
	}
}

func TestPermissionMatrixCoversAllRoles(t *testing.T) {
	env := newTestEnv(t)
	matrix, err := env.ctrl.PermissionMatrix(context.Background())
	if err != nil {
		t.Fatalf("PermissionMatrix: %v", err)
	}
	for _, role := range Roles() {
		set, ok := matrix[role]
		if !ok {
			t.Fatalf("matrix missing role %s", role)
		}
		if len(set) != len(AllPermissions()) {
			t.Fatalf("matrix[%s] has %d keys", role, len(set))
		}
	}
}
