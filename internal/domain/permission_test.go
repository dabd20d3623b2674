package domain

import "testing"

var (
	gm     = User{ID: "gm1", Role: RoleGM}
	player = User{ID: "u1", Role: RolePlayer}
	other  = User{ID: "u2", Role: RolePlayer}
)

func TestHasPermission(t *testing.T) {
	perms := map[string]any{
		"default": 0.0,
		"u1":      3.0,
	}

	tests := []struct {
		name     string
		perms    map[string]any
		user     User
		level    PermissionLevel
		exact    bool
		expected bool
	}{
		{
			name:  "gm always passes regardless of map",
			perms: perms, user: gm, level: PermissionOwner, expected: true,
		},
		{
			name:  "nil map passes only gm",
			perms: nil, user: gm, level: PermissionOwner, expected: true,
		},
		{
			name:  "nil map rejects player",
			perms: nil, user: player, level: PermissionLimited, expected: false,
		},
		{
			name:  "explicit entry grants ownership",
			perms: perms, user: player, level: PermissionOwner, expected: true,
		},
		{
			name:  "no entry falls back to default",
			perms: perms, user: other, level: PermissionLimited, expected: false,
		},
		{
			name:  "default grants lower levels",
			perms: map[string]any{"default": 2.0}, user: other, level: PermissionLimited, expected: true,
		},
		{
			name:  "exact requires equality",
			perms: map[string]any{"default": 2.0}, user: other, level: PermissionLimited, exact: true, expected: false,
		},
		{
			name:  "exact match passes",
			perms: map[string]any{"default": 1.0}, user: other, level: PermissionLimited, exact: true, expected: true,
		},
		{
			// GM не имеет "точного" уровня: exact для GM всегда false,
			// даже если его разрешенный уровень совпал бы.
			name:  "exact is always false for gm",
			perms: map[string]any{"default": 1.0, "gm1": 1.0}, user: gm, level: PermissionLimited, exact: true, expected: false,
		},
		{
			// Мусорная (нецелочисленная) явная запись игнорируется.
			name:  "non-integer entry falls back to default",
			perms: map[string]any{"default": 3.0, "u1": 1.5}, user: player, level: PermissionOwner, expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HasPermission(tt.perms, tt.user, tt.level, tt.exact)
			if got != tt.expected {
				t.Errorf("HasPermission(%v, %s, %s, exact=%v) = %v, want %v",
					tt.perms, tt.user.ID, tt.level, tt.exact, got, tt.expected)
			}
		})
	}
}

func TestParsePermissionLevel(t *testing.T) {
	if lvl, ok := ParsePermissionLevel("owner"); !ok || lvl != PermissionOwner {
		t.Errorf("ParsePermissionLevel(owner) = %v, %v", lvl, ok)
	}
	if _, ok := ParsePermissionLevel("sudo"); ok {
		t.Error("unknown level name must not parse")
	}
}
