package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/authforge/auth-service/internal/errdefs"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"users:read", "users:read", true},
		{"users:read", "users:write", false},
		{"users:read", "roles:read", false},
		{"users:*", "users:read", true},
		{"users:*", "users:write", true},
		{"users:*", "roles:read", false},
		{"*:read", "users:read", true},
		{"*:read", "roles:read", true},
		{"*:read", "users:write", false},
		{"*:*", "users:read", true},
		{"*:*", "anything:atall", true},
		{"", "users:read", false},
		{"users", "users:read", false},
		{"users:read", "users", false},
	}

	for _, tt := range tests {
		t.Run(tt.granted+"→"+tt.required, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.granted, tt.required))
		})
	}
}

func TestGrantedBy(t *testing.T) {
	set := func(names ...string) map[string]struct{} {
		out := make(map[string]struct{}, len(names))
		for _, n := range names {
			out[n] = struct{}{}
		}
		return out
	}

	tests := []struct {
		name     string
		granted  map[string]struct{}
		required string
		want     bool
	}{
		{"exact grant", set("users:read"), "users:read", true},
		{"no grant", set("users:read"), "users:write", false},
		{"scope wildcard", set("users:*"), "users:write", true},
		{"action wildcard", set("*:read"), "roles:read", true},
		{"universal wildcard", set("*:*"), "permissions:write", true},
		{"empty set", set(), "users:read", false},
		{"unrelated grants", set("roles:read", "roles:write"), "users:read", false},
		{"malformed requirement", set("*:*"), "", true}, // *:* grants everything including junk
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GrantedBy(tt.granted, tt.required))
		})
	}
}

func TestValidatePermissionName(t *testing.T) {
	valid := []string{"users:read", "roles:write", "*:*", "users:*", "*:read"}
	for _, name := range valid {
		assert.NoError(t, ValidatePermissionName(name), name)
	}

	invalid := []string{"", "users", "users:", ":read", "Users:Read", "users:read:extra", "users read", "us-ers:read"}
	for _, name := range invalid {
		err := ValidatePermissionName(name)
		assert.Error(t, err, name)
		assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidPermission), name)
	}
}

func TestValidateRoleName(t *testing.T) {
	valid := []string{"admin", "content_editor", "tier1", "a"}
	for _, name := range valid {
		assert.NoError(t, ValidateRoleName(name), name)
	}

	invalid := []string{"", "Admin", "content editor", "role-name", "röle"}
	for _, name := range invalid {
		err := ValidateRoleName(name)
		assert.Error(t, err, name)
		assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation), name)
	}
}
