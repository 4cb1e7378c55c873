// Package rbac evaluates role-based permission checks with inheritance,
// wildcard semantics, and a cached expansion of each role's grant set.
package rbac

import (
	"regexp"
	"strings"

	"github.com/authforge/auth-service/internal/errdefs"
)

var (
	// Permission names are scope:action; either part may be the wildcard.
	permissionNameRegex = regexp.MustCompile(`^([a-z]+|\*):([a-z]+|\*)$`)
	// Role names are lowercase identifiers.
	roleNameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// ValidatePermissionName checks the scope:action form.
func ValidatePermissionName(name string) error {
	if !permissionNameRegex.MatchString(name) {
		return errdefs.InvalidPermissionFormat(name)
	}
	return nil
}

// ValidateRoleName checks the role identifier form.
func ValidateRoleName(name string) error {
	if !roleNameRegex.MatchString(name) {
		return errdefs.Validation("role name must match [a-z0-9_]+").WithDetail("name", name)
	}
	return nil
}

// Matches reports whether a granted permission satisfies the required one.
// The grant may carry wildcards on either side; the requirement is concrete.
func Matches(granted, required string) bool {
	if granted == required || granted == "*:*" {
		return true
	}
	gScope, gAction, ok := splitPermission(granted)
	if !ok {
		return false
	}
	rScope, rAction, ok := splitPermission(required)
	if !ok {
		return false
	}
	return (gScope == "*" || gScope == rScope) && (gAction == "*" || gAction == rAction)
}

// GrantedBy reports whether any permission in the set satisfies required.
func GrantedBy(granted map[string]struct{}, required string) bool {
	// Fast paths: exact grant or the universal wildcard.
	if _, ok := granted[required]; ok {
		return true
	}
	if _, ok := granted["*:*"]; ok {
		return true
	}
	rScope, rAction, ok := splitPermission(required)
	if !ok {
		return false
	}
	if _, ok := granted[rScope+":*"]; ok {
		return true
	}
	if _, ok := granted["*:"+rAction]; ok {
		return true
	}
	return false
}

func splitPermission(name string) (scope, action string, ok bool) {
	i := strings.IndexByte(name, ':')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
