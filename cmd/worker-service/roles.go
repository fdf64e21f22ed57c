package main

import (
	"fmt"
	"strings"
)

// Roles a worker-service process can take
const (
	RoleDispatch  = "dispatch"
	RoleArchive   = "archive"
	RoleRestore   = "restore"
	RoleThaw      = "thaw"
	RoleReconcile = "reconcile"
	RoleAll       = "all"
)

var allRoles = []string{RoleDispatch, RoleArchive, RoleRestore, RoleThaw, RoleReconcile}

// parseRoles reads a comma separated role list. "all" expands to every role.
func parseRoles(value string) (map[string]bool, error) {
	roles := make(map[string]bool)
	for _, part := range strings.Split(value, ",") {
		role := strings.TrimSpace(strings.ToLower(part))
		switch role {
		case "":
			continue
		case RoleAll:
			for _, r := range allRoles {
				roles[r] = true
			}
		case RoleDispatch, RoleArchive, RoleRestore, RoleThaw, RoleReconcile:
			roles[role] = true
		default:
			return nil, fmt.Errorf("unknown role %q", role)
		}
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("at least one role is required")
	}
	return roles, nil
}
