package rule

import "slices"

// RoleAdmin is the role id granting access to every rule.
const RoleAdmin int64 = 3

// Caller identifies the user on whose behalf an operation runs.
type Caller struct {
	UserID  int64
	RoleIDs []int64
}

func (c Caller) IsAdmin() bool {
	return slices.Contains(c.RoleIDs, RoleAdmin)
}
