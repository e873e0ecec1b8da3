package livequery

import (
	"strings"
)

const PublicAclKey = "*"
const roleAclPrefix = "role:"

type Permission struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// ACL is a per-record access control list keyed by "*" (public),
// a user id, or "role:<name>".
// a nil ACL means the record is unrestricted
type ACL map[string]Permission

// AclFromRecord decodes the record's ACL field.
// returns nil when the record carries no ACL
func AclFromRecord(record Record) ACL {
	if record == nil {
		return nil
	}
	aclValue, ok := record["ACL"]
	if !ok || aclValue == nil {
		return nil
	}
	entries, ok := aclValue.(map[string]any)
	if !ok {
		// a malformed ACL restricts rather than exposes
		return ACL{}
	}
	acl := ACL{}
	for key, permissionValue := range entries {
		permissionEntries, ok := permissionValue.(map[string]any)
		if !ok {
			continue
		}
		permission := Permission{}
		if read, ok := permissionEntries["read"].(bool); ok {
			permission.Read = read
		}
		if write, ok := permissionEntries["write"].(bool); ok {
			permission.Write = write
		}
		acl[key] = permission
	}
	return acl
}

func (self ACL) PublicRead() bool {
	return self[PublicAclKey].Read
}

func (self ACL) ReadableBy(userId string) bool {
	if userId == "" {
		return false
	}
	return self[userId].Read
}

func (self ACL) HasRoleEntries() bool {
	for key := range self {
		if strings.HasPrefix(key, roleAclPrefix) {
			return true
		}
	}
	return false
}

func (self ACL) ReadableByAnyRole(roles []string) bool {
	for _, role := range roles {
		if self[roleAclPrefix+role].Read {
			return true
		}
	}
	return false
}
