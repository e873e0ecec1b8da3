package livequery

import (
	"context"

	"github.com/golang/glog"
)

// Authorizer decides record visibility for a (client, requestId) pair.
// any lookup failure is treated as not visible and never surfaced to the
// client
type Authorizer struct {
	sessionCache *SessionTokenCache
	roles        RoleStore
}

func NewAuthorizer(sessionCache *SessionTokenCache, roles RoleStore) *Authorizer {
	return &Authorizer{
		sessionCache: sessionCache,
		roles:        roles,
	}
}

// IsVisible checks, in order of cost:
//  1. no ACL, public read, or master key: visible with no I/O
//  2. the subscription's session token (falling back to the client token)
//     resolves to a user id granted direct read
//  3. only when the ACL has role entries, the same user's directly
//     assigned roles
//  4. the client's own token once more, for subscriptions created under
//     a different token
func (self *Authorizer) IsVisible(ctx context.Context, acl ACL, client *Client, requestId int) bool {
	if acl == nil || acl.PublicRead() || client.HasMasterKey() {
		return true
	}

	sessionToken := client.SessionTokenForRequest(requestId)

	visible, err := self.tokenReads(ctx, acl, sessionToken)
	if err != nil {
		glog.V(1).Infof("[auth]session lookup failed = %s\n", err)
		return false
	}
	if visible {
		return true
	}

	if acl.HasRoleEntries() {
		visible, err := self.tokenRoleReads(ctx, acl, sessionToken)
		if err != nil {
			glog.V(1).Infof("[auth]role lookup failed = %s\n", err)
			return false
		}
		if visible {
			return true
		}
	}

	clientSessionToken := client.SessionToken()
	if clientSessionToken != "" && clientSessionToken != sessionToken {
		visible, err := self.tokenReads(ctx, acl, clientSessionToken)
		if err != nil {
			glog.V(1).Infof("[auth]session lookup failed = %s\n", err)
			return false
		}
		return visible
	}

	return false
}

func (self *Authorizer) tokenReads(ctx context.Context, acl ACL, sessionToken string) (bool, error) {
	if sessionToken == "" {
		return false, nil
	}
	userId, err := self.sessionCache.GetUserId(ctx, sessionToken)
	if err != nil {
		return false, err
	}
	return acl.ReadableBy(userId), nil
}

func (self *Authorizer) tokenRoleReads(ctx context.Context, acl ACL, sessionToken string) (bool, error) {
	if sessionToken == "" {
		return false, nil
	}
	userId, err := self.sessionCache.GetUserId(ctx, sessionToken)
	if err != nil {
		return false, err
	}
	if userId == "" {
		return false, nil
	}
	roles, err := self.roles.GetUserRoles(ctx, userId)
	if err != nil {
		return false, err
	}
	return acl.ReadableByAnyRole(roles), nil
}
