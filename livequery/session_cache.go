package livequery

import (
	"context"
	"sync"
	"time"
)

// resolves a session token to a user id. implemented by the platform api
type SessionStore interface {
	GetUserId(ctx context.Context, sessionToken string) (string, error)
}

// resolves a user id to its directly assigned role names.
// role-of-role resolution is not applied
type RoleStore interface {
	GetUserRoles(ctx context.Context, userId string) ([]string, error)
}

type sessionCacheEntry struct {
	userId     string
	expireTime time.Time
}

// TTL cache in front of the external session lookup. expired entries are
// misses and re-fetched lazily. concurrent writes for the same token are
// plain overwrites, which is sufficient since the value for a token never
// changes while the token is valid
type SessionTokenCache struct {
	store SessionStore
	ttl   time.Duration

	mutex   sync.Mutex
	entries map[string]sessionCacheEntry
}

func NewSessionTokenCache(store SessionStore, ttl time.Duration) *SessionTokenCache {
	return &SessionTokenCache{
		store:   store,
		ttl:     ttl,
		entries: map[string]sessionCacheEntry{},
	}
}

// GetUserId returns "" without error for an empty or unknown token.
// negative results are not cached
func (self *SessionTokenCache) GetUserId(ctx context.Context, sessionToken string) (string, error) {
	if sessionToken == "" {
		return "", nil
	}

	now := time.Now()
	self.mutex.Lock()
	entry, ok := self.entries[sessionToken]
	self.mutex.Unlock()
	if ok && now.Before(entry.expireTime) {
		return entry.userId, nil
	}

	userId, err := self.store.GetUserId(ctx, sessionToken)
	if err != nil {
		return "", err
	}
	if userId != "" {
		self.mutex.Lock()
		self.entries[sessionToken] = sessionCacheEntry{
			userId:     userId,
			expireTime: now.Add(self.ttl),
		}
		self.mutex.Unlock()
	}
	return userId, nil
}
