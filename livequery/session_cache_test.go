package livequery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type staticSessionStore struct {
	mutex       sync.Mutex
	userIds     map[string]string
	lookupCount int
	err         error
}

func (self *staticSessionStore) GetUserId(ctx context.Context, sessionToken string) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.lookupCount += 1
	if self.err != nil {
		return "", self.err
	}
	return self.userIds[sessionToken], nil
}

func (self *staticSessionStore) LookupCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lookupCount
}

func TestSessionTokenCacheCachesLookups(t *testing.T) {
	ctx := context.Background()
	store := &staticSessionStore{userIds: map[string]string{"t1": "user1"}}
	cache := NewSessionTokenCache(store, time.Minute)

	userId, err := cache.GetUserId(ctx, "t1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "user1", userId)

	userId, err = cache.GetUserId(ctx, "t1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "user1", userId)

	assert.Equal(t, 1, store.LookupCount())
}

func TestSessionTokenCacheExpires(t *testing.T) {
	ctx := context.Background()
	store := &staticSessionStore{userIds: map[string]string{"t1": "user1"}}
	cache := NewSessionTokenCache(store, 50*time.Millisecond)

	_, err := cache.GetUserId(ctx, "t1")
	assert.Equal(t, nil, err)

	time.Sleep(100 * time.Millisecond)

	userId, err := cache.GetUserId(ctx, "t1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "user1", userId)
	assert.Equal(t, 2, store.LookupCount())
}

func TestSessionTokenCacheEmptyToken(t *testing.T) {
	ctx := context.Background()
	store := &staticSessionStore{userIds: map[string]string{}}
	cache := NewSessionTokenCache(store, time.Minute)

	userId, err := cache.GetUserId(ctx, "")
	assert.Equal(t, nil, err)
	assert.Equal(t, "", userId)
	assert.Equal(t, 0, store.LookupCount())
}

func TestSessionTokenCacheNegativeNotCached(t *testing.T) {
	ctx := context.Background()
	store := &staticSessionStore{userIds: map[string]string{}}
	cache := NewSessionTokenCache(store, time.Minute)

	for i := 0; i < 2; i += 1 {
		userId, err := cache.GetUserId(ctx, "unknown")
		assert.Equal(t, nil, err)
		assert.Equal(t, "", userId)
	}
	assert.Equal(t, 2, store.LookupCount())
}

func TestSessionTokenCacheError(t *testing.T) {
	ctx := context.Background()
	store := &staticSessionStore{err: errors.New("lookup down")}
	cache := NewSessionTokenCache(store, time.Minute)

	_, err := cache.GetUserId(ctx, "t1")
	assert.NotEqual(t, nil, err)
}

func TestSessionTokenCacheConcurrent(t *testing.T) {
	ctx := context.Background()
	store := &staticSessionStore{userIds: map[string]string{"t1": "user1"}}
	cache := NewSessionTokenCache(store, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			userId, err := cache.GetUserId(ctx, "t1")
			assert.Equal(t, nil, err)
			assert.Equal(t, "user1", userId)
		}()
	}
	wg.Wait()
}
