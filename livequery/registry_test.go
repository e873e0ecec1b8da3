package livequery

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSubscriptionDedup(t *testing.T) {
	registry := NewSubscriptionRegistry()
	where := map[string]any{"score": map[string]any{"$gt": float64(10)}}

	clientA := NewId()
	clientB := NewId()

	subscription := registry.GetOrCreate("Player", where)
	registry.Bind(subscription, clientA, 1)

	// an identical query from another client shares the instance
	shared := registry.GetOrCreate("Player", map[string]any{"score": map[string]any{"$gt": float64(10)}})
	assert.Equal(t, subscription == shared, true)
	registry.Bind(shared, clientB, 7)

	assert.Equal(t, 1, registry.SubscriptionCount())
	assert.Equal(t, 1, len(registry.SubscriptionsFor("Player")))

	// a different query is a different subscription
	other := registry.GetOrCreate("Player", map[string]any{"score": map[string]any{"$gt": float64(99)}})
	assert.Equal(t, subscription == other, false)
}

func TestRegistryLifecyclePrune(t *testing.T) {
	registry := NewSubscriptionRegistry()
	where := map[string]any{"score": map[string]any{"$gt": float64(10)}}

	clientA := NewId()
	clientB := NewId()

	subscription := registry.GetOrCreate("Player", where)
	registry.Bind(subscription, clientA, 1)
	registry.Bind(subscription, clientA, 2)
	registry.Bind(subscription, clientB, 1)

	registry.Unbind(subscription, clientA, 1)
	assert.Equal(t, 1, registry.SubscriptionCount())

	registry.Unbind(subscription, clientA, 2)
	assert.Equal(t, 1, registry.SubscriptionCount())

	// removing the last binding removes the subscription and the
	// className bucket
	registry.Unbind(subscription, clientB, 1)
	assert.Equal(t, 0, registry.SubscriptionCount())
	assert.Equal(t, 0, len(registry.SubscriptionsFor("Player")))
	assert.Equal(t, 0, len(registry.subscriptions))

	// unbinding an already-removed pair is a no-op
	registry.Unbind(subscription, clientB, 1)
	assert.Equal(t, 0, registry.SubscriptionCount())
}

func TestRegistryGetOrCreateDoesNotInsert(t *testing.T) {
	registry := NewSubscriptionRegistry()

	registry.GetOrCreate("Player", map[string]any{"a": float64(1)})

	// the registry never holds a subscription with zero bindings
	assert.Equal(t, 0, registry.SubscriptionCount())
	assert.Equal(t, 0, len(registry.subscriptions))
}
