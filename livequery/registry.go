package livequery

import (
	"golang.org/x/exp/maps"
)

// a registered (className, where) query shared by every
// (client, requestId) pair that subscribed with an identical query.
// content-addressed by Hash
type Subscription struct {
	ClassName string
	Where     map[string]any
	Hash      string

	// back-index: which client requestIds rely on this subscription
	clientRequestIds map[Id]map[int]bool
}

func (self *Subscription) hasBindings() bool {
	return 0 < len(self.clientRequestIds)
}

// SubscriptionRegistry maps className -> (query hash -> Subscription).
//
// not internally synchronized. the server serializes all access through
// its own mutex so that bind/unbind pairs with the client table are
// observed atomically.
type SubscriptionRegistry struct {
	// className -> hash -> subscription
	subscriptions map[string]map[string]*Subscription
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subscriptions: map[string]map[string]*Subscription{},
	}
}

// GetOrCreate returns the shared Subscription for (className, where),
// creating it on miss. A created Subscription is not inserted into the
// registry until its first Bind, so the registry never holds a
// subscription with zero bindings.
func (self *SubscriptionRegistry) GetOrCreate(className string, where map[string]any) *Subscription {
	hash := QueryHash(className, where)
	if subscription, ok := self.subscriptions[className][hash]; ok {
		return subscription
	}
	return &Subscription{
		ClassName:        className,
		Where:            where,
		Hash:             hash,
		clientRequestIds: map[Id]map[int]bool{},
	}
}

func (self *SubscriptionRegistry) Bind(subscription *Subscription, clientId Id, requestId int) {
	requestIds, ok := subscription.clientRequestIds[clientId]
	if !ok {
		requestIds = map[int]bool{}
		subscription.clientRequestIds[clientId] = requestIds
	}
	requestIds[requestId] = true

	classSubscriptions, ok := self.subscriptions[subscription.ClassName]
	if !ok {
		classSubscriptions = map[string]*Subscription{}
		self.subscriptions[subscription.ClassName] = classSubscriptions
	}
	classSubscriptions[subscription.Hash] = subscription
}

// Unbind removes one (clientId, requestId) pair and prunes every
// container that becomes empty: the client's requestId set, the
// subscription itself, and the className bucket.
func (self *SubscriptionRegistry) Unbind(subscription *Subscription, clientId Id, requestId int) {
	requestIds, ok := subscription.clientRequestIds[clientId]
	if !ok {
		return
	}
	delete(requestIds, requestId)
	if 0 < len(requestIds) {
		return
	}
	delete(subscription.clientRequestIds, clientId)
	if subscription.hasBindings() {
		return
	}
	classSubscriptions, ok := self.subscriptions[subscription.ClassName]
	if !ok {
		return
	}
	delete(classSubscriptions, subscription.Hash)
	if len(classSubscriptions) == 0 {
		delete(self.subscriptions, subscription.ClassName)
	}
}

func (self *SubscriptionRegistry) SubscriptionsFor(className string) []*Subscription {
	return maps.Values(self.subscriptions[className])
}

func (self *SubscriptionRegistry) SubscriptionCount() int {
	count := 0
	for _, classSubscriptions := range self.subscriptions {
		count += len(classSubscriptions)
	}
	return count
}
