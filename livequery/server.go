package livequery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type LiveQueryServerSettings struct {
	// application whose change events this instance serves
	ApplicationId string
	// keepalive ping interval on client connections
	WebsocketTimeout time.Duration
	// session token cache TTL
	CacheTimeout time.Duration
	// named shared secrets. when any are configured, connect must
	// present at least one matching pair
	KeyPairs map[string]string
	// the key pair name that grants elevated trust
	MasterKeyName string
}

func DefaultLiveQueryServerSettings() *LiveQueryServerSettings {
	return &LiveQueryServerSettings{
		WebsocketTimeout: 10 * time.Second,
		CacheTimeout:     5 * time.Minute,
		KeyPairs:         map[string]string{},
		MasterKeyName:    "masterKey",
	}
}

// per-socket state owned by the transport goroutine.
// client is nil until a successful connect handshake
type Connection struct {
	connectionId Id
	conn         Conn
	client       *Client
}

// LiveQueryServer owns the subscription registry, the client table, the
// wire protocol state machine, and the change event classification
// pipeline.
//
// the registry and the client table are guarded together by one mutex so
// that bind/unbind pairs are observed atomically. authorization and
// transport I/O always run outside the lock.
type LiveQueryServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *LiveQueryServerSettings
	authorizer *Authorizer
	events     *EventHookRegistry

	mutex    sync.Mutex
	clients  map[Id]*Client
	registry *SubscriptionRegistry
}

func NewLiveQueryServerWithDefaults(ctx context.Context, sessions SessionStore, roles RoleStore) *LiveQueryServer {
	return NewLiveQueryServer(ctx, sessions, roles, DefaultLiveQueryServerSettings())
}

func NewLiveQueryServer(ctx context.Context, sessions SessionStore, roles RoleStore, settings *LiveQueryServerSettings) *LiveQueryServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LiveQueryServer{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		authorizer: NewAuthorizer(NewSessionTokenCache(sessions, settings.CacheTimeout), roles),
		events:     NewEventHookRegistry(),
		clients:    map[Id]*Client{},
		registry:   NewSubscriptionRegistry(),
	}
}

func (self *LiveQueryServer) Events() *EventHookRegistry {
	return self.events
}

func (self *LiveQueryServer) ClientCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.clients)
}

func (self *LiveQueryServer) SubscriptionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.registry.SubscriptionCount()
}

func (self *LiveQueryServer) Close() {
	self.cancel()
}

// Run consumes change events from the bus until the bus closes or the
// server context ends. messages are handled in delivery order; the
// per-event visibility work spawned inside is not awaited before the
// next message.
func (self *LiveQueryServer) Run(bus BusSubscriber) error {
	afterSaveChannel := fmt.Sprintf("%s:afterSave", self.settings.ApplicationId)
	afterDeleteChannel := fmt.Sprintf("%s:afterDelete", self.settings.ApplicationId)

	messages, err := bus.Subscribe(self.ctx, afterSaveChannel, afterDeleteChannel)
	if err != nil {
		return err
	}
	glog.Infof("[lq]subscribed to change events for %s\n", self.settings.ApplicationId)

	for message := range messages {
		switch message.Channel {
		case afterSaveChannel:
			self.HandleAfterSave(message.Payload)
		case afterDeleteChannel:
			self.HandleAfterDelete(message.Payload)
		default:
			glog.V(1).Infof("[lq]ignore channel %s\n", message.Channel)
		}
	}
	return nil
}

// wire protocol state machine

// OpenConnection registers a new socket. no Client exists until the
// connect op succeeds.
func (self *LiveQueryServer) OpenConnection(conn Conn) *Connection {
	connection := &Connection{
		connectionId: NewId(),
		conn:         conn,
	}
	glog.V(1).Infof("[lq]open %s\n", connection.connectionId)
	self.notifyLifecycle(LifecycleWsConnect)
	return connection
}

// CloseConnection tears down everything the connection's client held.
// teardown is idempotent: racing a disconnect with cleanup is absorbed,
// not an error.
func (self *LiveQueryServer) CloseConnection(connection *Connection, err error) {
	if err != nil {
		glog.V(1).Infof("[lq]close %s error = %s\n", connection.connectionId, err)
	}

	client := connection.client
	if client == nil {
		self.notifyLifecycle(lifecycleDisconnectEvent(err))
		return
	}
	connection.client = nil

	self.mutex.Lock()
	if _, ok := self.clients[client.clientId]; !ok {
		// already cleaned up
		self.mutex.Unlock()
		glog.V(1).Infof("[lq]close %s already removed\n", client.clientId)
		self.notifyLifecycle(lifecycleDisconnectEvent(err))
		return
	}
	delete(self.clients, client.clientId)
	for requestId, info := range client.allSubscriptionInfos() {
		self.registry.Unbind(info.Subscription, client.clientId, requestId)
		client.removeSubscriptionInfo(requestId)
	}
	self.mutex.Unlock()

	glog.V(1).Infof("[lq]close %s\n", client.clientId)
	self.notifyLifecycle(lifecycleDisconnectEvent(err))
}

func lifecycleDisconnectEvent(err error) string {
	if err != nil {
		return LifecycleWsDisconnectErr
	}
	return LifecycleWsDisconnect
}

// HandleMessage validates and dispatches one inbound client message.
// called sequentially per connection by the transport read pump.
func (self *LiveQueryServer) HandleMessage(connection *Connection, data []byte) {
	var message map[string]any
	if err := json.Unmarshal(data, &message); err != nil {
		self.pushConnectionError(connection, invalidRequestError("invalid message: %s", err))
		return
	}

	op, protocolErr := validateMessage(message)
	if protocolErr != nil {
		self.pushConnectionError(connection, protocolErr)
		return
	}

	switch op {
	case "connect":
		self.handleConnect(connection, message)
	case "subscribe":
		self.handleSubscribe(connection, message)
	case "update":
		self.handleUpdate(connection, message)
	case "unsubscribe":
		self.handleUnsubscribe(connection, message, true)
	}
}

func (self *LiveQueryServer) pushConnectionError(connection *Connection, protocolErr *ProtocolError) {
	glog.V(1).Infof("[lq]%s protocol error = %s\n", connection.connectionId, protocolErr)
	message := &errorMessage{
		Op:    "error",
		Code:  protocolErr.Code,
		Error: protocolErr.Message,
	}
	if err := connection.conn.WriteJSON(message); err != nil {
		glog.V(1).Infof("[lq]%s-> write error = %s\n", connection.connectionId, err)
	}
}

func (self *LiveQueryServer) handleConnect(connection *Connection, message map[string]any) {
	if connection.client != nil {
		self.pushConnectionError(connection, invalidRequestError("already connected"))
		return
	}
	if !self.validKeyPairs(message) {
		self.pushConnectionError(connection, &ProtocolError{
			Code:    ErrorInvalidKeys,
			Message: "key in request is not valid",
		})
		return
	}

	hasMasterKey := self.hasMasterKey(message)
	sessionToken, _ := message["sessionToken"].(string)
	client := NewClient(connection.connectionId, connection.conn, hasMasterKey, sessionToken)

	self.mutex.Lock()
	self.clients[client.clientId] = client
	self.mutex.Unlock()
	connection.client = client

	client.PushConnected()
	glog.V(1).Infof("[lq]connect %s masterKey=%t\n", client.clientId, hasMasterKey)
	self.notifyLifecycle(LifecycleConnect)
}

// when key pairs are configured, at least one presented key must match
func (self *LiveQueryServer) validKeyPairs(message map[string]any) bool {
	if len(self.settings.KeyPairs) == 0 {
		return true
	}
	for name, secret := range self.settings.KeyPairs {
		if value, ok := message[name].(string); ok && value == secret {
			return true
		}
	}
	return false
}

func (self *LiveQueryServer) hasMasterKey(message map[string]any) bool {
	secret, ok := self.settings.KeyPairs[self.settings.MasterKeyName]
	if !ok {
		return false
	}
	value, ok := message[self.settings.MasterKeyName].(string)
	return ok && value == secret
}

func (self *LiveQueryServer) handleSubscribe(connection *Connection, message map[string]any) {
	client := connection.client
	if client == nil {
		self.pushConnectionError(connection, &ProtocolError{
			Code:    ErrorUnknownClient,
			Message: "cannot subscribe before connect",
		})
		return
	}

	// shape already validated
	requestId, _ := messageRequestId(message)
	query := message["query"].(map[string]any)
	className := query["className"].(string)
	where := query["where"].(map[string]any)

	if err := ValidateWhere(where); err != nil {
		self.pushConnectionError(connection, invalidRequestError("invalid query: %s", err))
		return
	}

	sessionToken, _ := message["sessionToken"].(string)
	fields := messageFields(query)

	self.mutex.Lock()
	// a repeated subscribe on the same requestId replaces the binding
	if existing, ok := client.subscriptionInfo(requestId); ok {
		self.registry.Unbind(existing.Subscription, client.clientId, requestId)
	}
	subscription := self.registry.GetOrCreate(className, where)
	self.registry.Bind(subscription, client.clientId, requestId)
	client.addSubscriptionInfo(requestId, &SubscriptionInfo{
		Subscription: subscription,
		Fields:       fields,
		SessionToken: sessionToken,
	})
	self.mutex.Unlock()

	client.PushSubscribed(requestId)
	glog.V(1).Infof("[lq]subscribe %s %d %s\n", client.clientId, requestId, className)
	self.notifyLifecycle(LifecycleSubscribe)
}

// update rebinds the requestId without a transient unsubscribed reply
func (self *LiveQueryServer) handleUpdate(connection *Connection, message map[string]any) {
	if connection.client == nil {
		self.pushConnectionError(connection, &ProtocolError{
			Code:    ErrorUnknownClient,
			Message: "cannot update before connect",
		})
		return
	}
	self.handleUnsubscribe(connection, message, false)
	self.handleSubscribe(connection, message)
}

func (self *LiveQueryServer) handleUnsubscribe(connection *Connection, message map[string]any, notify bool) {
	client := connection.client
	if client == nil {
		self.pushConnectionError(connection, &ProtocolError{
			Code:    ErrorUnknownClient,
			Message: "cannot unsubscribe before connect",
		})
		return
	}

	requestId, _ := messageRequestId(message)

	self.mutex.Lock()
	info, ok := client.subscriptionInfo(requestId)
	if !ok {
		self.mutex.Unlock()
		if notify {
			self.pushConnectionError(connection, &ProtocolError{
				Code:    ErrorUnknownClient,
				Message: fmt.Sprintf("cannot find subscription for requestId %d", requestId),
			})
		}
		return
	}
	client.removeSubscriptionInfo(requestId)
	self.registry.Unbind(info.Subscription, client.clientId, requestId)
	self.mutex.Unlock()

	if notify {
		client.PushUnsubscribed(requestId)
	}
	glog.V(1).Infof("[lq]unsubscribe %s %d\n", client.clientId, requestId)
	self.notifyLifecycle(LifecycleUnsubscribe)
}

func (self *LiveQueryServer) notifyLifecycle(event string) {
	self.mutex.Lock()
	clientCount := len(self.clients)
	subscriptionCount := self.registry.SubscriptionCount()
	self.mutex.Unlock()

	self.events.Notify(LifecycleEvent{
		Event:         event,
		Clients:       clientCount,
		Subscriptions: subscriptionCount,
	})
}

// change event classification

type eventTarget struct {
	client        *Client
	requestId     int
	matchedBefore bool
	matchedAfter  bool
}

// HandleAfterDelete fans a deletion out to every visible subscriber of a
// matching subscription. the deleted snapshot arrives as currentObject.
func (self *LiveQueryServer) HandleAfterDelete(payload []byte) {
	message, err := decodeChangeMessage(payload)
	if err != nil {
		glog.Infof("[lq]afterDelete decode error = %s\n", err)
		return
	}
	record := message.CurrentObject
	className := message.className()
	if record == nil || className == "" {
		glog.Infof("[lq]afterDelete missing object\n")
		return
	}
	acl := AclFromRecord(record)

	targets := []eventTarget{}
	self.mutex.Lock()
	for _, subscription := range self.registry.SubscriptionsFor(className) {
		matched, err := Matches(record, subscription.Where)
		if err != nil {
			glog.V(1).Infof("[lq]match error = %s\n", err)
			continue
		}
		if !matched {
			// no acl work for non-matching subscriptions
			continue
		}
		targets = self.appendTargets(targets, subscription, false, true)
	}
	self.mutex.Unlock()

	for _, target := range targets {
		target := target
		go func() {
			if !self.authorizer.IsVisible(self.ctx, acl, target.client, target.requestId) {
				return
			}
			target.client.PushEvent(EventDelete, target.requestId, record)
		}()
	}
}

// HandleAfterSave classifies a write relative to each subscription of
// the class and pushes create/enter/update/leave to visible subscribers.
func (self *LiveQueryServer) HandleAfterSave(payload []byte) {
	message, err := decodeChangeMessage(payload)
	if err != nil {
		glog.Infof("[lq]afterSave decode error = %s\n", err)
		return
	}
	current := message.CurrentObject
	original := message.OriginalObject
	className := message.className()
	if current == nil || className == "" {
		glog.Infof("[lq]afterSave missing object\n")
		return
	}
	currentAcl := AclFromRecord(current)
	originalAcl := AclFromRecord(original)

	targets := []eventTarget{}
	self.mutex.Lock()
	for _, subscription := range self.registry.SubscriptionsFor(className) {
		matchedBefore := false
		if original != nil {
			matched, err := Matches(original, subscription.Where)
			if err != nil {
				glog.V(1).Infof("[lq]match error = %s\n", err)
				continue
			}
			matchedBefore = matched
		}
		matchedAfter, err := Matches(current, subscription.Where)
		if err != nil {
			glog.V(1).Infof("[lq]match error = %s\n", err)
			continue
		}
		if !matchedBefore && !matchedAfter {
			continue
		}
		targets = self.appendTargets(targets, subscription, matchedBefore, matchedAfter)
	}
	self.mutex.Unlock()

	hadOriginal := original != nil
	for _, target := range targets {
		target := target
		go self.dispatchSave(target, originalAcl, currentAcl, hadOriginal, current)
	}
}

// must hold self.mutex
func (self *LiveQueryServer) appendTargets(targets []eventTarget, subscription *Subscription, matchedBefore bool, matchedAfter bool) []eventTarget {
	for clientId, requestIds := range subscription.clientRequestIds {
		client, ok := self.clients[clientId]
		if !ok {
			// a racing disconnect. the binding is about to be pruned
			continue
		}
		for requestId := range requestIds {
			targets = append(targets, eventTarget{
				client:        client,
				requestId:     requestId,
				matchedBefore: matchedBefore,
				matchedAfter:  matchedAfter,
			})
		}
	}
	return targets
}

// the original-acl and current-acl checks run concurrently, each skipped
// entirely when its match side is already false
func (self *LiveQueryServer) dispatchSave(target eventTarget, originalAcl ACL, currentAcl ACL, hadOriginal bool, current Record) {
	var visibleBefore bool
	var visibleAfter bool

	var wg sync.WaitGroup
	if target.matchedBefore {
		wg.Add(1)
		go func() {
			defer wg.Done()
			visibleBefore = self.authorizer.IsVisible(self.ctx, originalAcl, target.client, target.requestId)
		}()
	}
	if target.matchedAfter {
		wg.Add(1)
		go func() {
			defer wg.Done()
			visibleAfter = self.authorizer.IsVisible(self.ctx, currentAcl, target.client, target.requestId)
		}()
	}
	wg.Wait()

	var kind EventKind
	switch {
	case visibleBefore && visibleAfter:
		kind = EventUpdate
	case visibleBefore:
		kind = EventLeave
	case visibleAfter:
		if hadOriginal {
			kind = EventEnter
		} else {
			kind = EventCreate
		}
	default:
		return
	}

	target.client.PushEvent(kind, target.requestId, current)
}
