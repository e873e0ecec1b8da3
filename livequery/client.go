package livequery

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// transport handle as seen by the server. WriteJSON must be safe for
// concurrent use; the websocket adapter serializes writes through its
// write pump
type Conn interface {
	WriteJSON(message any) error
	Close() error
}

// classification of a change event relative to one subscription
type EventKind int

const (
	EventCreate EventKind = iota
	EventEnter
	EventUpdate
	EventLeave
	EventDelete
)

// wire op name for the event kind. the mapping is explicit so that the
// classification switch stays exhaustive
func (self EventKind) String() string {
	switch self {
	case EventCreate:
		return "create"
	case EventEnter:
		return "enter"
	case EventUpdate:
		return "update"
	case EventLeave:
		return "leave"
	case EventDelete:
		return "delete"
	default:
		panic("unknown event kind")
	}
}

// a client-local binding of a requestId to a shared Subscription.
// SessionToken, when set, overrides the client token for ACL checks on
// this request only
type SubscriptionInfo struct {
	Subscription *Subscription
	Fields       []string
	SessionToken string
}

// per-connection state, created on a successful connect handshake and
// destroyed on disconnect
type Client struct {
	clientId     Id
	conn         Conn
	hasMasterKey bool
	sessionToken string

	mutex             sync.Mutex
	subscriptionInfos map[int]*SubscriptionInfo
}

func NewClient(clientId Id, conn Conn, hasMasterKey bool, sessionToken string) *Client {
	return &Client{
		clientId:          clientId,
		conn:              conn,
		hasMasterKey:      hasMasterKey,
		sessionToken:      sessionToken,
		subscriptionInfos: map[int]*SubscriptionInfo{},
	}
}

func (self *Client) ClientId() Id {
	return self.clientId
}

func (self *Client) HasMasterKey() bool {
	return self.hasMasterKey
}

func (self *Client) SessionToken() string {
	return self.sessionToken
}

// the subscription token when one was given, else the client token
func (self *Client) SessionTokenForRequest(requestId int) string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if info, ok := self.subscriptionInfos[requestId]; ok && info.SessionToken != "" {
		return info.SessionToken
	}
	return self.sessionToken
}

func (self *Client) addSubscriptionInfo(requestId int, info *SubscriptionInfo) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.subscriptionInfos[requestId] = info
}

func (self *Client) subscriptionInfo(requestId int) (*SubscriptionInfo, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	info, ok := self.subscriptionInfos[requestId]
	return info, ok
}

func (self *Client) removeSubscriptionInfo(requestId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.subscriptionInfos, requestId)
}

func (self *Client) allSubscriptionInfos() map[int]*SubscriptionInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	infos := map[int]*SubscriptionInfo{}
	maps.Copy(infos, self.subscriptionInfos)
	return infos
}

func (self *Client) PushConnected() {
	self.write(&connectedMessage{
		Op:       "connected",
		ClientId: self.clientId.String(),
	})
}

func (self *Client) PushSubscribed(requestId int) {
	self.write(&subscribedMessage{
		Op:        "subscribed",
		RequestId: requestId,
	})
}

func (self *Client) PushUnsubscribed(requestId int) {
	self.write(&unsubscribedMessage{
		Op:        "unsubscribed",
		RequestId: requestId,
	})
}

func (self *Client) PushError(code int, message string) {
	self.write(&errorMessage{
		Op:    "error",
		Code:  code,
		Error: message,
	})
}

// PushEvent sends a classified change event, applying the request's
// field projection when one was subscribed
func (self *Client) PushEvent(kind EventKind, requestId int, object Record) {
	if info, ok := self.subscriptionInfo(requestId); ok && 0 < len(info.Fields) {
		object = projectFields(object, info.Fields)
	}
	self.write(&eventMessage{
		Op:        kind.String(),
		RequestId: requestId,
		Object:    object,
	})
}

func (self *Client) write(message any) {
	if err := self.conn.WriteJSON(message); err != nil {
		glog.V(1).Infof("[lq]%s-> write error = %s\n", self.clientId, err)
	}
}

// identity and timestamp fields are always delivered
var projectedAlwaysFields = []string{"className", "objectId", "createdAt", "updatedAt"}

func projectFields(object Record, fields []string) Record {
	projected := Record{}
	for key, value := range object {
		if slices.Contains(fields, key) || slices.Contains(projectedAlwaysFields, key) {
			projected[key] = value
		}
	}
	return projected
}
