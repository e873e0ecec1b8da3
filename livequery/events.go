package livequery

// lifecycle event names reported to hook listeners
const (
	LifecycleConnect         = "connect"
	LifecycleSubscribe       = "subscribe"
	LifecycleUnsubscribe     = "unsubscribe"
	LifecycleWsConnect       = "ws_connect"
	LifecycleWsDisconnect    = "ws_disconnect"
	LifecycleWsDisconnectErr = "ws_disconnect_error"
)

type LifecycleEvent struct {
	Event string
	// current counts at the time of the event
	Clients       int
	Subscriptions int
}

type LifecycleFunction func(event LifecycleEvent)

// EventHookRegistry notifies observers of server lifecycle events.
// it is owned by a server instance, never process-global
type EventHookRegistry struct {
	callbacks *CallbackList[LifecycleFunction]
}

func NewEventHookRegistry() *EventHookRegistry {
	return &EventHookRegistry{
		callbacks: NewCallbackList[LifecycleFunction](),
	}
}

func (self *EventHookRegistry) Listen(callback LifecycleFunction) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

// a listener panic must not take down the event pipeline
func (self *EventHookRegistry) Notify(event LifecycleEvent) {
	for _, callback := range self.callbacks.Get() {
		func() {
			defer recover()
			callback(event)
		}()
	}
}
