package livequery

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"

	"github.com/redis/go-redis/v9"
)

// a change event delivered by the external bus. originalObject is absent
// for creations. deletions carry the deleted snapshot as currentObject
type ChangeMessage struct {
	ClassName      string `json:"className,omitempty"`
	CurrentObject  Record `json:"currentObject"`
	OriginalObject Record `json:"originalObject,omitempty"`
}

func (self *ChangeMessage) className() string {
	if self.ClassName != "" {
		return self.ClassName
	}
	return recordClassName(self.CurrentObject)
}

func decodeChangeMessage(payload []byte) (*ChangeMessage, error) {
	var message ChangeMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

type BusMessage struct {
	Channel string
	Payload []byte
}

// BusSubscriber abstracts the publish/subscribe transport that carries
// change events. the returned channel closes when the subscription ends
type BusSubscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan BusMessage, error)
	Close() error
}

type RedisBusSubscriber struct {
	client *redis.Client
}

func NewRedisBusSubscriber(redisUrl string) (*RedisBusSubscriber, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	return &RedisBusSubscriber{
		client: redis.NewClient(options),
	}, nil
}

func (self *RedisBusSubscriber) Subscribe(ctx context.Context, channels ...string) (<-chan BusMessage, error) {
	pubsub := self.client.Subscribe(ctx, channels...)
	// force the subscribe to complete so that a bad connection fails here
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan BusMessage)
	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				glog.V(2).Infof("[bus]%s<-\n", message.Channel)
				select {
				case <-ctx.Done():
					return
				case out <- BusMessage{
					Channel: message.Channel,
					Payload: []byte(message.Payload),
				}:
				}
			}
		}
	}()
	return out, nil
}

func (self *RedisBusSubscriber) Close() error {
	return self.client.Close()
}
