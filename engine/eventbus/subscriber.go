package eventbus

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/driftworks/conductor/common/redis"
)

// RedisSubscriber bridges redis pub/sub into a local hub. Each api
// process runs one; workers publish with RedisPublisher and every hub
// instance receives the frame for its own connections.
type RedisSubscriber struct {
	client *redis.Client
	hub    *Hub
	logger Logger
}

func NewRedisSubscriber(client *redis.Client, hub *Hub, logger Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, hub: hub, logger: logger}
}

// Start consumes matching channels until the context is cancelled
func (s *RedisSubscriber) Start(ctx context.Context) {
	pubsub := s.client.PSubscribe(ctx, channelPrefix+"*")

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.logger.Warn("event subscription channel closed")
					return
				}
				room := strings.TrimPrefix(msg.Channel, channelPrefix)
				if !ValidRoom(room) {
					s.logger.Warn("dropping event for unknown room", "channel", msg.Channel)
					continue
				}
				s.hub.BroadcastRaw(room, []byte(msg.Payload))
				s.logger.Debug("bridged event",
					"room", room,
					"type", gjson.Get(msg.Payload, "type").String(),
				)
			}
		}
	}()

	s.logger.Info("event subscriber started", "pattern", channelPrefix+"*")
}
