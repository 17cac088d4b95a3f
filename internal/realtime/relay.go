package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realmforge/api/internal/util"
)

const RelayChannel = "realtime"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay mirrors hub events across instances through one pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	origin  string
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisRelay(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  client,
		hub:     hub,
		origin:  util.RandomHex(8),
		channel: RelayChannel,
		logger:  logger,
	}
}

// Start subscribes to the relay channel and installs the relay on the hub.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.hub.SetForwarder(r)
	go r.listen(pubsub.Channel(), r.done)
	return nil
}

func (r *RedisRelay) listen(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("realtime relay: bad payload", zap.Error(err))
			continue
		}
		if env.Origin == r.origin {
			continue
		}
		r.hub.deliver(env.Event)
	}
}

func (r *RedisRelay) Forward(event Event) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: event})
	if err != nil {
		r.logger.Warn("realtime relay: encode event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("realtime relay: publish", zap.String("topic", event.Topic), zap.Error(err))
	}
}

// Close detaches from the hub and waits for the listener to exit.
func (r *RedisRelay) Close() error {
	r.hub.SetForwarder(nil)

	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
