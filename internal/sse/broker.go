package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/geoface/attendance-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 100
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	Identity string
	Events   chan Event
	Done     chan struct{}
}

// topic is the set of local subscribers for one identity plus the redis
// subscription feeding them.
type topic struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
}

// Broker fans verification events out to SSE clients. Events travel through
// redis pub/sub so every server instance sees them.
type Broker struct {
	redis  *redisclient.Client
	topics map[string]*topic
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(identity string) *Client {
	client := &Client{
		Identity: identity,
		Events:   make(chan Event, clientBufferSize),
		Done:     make(chan struct{}),
	}

	b.mu.Lock()
	t := b.topics[identity]
	if t == nil {
		ctx, cancel := context.WithCancel(b.ctx)
		t = &topic{clients: make(map[*Client]bool), cancel: cancel}
		b.topics[identity] = t
		go b.subscribeToRedis(ctx, identity, t)
	}
	t.clients[client] = true
	clientCount := len(t.clients)
	b.mu.Unlock()

	log.Info().
		Str("identity", identity).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[client.Identity]
	if !ok || !t.clients[client] {
		return
	}

	delete(t.clients, client)
	close(client.Done)

	if len(t.clients) == 0 {
		t.cancel()
		delete(b.topics, client.Identity)
	}

	log.Info().
		Str("identity", client.Identity).
		Int("clientCount", len(t.clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, identity string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.redis.Publish(ctx, redisclient.EventChannel(identity), data).Err()
}

// subscribeToRedis feeds t, and only t, until ctx is cancelled.
func (b *Broker) subscribeToRedis(ctx context.Context, identity string, t *topic) {
	channel := redisclient.EventChannel(identity)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("identity", identity).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(t, identity, event)
		}
	}
}

func (b *Broker) broadcast(t *topic, identity string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range t.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("identity", identity).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		for client := range t.clients {
			close(client.Done)
		}
		t.clients = make(map[*Client]bool)
	}
	b.topics = make(map[string]*topic)
}

func (b *Broker) ClientCount(identity string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if t := b.topics[identity]; t != nil {
		return len(t.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, t := range b.topics {
		total += len(t.clients)
	}
	return total
}
