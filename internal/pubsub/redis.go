package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures the Redis broker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a PubSub backed by Redis channels.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Publish implements PubSub.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements PubSub. It returns once Redis has confirmed the
// subscription.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSub{
		ps:   ps,
		ch:   make(chan Message, memoryQueueSize),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements PubSub.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
