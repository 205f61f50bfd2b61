// Package pubsub carries committed changes between service instances.
package pubsub

import (
	"context"
	"sync"

	"github.com/inkwell-cms/collab/pkg/errclass"
)

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a stream of messages for one topic.
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan Message
	Close() error
}

// PubSub publishes payloads to topics and subscribes to them.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

const memoryQueueSize = 256

// Memory is an in-process PubSub. Slow subscribers lose messages rather
// than block publishers.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an in-process broker.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

// Publish implements PubSub.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errclass.ErrClosed.WithMessage("pubsub closed")
	}

	for sub := range m.topics[topic] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case sub.ch <- Message{Topic: topic, Payload: data}:
		default:
		}
	}
	return nil
}

// Subscribe implements PubSub.
func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errclass.ErrClosed.WithMessage("pubsub closed")
	}

	sub := &memorySub{m: m, topic: topic, ch: make(chan Message, memoryQueueSize)}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*memorySub]struct{})
	}
	m.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Close implements PubSub and ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.topics {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	m.topics = nil
	return nil
}

type memorySub struct {
	m     *Memory
	topic string
	ch    chan Message
	once  sync.Once
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if subs := s.m.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.m.topics, s.topic)
		}
	}
	s.closeLocked()
	return nil
}

func (s *memorySub) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
