// Package events routes session events to the layers that deliver them to
// clients.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/inkwell-cms/collab/pkg/model"
)

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(event model.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(model.Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e model.Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(model.Event) {})

// Multi fans events out to several sinks in order.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti creates a fan-out over sinks; nil entries are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add registers another sink.
func (m *Multi) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Emit implements Sink.
func (m *Multi) Emit(e model.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks {
		s.Emit(e)
	}
}

// Channel buffers events for an in-process consumer. Events that do not
// fit are dropped and counted.
type Channel struct {
	ch      chan model.Event
	dropped atomic.Int64
}

// NewChannel creates a channel sink holding up to size events.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 256
	}
	return &Channel{ch: make(chan model.Event, size)}
}

// Emit implements Sink.
func (c *Channel) Emit(e model.Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side.
func (c *Channel) Events() <-chan model.Event { return c.ch }

// Dropped returns how many events were discarded.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }
