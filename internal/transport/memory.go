package transport

import (
	"bytes"
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Transport. Every message is delivered to all
// subscribers of its topic, a publisher blocks while a subscriber's buffer
// is full.
type Memory struct {
	buffer int
	done   chan struct{}
	once   sync.Once

	mx     sync.RWMutex
	closed bool
	subs   map[string][]*subscriber
}

type subscriber struct {
	ch  chan []byte
	ctx context.Context
}

func NewMemory(buffer int) *Memory {
	return &Memory{
		buffer: max(buffer, 0),
		done:   make(chan struct{}),
		subs:   make(map[string][]*subscriber),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, msg []byte) error {
	m.mx.RLock()
	defer m.mx.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, s := range m.subs[topic] {
		select {
		case s.ch <- bytes.Clone(msg):
		case <-s.ctx.Done():
		case <-m.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	s := &subscriber{
		ch:  make(chan []byte, m.buffer),
		ctx: ctx,
	}

	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return nil, ErrClosed
	}
	m.subs[topic] = append(m.subs[topic], s)
	m.mx.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			m.unsubscribe(topic, s)
		case <-m.done:
		}
	}()
	return s.ch, nil
}

// Subscribers returns the number of active subscriptions of topic.
func (m *Memory) Subscribers(topic string) int {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return len(m.subs[topic])
}

func (m *Memory) unsubscribe(topic string, s *subscriber) {
	m.mx.Lock()
	defer m.mx.Unlock()
	idx := slices.Index(m.subs[topic], s)
	if idx < 0 {
		return
	}
	m.subs[topic] = slices.Delete(m.subs[topic], idx, idx+1)
	if len(m.subs[topic]) == 0 {
		delete(m.subs, topic)
	}
	close(s.ch)
}

// Close ends all subscriptions. Publish and Subscribe fail with ErrClosed
// afterwards.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.mx.Lock()
		defer m.mx.Unlock()
		m.closed = true
		for _, subs := range m.subs {
			for _, s := range subs {
				close(s.ch)
			}
		}
		m.subs = nil
	})
	return nil
}
