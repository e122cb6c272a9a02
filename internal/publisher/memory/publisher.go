// Package memory records published job events in-process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a sequential pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded job events in publish order.
func (p *Publisher) Events() []crawler.JobEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.JobEvent
	for _, msg := range p.messages {
		if evt, ok := msg.Payload.(crawler.JobEvent); ok {
			out = append(out, evt)
		}
	}
	return out
}
