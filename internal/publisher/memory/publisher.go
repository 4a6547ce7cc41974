// Package memory records published run summaries in memory, encoded the way
// the Pub/Sub publisher puts them on the wire.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// Message is one recorded publish.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher implements crawler.Publisher without a broker.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	failNext error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish stores the JSON encoding of payload and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext; err != nil {
		p.failNext = nil
		return "", err
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	return id, nil
}

// FailNext makes the next Publish return err.
func (p *Publisher) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Summaries decodes every message published on topic as a run Summary.
func (p *Publisher) Summaries(topic string) ([]crawler.Summary, error) {
	var out []crawler.Summary
	for _, m := range p.Messages() {
		if m.Topic != topic {
			continue
		}
		var s crawler.Summary
		if err := json.Unmarshal(m.Data, &s); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}
