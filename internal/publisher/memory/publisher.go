// Package memory keeps notifications in process. Dry runs and runs without a
// Pub/Sub project publish here so mod_publish still has somewhere to send.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Message is one recorded notification.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records notifications per topic.
type Publisher struct {
	logger *zap.Logger

	mu       sync.Mutex
	messages []Message
	perTopic map[string]int
}

// New returns an empty Publisher. A nil logger discards output.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger, perTopic: make(map[string]int)}
}

// Publish implements harvest.Publisher. IDs count per topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if topic == "" {
		return "", fmt.Errorf("memory publish: topic is required")
	}
	p.mu.Lock()
	p.perTopic[topic]++
	id := fmt.Sprintf("%s-%d", topic, p.perTopic[topic])
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	p.mu.Unlock()

	p.logger.Debug("notification kept in memory", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

// Messages returns a copy of everything published, in order.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Topic returns the messages sent to topic.
func (p *Publisher) Topic(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
