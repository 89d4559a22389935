package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// PublishPlugin is the registry name of the notification stage.
const PublishPlugin = "mod_publish"

// PublishConfig configures the notification stage. An empty topic falls
// back to the run-wide topic.
type PublishConfig struct {
	Topic string `mapstructure:"topic"`
}

// Notification is the message sent for each persisted item.
type Notification struct {
	ID          string   `json:"id"`
	Key         string   `json:"key"`
	Source      string   `json:"source"`
	URL         string   `json:"url,omitempty"`
	Title       string   `json:"title,omitempty"`
	ArtifactURI string   `json:"artifact_uri"`
	Tags        []string `json:"tags,omitempty"`
}

// Publish tells downstream consumers where an item was stored.
type Publish struct {
	named
	topic     string
	publisher harvest.Publisher
	logger    *zap.Logger
}

// NewPublish validates cfg and builds the stage.
func NewPublish(name string, cfg PublishConfig, deps Deps) (*Publish, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = deps.PublishTopic
	}
	if topic == "" {
		return nil, harvest.NewConfigError("stages."+name+".topic", "topic is required")
	}
	if deps.Publisher == nil {
		return nil, harvest.NewConfigError("stages."+name, "no publisher configured")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publish{named: named{name}, topic: topic, publisher: deps.Publisher, logger: logger}, nil
}

func buildPublish(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[PublishConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewPublish(name, *typed, deps)
}

// Process implements harvest.Stage. Items that were not persisted are
// skipped.
func (p *Publish) Process(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	if item.ArtifactURI == "" {
		return item, fmt.Errorf("%w: item has no artifact", harvest.ErrSkip)
	}
	msg := Notification{
		ID:          item.ID,
		Key:         item.Key,
		Source:      item.Source,
		URL:         item.URL,
		Title:       item.Title,
		ArtifactURI: item.ArtifactURI,
		Tags:        item.Metadata.Tags,
	}
	msgID, err := p.publisher.Publish(ctx, p.topic, msg)
	if err != nil {
		return item, harvest.Transient(p.name, fmt.Errorf("publish to %s: %w", p.topic, err))
	}
	p.logger.Debug("item announced", zap.String("item_id", item.ID), zap.String("message_id", msgID))
	return item, nil
}
