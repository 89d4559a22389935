package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	pubmemory "github.com/JakeFAU/newsharvest/internal/publisher/memory"
)

func TestPublishAnnouncesArtifact(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New(nil)
	p, err := NewPublish("mod_publish", PublishConfig{}, Deps{Publisher: pub, PublishTopic: "items"})
	require.NoError(t, err)

	item := testItem()
	item.ArtifactURI = "gs://bucket/documents/one.json"
	item.Metadata.Tags = []string{"economy"}
	_, err = p.Process(context.Background(), item)
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "items", msgs[0].Topic)
	msg, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	assert.Equal(t, item.ID, msg.ID)
	assert.Equal(t, "gs://bucket/documents/one.json", msg.ArtifactURI)
	assert.Equal(t, []string{"economy"}, msg.Tags)
}

func TestPublishSkipsUnpersisted(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New(nil)
	p, err := NewPublish("mod_publish", PublishConfig{Topic: "own-topic"}, Deps{Publisher: pub})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), testItem())
	assert.ErrorIs(t, err, harvest.ErrSkip)
	assert.Empty(t, pub.Messages())
}

func TestNewPublishValidation(t *testing.T) {
	t.Parallel()

	var cfgErr *harvest.ConfigError
	_, err := NewPublish("p", PublishConfig{}, Deps{Publisher: pubmemory.New(nil)})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "stages.p.topic", cfgErr.Field)

	_, err = NewPublish("p", PublishConfig{Topic: "t"}, Deps{})
	require.ErrorAs(t, err, &cfgErr)
}
