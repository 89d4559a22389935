package harvest

import (
	"context"
	"time"
)

// DedupStore durably records which keys have already been fetched.
type DedupStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Insert(ctx context.Context, record DedupRecord) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Fetcher retrieves a URL, applying whatever politeness it implements.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Engine performs exactly one fetch attempt with no retries or spacing.
type Engine interface {
	Do(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// EmitFunc hands a freshly built item to the document channel.
type EmitFunc func(ctx context.Context, item Item) error

// Source is a retriever capability: it produces new items for one origin.
type Source interface {
	Name() string
	FetchBatch(ctx context.Context, emit EmitFunc) (SourceReport, error)
}

// DefaultsAdjuster is implemented by plugin configs whose defaults depend on
// other keys. explicit holds the keys the stage entry set itself.
type DefaultsAdjuster interface {
	AdjustDefaults(explicit map[string]any)
}

// Stage is a processing capability applied once per item.
type Stage interface {
	Name() string
	Process(ctx context.Context, item Item) (Item, error)
}

// Generator is an external text-generation service.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes notifications about persisted items.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator returns unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
