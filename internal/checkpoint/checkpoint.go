// Package checkpoint snapshots items at every stage boundary so an
// interrupted run can pick up in-flight items where they stopped.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// Dir is the folder under the data directory holding snapshots.
const Dir = "checkpoints"

// Blobs is the subset of a blob store the checkpoint store needs. Writes
// must be atomic.
type Blobs interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
	List(ctx context.Context, dir string) ([]string, error)
}

// Store persists item snapshots.
type Store struct {
	blobs  Blobs
	keep   bool
	logger *zap.Logger
}

// New creates a store. When keep is true, snapshots of completed items are
// left in place.
func New(blobs Blobs, keep bool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, keep: keep, logger: logger}
}

func objectPath(id string) string {
	return path.Join(Dir, id+".json")
}

// Save writes the item snapshot, replacing any earlier one.
func (s *Store) Save(ctx context.Context, item harvest.Item) error {
	if item.ID == "" {
		return fmt.Errorf("checkpoint: item id is required")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("checkpoint %s: marshal: %w", item.ID, err)
	}
	if _, err := s.blobs.PutObject(ctx, objectPath(item.ID), "application/json", data); err != nil {
		return fmt.Errorf("checkpoint %s: %w", item.ID, err)
	}
	return nil
}

// Load reads the snapshot for id.
func (s *Store) Load(ctx context.Context, id string) (harvest.Item, error) {
	data, err := s.blobs.GetObject(ctx, objectPath(id))
	if err != nil {
		return harvest.Item{}, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	var item harvest.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return harvest.Item{}, fmt.Errorf("checkpoint %s: decode: %w", id, err)
	}
	return item, nil
}

// Finish is called once the item reached a terminal status. Completed items
// lose their snapshot unless the store keeps them; partial ones always keep
// it for inspection.
func (s *Store) Finish(ctx context.Context, item harvest.Item) error {
	if err := s.Save(ctx, item); err != nil {
		return err
	}
	if item.Status != harvest.StatusComplete || s.keep {
		return nil
	}
	if err := s.blobs.DeleteObject(ctx, objectPath(item.ID)); err != nil {
		return fmt.Errorf("checkpoint %s: remove: %w", item.ID, err)
	}
	return nil
}

// Pending returns the items a previous run left in flight, ordered by
// retrieval time.
func (s *Store) Pending(ctx context.Context) ([]harvest.Item, error) {
	names, err := s.blobs.List(ctx, Dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []harvest.Item
	for _, name := range names {
		base := path.Base(strings.ReplaceAll(name, "\\", "/"))
		if !strings.HasSuffix(base, ".json") {
			continue
		}
		item, err := s.Load(ctx, strings.TrimSuffix(base, ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("path", name), zap.Error(err))
			continue
		}
		if item.Status == harvest.StatusPending {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RetrievedAt.Before(out[j].RetrievedAt) })
	return out, nil
}

// Emitter returns an emit function that snapshots each item before handing
// it to next. An item whose key is already recorded in the dedup store is
// then recoverable even if the process dies before its first stage ran. A
// failed snapshot is logged and the item is still passed on.
func (s *Store) Emitter(next harvest.EmitFunc) harvest.EmitFunc {
	return func(ctx context.Context, item harvest.Item) error {
		if err := s.Save(ctx, item); err != nil {
			s.logger.Warn("emit checkpoint failed", zap.String("item_id", item.ID), zap.Error(err))
		}
		return next(ctx, item)
	}
}

// ResumeSource replays the items a previous run left pending. The list is
// taken before the run starts so snapshots written by the current run are
// never replayed.
type ResumeSource struct {
	items []harvest.Item
}

// ResumeSourceName is the source name reported for replayed items.
const ResumeSourceName = "resume"

// NewResumeSource replays items, typically the result of Store.Pending.
func NewResumeSource(items []harvest.Item) *ResumeSource {
	return &ResumeSource{items: items}
}

// Name implements harvest.Source.
func (r *ResumeSource) Name() string { return ResumeSourceName }

// FetchBatch implements harvest.Source.
func (r *ResumeSource) FetchBatch(ctx context.Context, emit harvest.EmitFunc) (harvest.SourceReport, error) {
	report := harvest.SourceReport{Name: ResumeSourceName}
	for _, item := range r.items {
		if err := emit(ctx, item); err != nil {
			return report, err
		}
		report.Emitted++
	}
	return report, nil
}
