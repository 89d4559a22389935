package harvest

import (
	"net/http"
	"time"
)

// Status is the terminal state of an item once the pipeline is done with it.
type Status string

// Item status values recorded in the run outcome.
const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// StageStatus is the per-stage result recorded on an item.
type StageStatus string

// Stage outcome values.
const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageKind separates sources from processors in the stage list.
type StageKind string

// Stage kinds accepted in configuration.
const (
	KindRetriever     StageKind = "retriever"
	KindDataProcessor StageKind = "data_processor"
)

// DefaultPriority applies to stage entries that omit a priority.
const DefaultPriority = 99

// Part is one ordered slice of an item's text.
type Part struct {
	ID      int    `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Metadata carries the enrichment produced by processing stages.
type Metadata struct {
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Classification map[string]string `json:"classification,omitempty" yaml:"classification,omitempty"`
	Summary        string            `json:"summary,omitempty" yaml:"summary,omitempty"`
	Language       string            `json:"language,omitempty" yaml:"language,omitempty"`
	PublishedAt    *time.Time        `json:"published_at,omitempty" yaml:"published_at,omitempty"`
	Links          []string          `json:"links,omitempty" yaml:"links,omitempty"`
}

// StageOutcome records what one stage did to an item.
type StageOutcome struct {
	Stage      string      `json:"stage" yaml:"stage"`
	Status     StageStatus `json:"status" yaml:"status"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time   `json:"finished_at" yaml:"finished_at"`
}

// Provenance names the plugin that produced an item.
type Provenance struct {
	Plugin  string `json:"plugin" yaml:"plugin"`
	Section string `json:"section,omitempty" yaml:"section,omitempty"`
}

// Item is a single retrieved content unit moving through the pipeline.
// Stages receive items by value and return the replacement, so an item is
// only ever owned by the goroutine currently holding it.
type Item struct {
	ID          string         `json:"id" yaml:"id"`
	Key         string         `json:"key" yaml:"key"`
	URL         string         `json:"url,omitempty" yaml:"url,omitempty"`
	Source      string         `json:"source" yaml:"source"`
	Provenance  Provenance     `json:"provenance" yaml:"provenance"`
	RetrievedAt time.Time      `json:"retrieved_at" yaml:"retrieved_at"`
	RawRef      string         `json:"raw_ref,omitempty" yaml:"raw_ref,omitempty"`
	Raw         []byte         `json:"raw,omitempty" yaml:"-"`
	ContentType string         `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Title       string         `json:"title,omitempty" yaml:"title,omitempty"`
	Text        string         `json:"text,omitempty" yaml:"text,omitempty"`
	Parts       []Part         `json:"parts,omitempty" yaml:"parts,omitempty"`
	Metadata    Metadata       `json:"metadata" yaml:"metadata"`
	Stages      []StageOutcome `json:"stages,omitempty" yaml:"stages,omitempty"`
	Status      Status         `json:"status" yaml:"status"`
	ArtifactURI string         `json:"artifact_uri,omitempty" yaml:"artifact_uri,omitempty"`
}

// Clone returns a deep copy so a stage can never alias the caller's slices.
func (it Item) Clone() Item {
	out := it
	out.Raw = append([]byte(nil), it.Raw...)
	out.Parts = append([]Part(nil), it.Parts...)
	out.Stages = append([]StageOutcome(nil), it.Stages...)
	out.Metadata.Tags = append([]string(nil), it.Metadata.Tags...)
	out.Metadata.Links = append([]string(nil), it.Metadata.Links...)
	if it.Metadata.Classification != nil {
		out.Metadata.Classification = make(map[string]string, len(it.Metadata.Classification))
		for k, v := range it.Metadata.Classification {
			out.Metadata.Classification[k] = v
		}
	}
	if it.Metadata.PublishedAt != nil {
		ts := *it.Metadata.PublishedAt
		out.Metadata.PublishedAt = &ts
	}
	return out
}

// DedupRecord is the write-once marker that a key has been fetched.
type DedupRecord struct {
	Key       string    `json:"key"`
	FirstSeen time.Time `json:"first_seen"`
	Source    string    `json:"source"`
}

// StageDescriptor is one entry of the configured stage list. Plugin names the
// registered implementation and defaults to Name, so one plugin can back
// several differently configured entries. Config holds the typed
// configuration decoded for the plugin at load time.
type StageDescriptor struct {
	Name     string
	Plugin   string
	Kind     StageKind
	Priority int
	Enabled  bool
	Fatal    bool
	Config   any
}

// ItemOutcome is the per-item record returned to the caller.
type ItemOutcome struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Source      string         `json:"source"`
	Status      Status         `json:"status"`
	Stages      []StageOutcome `json:"stages"`
	ArtifactURI string         `json:"artifact_uri,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// SourceReport summarizes what a single retrieval worker did.
type SourceReport struct {
	Name    string `json:"name"`
	Emitted int    `json:"emitted"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
	Err     string `json:"error,omitempty"`
}

// RunOutcome is the aggregated result of one pipeline execution.
type RunOutcome struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Items      []ItemOutcome  `json:"items"`
	Sources    []SourceReport `json:"sources"`
}

// Count returns how many items ended in the given status.
func (o RunOutcome) Count(status Status) int {
	n := 0
	for _, it := range o.Items {
		if it.Status == status {
			n++
		}
	}
	return n
}

// Skipped sums the already-known documents every source passed over.
func (o RunOutcome) Skipped() int {
	n := 0
	for _, r := range o.Sources {
		n += r.Skipped
	}
	return n
}

// FetchRequest captures everything needed to fetch a URL once.
type FetchRequest struct {
	URL       string
	Referer   string
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the result of a successful fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	Attempts     int
	UsedHeadless bool
}
