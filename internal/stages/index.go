package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/llm"
)

// VectorStorePlugin is the registry name of the vector store submitter.
const VectorStorePlugin = "mod_vectorstore"

// SolrPlugin is the registry name of the Solr submitter.
const SolrPlugin = "mod_solrsubmit"

// VectorStoreConfig configures the vector store submitter.
type VectorStoreConfig struct {
	Service    string `mapstructure:"service" validate:"required"`
	Collection string `mapstructure:"collection" validate:"required"`
	Path       string `mapstructure:"path"`
}

// DefaultVectorStoreConfig returns the submitter defaults.
func DefaultVectorStoreConfig() *VectorStoreConfig {
	return &VectorStoreConfig{Path: "/api/v1/documents"}
}

// VectorDocument is one chunk sent to the vector store.
type VectorDocument struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

type vectorRequest struct {
	Collection string           `json:"collection"`
	Documents  []VectorDocument `json:"documents"`
}

// VectorStore posts item parts, or the whole text when unsplit, to a vector
// store HTTP endpoint.
type VectorStore struct {
	named
	cfg      VectorStoreConfig
	endpoint string
	deps     Deps
}

// NewVectorStore validates cfg and builds the stage.
func NewVectorStore(name string, cfg VectorStoreConfig, deps Deps) (*VectorStore, error) {
	if cfg.Collection == "" {
		return nil, harvest.NewConfigError("stages."+name+".collection", "collection is required")
	}
	svc, err := deps.service(name, cfg.Service)
	if err != nil {
		return nil, err
	}
	endpoint, err := joinEndpoint(svc.APIURL, cfg.Path)
	if err != nil {
		return nil, harvest.NewConfigError("services."+cfg.Service+".api_url", "%v", err)
	}
	return &VectorStore{named: named{name}, cfg: cfg, endpoint: endpoint, deps: deps}, nil
}

func buildVectorStore(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[VectorStoreConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewVectorStore(name, *typed, deps)
}

// Process implements harvest.Stage.
func (v *VectorStore) Process(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	docs := VectorDocuments(item)
	if len(docs) == 0 {
		return item, fmt.Errorf("%w: no text to index", harvest.ErrSkip)
	}
	err := postJSON(ctx, v.deps, v.cfg.Service, v.endpoint, vectorRequest{Collection: v.cfg.Collection, Documents: docs})
	if err != nil {
		return item, serviceFailure(v.name, err)
	}
	return item, nil
}

// VectorDocuments converts an item into the chunks sent to the store.
func VectorDocuments(item harvest.Item) []VectorDocument {
	meta := func(part int) map[string]any {
		m := map[string]any{
			"item_id": item.ID,
			"source":  item.Source,
			"title":   item.Title,
			"part":    part,
		}
		if item.URL != "" {
			m["url"] = item.URL
		}
		if len(item.Metadata.Tags) > 0 {
			m["tags"] = item.Metadata.Tags
		}
		return m
	}
	if len(item.Parts) == 0 {
		if strings.TrimSpace(item.Text) == "" {
			return nil
		}
		return []VectorDocument{{ID: item.ID + "-0", Text: item.Text, Metadata: meta(0)}}
	}
	docs := make([]VectorDocument, 0, len(item.Parts))
	for _, p := range item.Parts {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		docs = append(docs, VectorDocument{ID: fmt.Sprintf("%s-%d", item.ID, p.ID), Text: p.Text, Metadata: meta(p.ID)})
	}
	return docs
}

// SolrConfig configures the Solr submitter. Collection, when set, is placed
// in the update path.
type SolrConfig struct {
	Service    string `mapstructure:"service" validate:"required"`
	Collection string `mapstructure:"collection"`
}

// SolrDocument is the indexed form of an item.
type SolrDocument struct {
	ID          string     `json:"id"`
	URL         string     `json:"url,omitempty"`
	Title       string     `json:"title,omitempty"`
	Text        string     `json:"text"`
	Summary     string     `json:"summary,omitempty"`
	Source      string     `json:"source"`
	Section     string     `json:"section,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Language    string     `json:"language,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetrievedAt time.Time  `json:"retrieved_at"`
}

// Solr posts items to a Solr update handler with an immediate commit.
type Solr struct {
	named
	cfg      SolrConfig
	endpoint string
	deps     Deps
}

// NewSolr validates cfg and builds the stage.
func NewSolr(name string, cfg SolrConfig, deps Deps) (*Solr, error) {
	svc, err := deps.service(name, cfg.Service)
	if err != nil {
		return nil, err
	}
	path := "/update"
	if cfg.Collection != "" {
		path = "/" + url.PathEscape(cfg.Collection) + "/update"
	}
	endpoint, err := joinEndpoint(svc.APIURL, path)
	if err != nil {
		return nil, harvest.NewConfigError("services."+cfg.Service+".api_url", "%v", err)
	}
	return &Solr{named: named{name}, cfg: cfg, endpoint: endpoint + "?commit=true", deps: deps}, nil
}

func buildSolr(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[SolrConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewSolr(name, *typed, deps)
}

// Process implements harvest.Stage.
func (s *Solr) Process(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	doc := SolrDocument{
		ID:          item.ID,
		URL:         item.URL,
		Title:       item.Title,
		Text:        item.Text,
		Summary:     item.Metadata.Summary,
		Source:      item.Source,
		Section:     item.Provenance.Section,
		Tags:        item.Metadata.Tags,
		Language:    item.Metadata.Language,
		PublishedAt: item.Metadata.PublishedAt,
		RetrievedAt: item.RetrievedAt,
	}
	if err := postJSON(ctx, s.deps, s.cfg.Service, s.endpoint, []SolrDocument{doc}); err != nil {
		return item, serviceFailure(s.name, err)
	}
	return item, nil
}

func joinEndpoint(base, path string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("api_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("api_url %q is not an absolute url", base)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"), nil
}

// postJSON sends body through the coordinator and classifies the reply.
func postJSON(ctx context.Context, deps Deps, serviceID, endpoint string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return deps.Coordinator.Do(ctx, serviceID, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := deps.HTTPClient.Do(req)
		if err != nil {
			return llm.TransportError(serviceID, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return llm.StatusError(serviceID, resp.StatusCode, string(msg))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}
