package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsharvest/internal/coordinator"
	"github.com/JakeFAU/newsharvest/internal/harvest"
)

type capturedRequest struct {
	Path  string
	Query string
	Body  []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func endpointDeps(apiURL string) Deps {
	return Deps{
		Coordinator: coordinator.New(map[string]coordinator.ServiceConfig{"index": {Timeout: 5 * time.Second}}, nil),
		Services:    map[string]Service{"index": {APIURL: apiURL}},
	}.withDefaults()
}

func TestVectorDocuments(t *testing.T) {
	t.Parallel()

	item := testItem()
	docs := VectorDocuments(item)
	require.Len(t, docs, 1)
	assert.Equal(t, item.ID+"-0", docs[0].ID)
	assert.Equal(t, 0, docs[0].Metadata["part"])

	item.Parts = []harvest.Part{{ID: 1, Text: "one"}, {ID: 2, Text: " "}, {ID: 3, Text: "three"}}
	item.Metadata.Tags = []string{"economy"}
	docs = VectorDocuments(item)
	require.Len(t, docs, 2)
	assert.Equal(t, item.ID+"-3", docs[1].ID)
	assert.Equal(t, []string{"economy"}, docs[1].Metadata["tags"])

	item.Parts = nil
	item.Text = ""
	assert.Empty(t, VectorDocuments(item))
}

func TestVectorStoreProcess(t *testing.T) {
	t.Parallel()

	srv, requests := captureServer(t, http.StatusOK)
	v, err := NewVectorStore("mod_vectorstore", VectorStoreConfig{
		Service: "index", Collection: "news", Path: "/api/v1/documents",
	}, endpointDeps(srv.URL+"/"))
	require.NoError(t, err)

	item := testItem()
	item.Parts = []harvest.Part{{ID: 1, Text: "one"}, {ID: 2, Text: "two"}}
	_, err = v.Process(context.Background(), item)
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/v1/documents", reqs[0].Path)
	var got vectorRequest
	require.NoError(t, json.Unmarshal(reqs[0].Body, &got))
	assert.Equal(t, "news", got.Collection)
	require.Len(t, got.Documents, 2)
	assert.Equal(t, "two", got.Documents[1].Text)
}

func TestVectorStoreStatusFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		kind   harvest.ServiceErrorKind
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, kind: harvest.ServiceRateLimited},
		{name: "server error", status: http.StatusBadGateway, kind: harvest.ServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := captureServer(t, tc.status)
			v, err := NewVectorStore("vs", VectorStoreConfig{Service: "index", Collection: "news"}, endpointDeps(srv.URL))
			require.NoError(t, err)

			_, err = v.Process(context.Background(), testItem())
			var stageErr *harvest.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.False(t, stageErr.Fatal)
			assert.True(t, harvest.IsServiceKind(err, tc.kind))
		})
	}
}

func TestSolrProcess(t *testing.T) {
	t.Parallel()

	srv, requests := captureServer(t, http.StatusOK)
	s, err := NewSolr("mod_solrsubmit", SolrConfig{Service: "index", Collection: "articles"}, endpointDeps(srv.URL+"/solr"))
	require.NoError(t, err)

	item := testItem()
	item.Metadata.Summary = "short"
	_, err = s.Process(context.Background(), item)
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/solr/articles/update", reqs[0].Path)
	assert.Equal(t, "commit=true", reqs[0].Query)
	var docs []SolrDocument
	require.NoError(t, json.Unmarshal(reqs[0].Body, &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, item.ID, docs[0].ID)
	assert.Equal(t, "world", docs[0].Section)
	assert.Equal(t, "short", docs[0].Summary)
}

func TestIndexConfigValidation(t *testing.T) {
	t.Parallel()

	var cfgErr *harvest.ConfigError

	_, err := NewVectorStore("vs", VectorStoreConfig{Service: "index"}, endpointDeps("http://localhost"))
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewVectorStore("vs", VectorStoreConfig{Service: "index", Collection: "c"}, endpointDeps("not a url"))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "services.index.api_url", cfgErr.Field)

	_, err = NewSolr("solr", SolrConfig{Service: "other"}, endpointDeps("http://localhost"))
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewSolr("solr", SolrConfig{Service: "index"}, Deps{})
	require.ErrorAs(t, err, &cfgErr)
}
