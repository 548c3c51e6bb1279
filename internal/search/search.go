package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	meilisearch "github.com/meilisearch/meilisearch-go"

	"linkscrub/internal/logx"
)

// Document is a cleaning record as stored in the search index.
type Document struct {
	ID              string    `json:"id"`
	RawURL          string    `json:"raw_url"`
	CleanURL        string    `json:"clean_url"`
	Host            string    `json:"host"`
	MatchedDomain   string    `json:"matched_domain,omitempty"`
	PreservedParams []string  `json:"preserved_params,omitempty"`
	Changed         bool      `json:"changed"`
	CleanedAt       time.Time `json:"cleaned_at"`
}

type Metrics interface {
	ObserveSearch(method string, err error, duration time.Duration)
}

type Client struct {
	svc     string
	client  meilisearch.ServiceManager
	index   string
	metrics Metrics
}

func New(url string, metrics Metrics) *Client {
	return &Client{
		svc:     "search",
		client:  meilisearch.New(url),
		index:   "cleanings",
		metrics: metrics,
	}
}

func (c *Client) EnsureIndex(ctx context.Context) (err error) {
	if c.metrics != nil {
		defer func(start time.Time) {
			c.metrics.ObserveSearch("EnsureIndex", err, time.Since(start))
		}(time.Now())
	}

	if _, err = c.client.GetIndexWithContext(ctx, c.index); err != nil {
		var apiErr *meilisearch.Error
		if errors.As(err, &apiErr) && apiErr.MeilisearchApiError.Code == "index_not_found" {
			if _, err = c.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{Uid: c.index, PrimaryKey: "id"}); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	settings := &meilisearch.Settings{
		SearchableAttributes: []string{"raw_url", "clean_url", "host"},
		FilterableAttributes: []string{"matched_domain", "changed"},
	}
	if _, err = c.client.Index(c.index).UpdateSettingsWithContext(ctx, settings); err != nil {
		return err
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (err error) {
	if c.metrics != nil {
		defer func(start time.Time) {
			c.metrics.ObserveSearch("Health", err, time.Since(start))
		}(time.Now())
	}

	if !c.client.IsHealthy() {
		err = fmt.Errorf("meili unhealthy")
		return err
	}
	return nil
}

type SearchResponse struct {
	Query          string     `json:"query"`
	Limit          int        `json:"limit"`
	Offset         int        `json:"offset"`
	EstimatedTotal int64      `json:"estimated_total"`
	Hits           []Document `json:"hits"`
}

type SearchFilters struct {
	MatchedDomain string
}

func (c *Client) Search(ctx context.Context, query string, limit, offset int, filters SearchFilters) (resp SearchResponse, err error) {
	if c.metrics != nil {
		defer func(start time.Time) {
			c.metrics.ObserveSearch("Search", err, time.Since(start))
		}(time.Now())
	}

	req := &meilisearch.SearchRequest{
		Offset: int64(offset),
		Limit:  int64(limit),
	}
	if filters.MatchedDomain != "" {
		req.Filter = fmt.Sprintf("matched_domain = %q", filters.MatchedDomain)
	}

	var searchRes *meilisearch.SearchResponse
	searchRes, err = c.client.Index(c.index).SearchWithContext(ctx, query, req)
	if err != nil {
		return SearchResponse{}, err
	}

	hits := make([]Document, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		m, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		doc := Document{}
		if v, ok := m["id"].(string); ok {
			doc.ID = v
		}
		if v, ok := m["raw_url"].(string); ok {
			doc.RawURL = v
		}
		if v, ok := m["clean_url"].(string); ok {
			doc.CleanURL = v
		}
		if v, ok := m["host"].(string); ok {
			doc.Host = v
		}
		if v, ok := m["matched_domain"].(string); ok {
			doc.MatchedDomain = v
		}
		if v, ok := m["changed"].(bool); ok {
			doc.Changed = v
		}
		if raw, ok := m["preserved_params"].([]interface{}); ok {
			for _, entry := range raw {
				if name, ok := entry.(string); ok {
					doc.PreservedParams = append(doc.PreservedParams, name)
				}
			}
		}
		if v, ok := m["cleaned_at"].(string); ok && v != "" {
			if parsed, parseErr := time.Parse(time.RFC3339, v); parseErr == nil {
				doc.CleanedAt = parsed
			}
		}
		hits = append(hits, doc)
	}
	resp = SearchResponse{Query: query, Limit: limit, Offset: offset, EstimatedTotal: searchRes.EstimatedTotalHits, Hits: hits}
	return resp, nil
}

func (c *Client) UpsertDocuments(ctx context.Context, docs []Document) (err error) {
	if c.metrics != nil {
		defer func(start time.Time) {
			c.metrics.ObserveSearch("UpsertDocuments", err, time.Since(start))
		}(time.Now())
	}

	if len(docs) == 0 {
		return nil
	}
	_, err = c.client.Index(c.index).UpdateDocumentsWithContext(ctx, docs)
	return err
}

// UpsertBatch is UpsertDocuments with a progress log line for worker runs.
func (c *Client) UpsertBatch(ctx context.Context, docs []Document) (err error) {
	if c.metrics != nil {
		defer func(start time.Time) {
			c.metrics.ObserveSearch("UpsertBatch", err, time.Since(start))
		}(time.Now())
	}

	if len(docs) == 0 {
		return nil
	}

	logx.Info(c.svc, "upsert batch", map[string]any{"index": c.index, "batch_size": len(docs)})

	_, err = c.client.Index(c.index).UpdateDocumentsWithContext(ctx, docs)
	return err
}

func (c *Client) IndexName() string {
	return c.index
}
