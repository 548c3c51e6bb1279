package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"linkscrub/internal/search"
	"linkscrub/internal/store"
)

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}

type stubStore struct {
	insertCleaningFunc  func(context.Context, store.InsertCleaningParams) (store.Cleaning, error)
	filterCleaningsFunc func(context.Context, store.FilterCleaningsParams) ([]store.Cleaning, error)
	insertSourceFunc    func(context.Context, string) (store.Source, error)
}

func (s *stubStore) InsertSource(ctx context.Context, url string) (store.Source, error) {
	if s.insertSourceFunc != nil {
		return s.insertSourceFunc(ctx, url)
	}
	return store.Source{ID: "src", URL: url, Active: true}, nil
}

func (s *stubStore) ListSources(context.Context, bool) ([]store.Source, error) {
	return nil, nil
}

func (s *stubStore) InsertCleaning(ctx context.Context, arg store.InsertCleaningParams) (store.Cleaning, error) {
	if s.insertCleaningFunc != nil {
		return s.insertCleaningFunc(ctx, arg)
	}
	return store.Cleaning{
		ID:              "rec",
		RawURL:          arg.RawURL,
		CleanURL:        arg.CleanURL,
		Host:            arg.Host,
		MatchedDomain:   arg.MatchedDomain,
		PreservedParams: arg.PreservedParams,
		Changed:         arg.Changed,
		CleanedAt:       time.Now().UTC(),
	}, nil
}

func (s *stubStore) FilterCleanings(ctx context.Context, arg store.FilterCleaningsParams) ([]store.Cleaning, error) {
	if s.filterCleaningsFunc != nil {
		return s.filterCleaningsFunc(ctx, arg)
	}
	return nil, nil
}

func (s *stubStore) CountByDomain(context.Context, int32) ([]store.DomainCount, error) {
	return nil, nil
}

type stubSearcher struct {
	upserts [][]search.Document
}

func (s *stubSearcher) Health(context.Context) error { return nil }

func (s *stubSearcher) Search(ctx context.Context, query string, limit, offset int, filters search.SearchFilters) (search.SearchResponse, error) {
	return search.SearchResponse{Query: query, Limit: limit, Offset: offset, Hits: []search.Document{}}, nil
}

func (s *stubSearcher) UpsertDocuments(ctx context.Context, docs []search.Document) error {
	copied := make([]search.Document, len(docs))
	copy(copied, docs)
	s.upserts = append(s.upserts, copied)
	return nil
}

func TestCleanHandlerRecordsMatchedDomain(t *testing.T) {
	t.Parallel()

	var inserted *store.InsertCleaningParams
	stub := &stubStore{
		insertCleaningFunc: func(ctx context.Context, arg store.InsertCleaningParams) (store.Cleaning, error) {
			inserted = &arg
			return store.Cleaning{ID: "rec", RawURL: arg.RawURL, CleanURL: arg.CleanURL,
				Host: arg.Host, MatchedDomain: arg.MatchedDomain,
				PreservedParams: arg.PreservedParams, Changed: arg.Changed,
				CleanedAt: time.Now().UTC()}, nil
		},
	}
	idx := &stubSearcher{}
	srv := NewServer(Config{Store: stub, Search: idx, Service: "test"})

	body := `{"url":"https://www.youtube.com/watch?v=abc123&utm_source=x&list=PL1"}`
	req := httptest.NewRequest(http.MethodPost, "/clean", jsonBody(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp struct {
		URL             string   `json:"url"`
		PreservedParams []string `json:"preserved_params"`
		MatchedDomain   *string  `json:"matched_domain"`
		Changed         bool     `json:"changed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.URL != "https://www.youtube.com/watch?v=abc123&list=PL1" {
		t.Fatalf("unexpected cleaned url %q", resp.URL)
	}
	if len(resp.PreservedParams) != 2 || resp.PreservedParams[0] != "v" || resp.PreservedParams[1] != "list" {
		t.Fatalf("unexpected preserved params %v", resp.PreservedParams)
	}
	if resp.MatchedDomain == nil || *resp.MatchedDomain != "youtube.com" {
		t.Fatalf("unexpected matched domain %v", resp.MatchedDomain)
	}
	if !resp.Changed {
		t.Fatal("expected changed to be true")
	}

	if inserted == nil {
		t.Fatal("expected cleaning to be recorded")
	}
	if inserted.Host != "www.youtube.com" {
		t.Fatalf("recorded host = %q", inserted.Host)
	}
	if !inserted.MatchedDomain.Valid || inserted.MatchedDomain.String != "youtube.com" {
		t.Fatalf("recorded matched domain = %v", inserted.MatchedDomain)
	}
	if len(idx.upserts) != 1 || len(idx.upserts[0]) != 1 {
		t.Fatalf("expected one indexed document, got %v", idx.upserts)
	}
	if idx.upserts[0][0].CleanURL != resp.URL {
		t.Fatalf("indexed clean url = %q", idx.upserts[0][0].CleanURL)
	}
}

func TestCleanHandlerEchoesMalformedInput(t *testing.T) {
	t.Parallel()

	stub := &stubStore{
		insertCleaningFunc: func(ctx context.Context, arg store.InsertCleaningParams) (store.Cleaning, error) {
			t.Fatal("InsertCleaning should not be called for malformed input")
			return store.Cleaning{}, nil
		},
	}
	srv := NewServer(Config{Store: stub, Service: "test"})

	req := httptest.NewRequest(http.MethodPost, "/clean", jsonBody(`{"url":"not a url"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var resp struct {
		URL             string   `json:"url"`
		PreservedParams []string `json:"preserved_params"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.URL != "not a url" {
		t.Fatalf("expected input echoed back, got %q", resp.URL)
	}
	if len(resp.PreservedParams) != 0 {
		t.Fatalf("expected no preserved params, got %v", resp.PreservedParams)
	}
}

func TestCleanHandlerMissingURL(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Store: &stubStore{}, Service: "test"})

	req := httptest.NewRequest(http.MethodPost, "/clean", jsonBody(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHistoryHandlerCapsLimit(t *testing.T) {
	t.Parallel()

	called := false
	stub := &stubStore{
		filterCleaningsFunc: func(ctx context.Context, params store.FilterCleaningsParams) ([]store.Cleaning, error) {
			called = true
			if params.Limit != maxHistoryLimit {
				t.Fatalf("expected limit %d, got %d", maxHistoryLimit, params.Limit)
			}
			if params.Offset != 5 {
				t.Fatalf("expected offset 5, got %d", params.Offset)
			}
			if params.Host != "example.com" {
				t.Fatalf("expected host filter, got %q", params.Host)
			}
			return []store.Cleaning{}, nil
		},
	}
	srv := NewServer(Config{Store: stub, Service: "test"})

	req := httptest.NewRequest(http.MethodGet, "/history?limit=1000&offset=5&host=example.com", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !called {
		t.Fatal("expected FilterCleanings to be called")
	}
}

func TestHistoryHandlerNegativeLimit(t *testing.T) {
	t.Parallel()

	stub := &stubStore{
		filterCleaningsFunc: func(ctx context.Context, params store.FilterCleaningsParams) ([]store.Cleaning, error) {
			t.Fatal("FilterCleanings should not be called for invalid limit")
			return nil, nil
		},
	}
	srv := NewServer(Config{Store: stub, Service: "test"})

	req := httptest.NewRequest(http.MethodGet, "/history?limit=-1", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHistoryHandlerNegativeOffset(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Store: &stubStore{}, Service: "test"})

	req := httptest.NewRequest(http.MethodGet, "/history?offset=-10", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestPoliciesHandler(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Store: &stubStore{}, Service: "test"})

	req := httptest.NewRequest(http.MethodGet, "/policies", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var policies []struct {
		Domain string   `json:"domain"`
		Params []string `json:"params"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &policies); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(policies) == 0 {
		t.Fatal("expected a non-empty policy table")
	}
}

func TestExtractHandlerCleansPageLinks(t *testing.T) {
	t.Parallel()

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
<a href="/article?utm_source=newsletter#top">local</a>
<a href="https://www.youtube.com/watch?v=abc&utm_medium=social">video</a>
</body></html>`))
	}))
	t.Cleanup(page.Close)

	srv := NewServer(Config{Store: &stubStore{}, Service: "test"})

	req := httptest.NewRequest(http.MethodPost, "/extract", jsonBody(`{"url":"`+page.URL+`/index"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
		Links []struct {
			Raw     string `json:"raw"`
			Clean   string `json:"clean"`
			Changed bool   `json:"changed"`
		} `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("expected 2 links, got %d", resp.Count)
	}
	if resp.Links[0].Clean != page.URL+"/article#top" {
		t.Fatalf("local link cleaned to %q", resp.Links[0].Clean)
	}
	if !resp.Links[0].Changed {
		t.Fatal("expected local link to be changed")
	}
	if resp.Links[1].Clean != "https://www.youtube.com/watch?v=abc" {
		t.Fatalf("video link cleaned to %q", resp.Links[1].Clean)
	}
}

func TestExtractHandlerRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Store: &stubStore{}, Service: "test"})

	req := httptest.NewRequest(http.MethodPost, "/extract", jsonBody(`{"url":"/not-absolute"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestSourcesHandlerConflict(t *testing.T) {
	t.Parallel()

	stub := &stubStore{
		insertSourceFunc: func(ctx context.Context, url string) (store.Source, error) {
			return store.Source{}, store.ErrSourceExists
		},
	}
	srv := NewServer(Config{Store: stub, Service: "test"})
	srv.HTTPErrorHandler = HTTPErrorHandler("test")

	req := httptest.NewRequest(http.MethodPost, "/sources", jsonBody(`{"url":"https://example.com/feed.xml"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestHealthzWithoutBackends(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Store: &stubStore{}, Service: "test"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}
