package main

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"linkscrub/internal/httpx"
	"linkscrub/internal/linkfeed"
	"linkscrub/internal/search"
	"linkscrub/internal/store"
)

type stubScrubStore struct {
	updates   []store.UpdateSourceCrawlStateParams
	cleanings []store.InsertCleaningParams
}

func (s *stubScrubStore) UpdateSourceCrawlState(ctx context.Context, arg store.UpdateSourceCrawlStateParams) (store.Source, error) {
	s.updates = append(s.updates, arg)
	return store.Source{
		ID:           arg.ID,
		URL:          "http://example.com/feed",
		Title:        arg.Title,
		ETag:         arg.ETag,
		LastModified: arg.LastModified,
		LastCrawled:  arg.LastCrawled,
		Active:       true,
	}, nil
}

func (s *stubScrubStore) InsertCleaning(ctx context.Context, arg store.InsertCleaningParams) (store.Cleaning, error) {
	s.cleanings = append(s.cleanings, arg)
	return store.Cleaning{
		ID:              "rec",
		SourceID:        arg.SourceID,
		RawURL:          arg.RawURL,
		CleanURL:        arg.CleanURL,
		Host:            arg.Host,
		MatchedDomain:   arg.MatchedDomain,
		PreservedParams: arg.PreservedParams,
		Changed:         arg.Changed,
		CleanedAt:       time.Now().UTC(),
	}, nil
}

type stubIndexer struct {
	batches [][]search.Document
}

func (s *stubIndexer) UpsertBatch(ctx context.Context, docs []search.Document) error {
	copied := make([]search.Document, len(docs))
	copy(copied, docs)
	s.batches = append(s.batches, copied)
	return nil
}

type stubFetcher struct {
	result linkfeed.Result
	err    error
}

func (s *stubFetcher) Fetch(ctx context.Context, url, etag, lastModified string) (linkfeed.Result, error) {
	return s.result, s.err
}

func testBackoffs() *backoffTracker {
	return newBackoffTracker(httpx.BackoffConfig{Min: 30 * time.Second, Max: 10 * time.Minute, Factor: 2})
}

func TestScrubSourceRecordsCleanedLinks(t *testing.T) {
	repo := &stubScrubStore{}
	idx := &stubIndexer{}
	fetcher := &stubFetcher{
		result: linkfeed.Result{
			Status: http.StatusOK,
			Feed: &gofeed.Feed{
				Title: "Example",
				Items: []*gofeed.Item{
					{Link: "https://www.youtube.com/watch?v=abc&utm_source=rss"},
					{Link: "https://example.com/post?utm_medium=feed#body"},
					{Link: "not-absolute"},
				},
			},
			ETag: `W/"next"`,
		},
	}

	src := store.Source{ID: "src-1", URL: "http://example.com/feed", Active: true}
	result := ScrubSource(context.Background(), repo, idx, fetcher, testBackoffs(), src)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Links != 2 {
		t.Fatalf("expected 2 links, got %d", result.Links)
	}

	if len(repo.updates) != 1 {
		t.Fatalf("expected one crawl state update, got %d", len(repo.updates))
	}
	if repo.updates[0].Title != "Example" {
		t.Fatalf("title = %q", repo.updates[0].Title)
	}
	if !repo.updates[0].ETag.Valid || repo.updates[0].ETag.String != `W/"next"` {
		t.Fatalf("etag = %v", repo.updates[0].ETag)
	}

	if len(repo.cleanings) != 2 {
		t.Fatalf("expected 2 cleanings, got %d", len(repo.cleanings))
	}
	first := repo.cleanings[0]
	if first.CleanURL != "https://www.youtube.com/watch?v=abc" {
		t.Fatalf("first clean url = %q", first.CleanURL)
	}
	if !first.MatchedDomain.Valid || first.MatchedDomain.String != "youtube.com" {
		t.Fatalf("first matched domain = %v", first.MatchedDomain)
	}
	if !first.SourceID.Valid || first.SourceID.String != "src-1" {
		t.Fatalf("first source id = %v", first.SourceID)
	}
	second := repo.cleanings[1]
	if second.CleanURL != "https://example.com/post#body" {
		t.Fatalf("second clean url = %q", second.CleanURL)
	}
	if second.MatchedDomain.Valid {
		t.Fatalf("second matched domain = %v, want null", second.MatchedDomain)
	}

	if len(idx.batches) != 1 || len(idx.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 documents, got %v", idx.batches)
	}
}

func TestScrubSourceSkipsNotModified(t *testing.T) {
	repo := &stubScrubStore{}
	fetcher := &stubFetcher{result: linkfeed.Result{Status: http.StatusNotModified}}

	src := store.Source{
		ID:   "src-1",
		URL:  "http://example.com/feed",
		ETag: sql.NullString{Valid: true, String: `W/"same"`},
	}
	result := ScrubSource(context.Background(), repo, &stubIndexer{}, fetcher, testBackoffs(), src)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.Skipped || result.Reason != "not modified" {
		t.Fatalf("expected not-modified skip, got %+v", result)
	}
	if len(repo.updates) != 0 {
		t.Fatalf("expected no crawl state update, got %d", len(repo.updates))
	}
}

func TestScrubSourceSchedulesBackoffOnRetryLater(t *testing.T) {
	fetcher := &stubFetcher{
		result: linkfeed.Result{Status: http.StatusTooManyRequests, RetryAfter: time.Minute},
		err:    linkfeed.ErrRetryLater,
	}
	backoffs := testBackoffs()
	src := store.Source{ID: "src-1", URL: "http://example.com/feed"}

	result := ScrubSource(context.Background(), &stubScrubStore{}, &stubIndexer{}, fetcher, backoffs, src)
	if result.Err == nil || result.RetryIn != time.Minute {
		t.Fatalf("expected retry in 1m, got %+v", result)
	}

	result = ScrubSource(context.Background(), &stubScrubStore{}, &stubIndexer{}, fetcher, backoffs, src)
	if result.Err == nil || result.Reason != "backoff active" {
		t.Fatalf("expected backoff-active skip, got %+v", result)
	}
}

func TestBackoffTrackerGrowsAndResets(t *testing.T) {
	backoffs := testBackoffs()
	now := time.Now().UTC()

	first := backoffs.Schedule("id", now, 0)
	if first != 30*time.Second {
		t.Fatalf("first backoff = %s", first)
	}
	second := backoffs.Schedule("id", now, 0)
	if second != time.Minute {
		t.Fatalf("second backoff = %s", second)
	}

	backoffs.Reset("id")
	if wait := backoffs.Remaining("id", now); wait != 0 {
		t.Fatalf("expected no backoff after reset, got %s", wait)
	}
}
