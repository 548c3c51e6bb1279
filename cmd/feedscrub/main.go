package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"linkscrub/internal/httpx"
	"linkscrub/internal/linkfeed"
	"linkscrub/internal/logx"
	"linkscrub/internal/search"
	"linkscrub/internal/store"
	"linkscrub/internal/urlclean"
)

func main() {
	svc := "feedscrub"

	runtimeCfg, err := httpx.LoadRuntimeConfig(svc)
	if err != nil {
		fatal(svc, "load config", err, nil)
	}
	svc = runtimeCfg.Service

	db, err := sql.Open(runtimeCfg.Database.Driver, runtimeCfg.Database.DSN)
	if err != nil {
		fatal(svc, "open db", err, nil)
	}
	defer db.Close()

	repo := store.New(db, nil)
	searchClient := search.New(runtimeCfg.Search.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), runtimeCfg.Database.PingTimeout)
	if err := db.PingContext(ctx); err != nil {
		fatal(svc, "ping db", err, nil)
	}
	if err := searchClient.EnsureIndex(ctx); err != nil {
		fatal(svc, "ensure index", err, nil)
	}
	cancel()

	fetcher := linkfeed.NewFetcher()
	backoffs := newBackoffTracker(runtimeCfg.Worker.Backoff)
	every := runtimeCfg.Worker.Interval

	logx.Info(svc, "ready", map[string]any{"every": every.String()})

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), every)
		run(ctx, svc, repo, searchClient, fetcher, backoffs)
		cancel()
		<-ticker.C
	}
}

func fatal(service, msg string, err error, extra map[string]any) {
	logx.Error(service, msg, err, extra)
	os.Exit(1)
}

func run(ctx context.Context, svc string, repo *store.Store, searchClient *search.Client, fetcher *linkfeed.Fetcher, backoffs *backoffTracker) {
	logx.Info(svc, "scrub tick", nil)

	sources, err := repo.ListSources(ctx, true)
	if err != nil {
		logx.Error(svc, "list sources", err, nil)
		return
	}

	for _, src := range sources {
		result := ScrubSource(ctx, repo, searchClient, fetcher, backoffs, src)

		extra := map[string]any{
			"source":    src.URL,
			"source_id": src.ID,
		}
		if result.Status != 0 {
			extra["status"] = result.Status
		}
		if result.Links > 0 {
			extra["links"] = result.Links
		}
		if result.Reason != "" {
			extra["reason"] = result.Reason
		}
		if result.RetryIn > 0 {
			extra["retry_in"] = result.RetryIn.String()
		}

		switch {
		case result.Err != nil && errors.Is(result.Err, ErrBackoffActive):
			logx.Info(svc, "source skipped", extra)
		case result.Err != nil:
			logx.Error(svc, "source error", result.Err, extra)
		case result.Skipped:
			logx.Info(svc, "source skipped", extra)
		default:
			logx.Info(svc, "source scrubbed", extra)
		}
	}
}

type scrubStore interface {
	UpdateSourceCrawlState(context.Context, store.UpdateSourceCrawlStateParams) (store.Source, error)
	InsertCleaning(context.Context, store.InsertCleaningParams) (store.Cleaning, error)
}

type sourceFetcher interface {
	Fetch(ctx context.Context, url, etag, lastModified string) (linkfeed.Result, error)
}

type documentIndexer interface {
	UpsertBatch(ctx context.Context, docs []search.Document) error
}

type ScrubResult struct {
	SourceID  string
	SourceURL string
	Status    int
	Links     int
	Err       error
	RetryIn   time.Duration
	Skipped   bool
	Reason    string
}

var ErrBackoffActive = errors.New("backoff active")

// ScrubSource fetches one source feed and records a cleaning for every item
// link it carries. Item links that are not absolute URLs are skipped.
func ScrubSource(ctx context.Context, repo scrubStore, indexer documentIndexer, fetcher sourceFetcher, backoffs *backoffTracker, src store.Source) ScrubResult {
	result := ScrubResult{SourceID: src.ID, SourceURL: src.URL}

	now := time.Now().UTC()
	if wait := backoffs.Remaining(src.ID, now); wait > 0 {
		result.Err = ErrBackoffActive
		result.RetryIn = wait
		result.Skipped = true
		result.Reason = "backoff active"
		return result
	}

	etag := ""
	if src.ETag.Valid {
		etag = src.ETag.String
	}
	lastModified := ""
	if src.LastModified.Valid {
		lastModified = src.LastModified.String
	}

	res, err := fetcher.Fetch(ctx, src.URL, etag, lastModified)
	result.Status = res.Status
	if err != nil {
		result.Err = err
		if errors.Is(err, linkfeed.ErrRetryLater) {
			duration := backoffs.Schedule(src.ID, now, res.RetryAfter)
			result.RetryIn = duration
			result.Reason = "retry scheduled"
		} else {
			result.Reason = "fetch failed"
		}
		return result
	}

	backoffs.Reset(src.ID)

	if res.Status == http.StatusNotModified {
		result.Skipped = true
		result.Reason = "not modified"
		return result
	}

	if res.Feed == nil {
		result.Skipped = true
		result.Reason = "no content"
		return result
	}

	title := src.Title
	if res.Feed.Title != "" {
		title = res.Feed.Title
	}

	if _, err := repo.UpdateSourceCrawlState(ctx, store.UpdateSourceCrawlStateParams{
		ID:           src.ID,
		ETag:         sqlNullString(res.ETag),
		LastModified: sqlNullString(res.LastModified),
		LastCrawled:  sqlNullTime(time.Now().UTC()),
		Title:        title,
	}); err != nil {
		result.Err = err
		result.Reason = "update source"
		return result
	}

	var docs []search.Document
	for _, link := range linkfeed.ItemLinks(res.Feed) {
		parsed, err := url.Parse(link)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			continue
		}

		cleaned := urlclean.Clean(link)
		rec, err := repo.InsertCleaning(ctx, store.InsertCleaningParams{
			SourceID:        sqlNullString(src.ID),
			RawURL:          link,
			CleanURL:        cleaned.URL,
			Host:            parsed.Hostname(),
			MatchedDomain:   sqlNullString(cleaned.MatchedDomain),
			PreservedParams: cleaned.PreservedParams,
			Changed:         cleaned.URL != link,
		})
		if err != nil {
			wrapped := fmt.Errorf("insert cleaning: %w", err)
			if result.Err != nil {
				result.Err = errors.Join(result.Err, wrapped)
			} else {
				result.Err = wrapped
			}
			if result.Reason == "" {
				result.Reason = "record cleaning"
			}
			continue
		}

		doc := search.Document{
			ID:              rec.ID,
			RawURL:          rec.RawURL,
			CleanURL:        rec.CleanURL,
			Host:            rec.Host,
			PreservedParams: rec.PreservedParams,
			Changed:         rec.Changed,
			CleanedAt:       rec.CleanedAt.UTC(),
		}
		if rec.MatchedDomain.Valid {
			doc.MatchedDomain = rec.MatchedDomain.String
		}
		docs = append(docs, doc)
	}

	result.Links = len(docs)
	if err := indexer.UpsertBatch(ctx, docs); err != nil {
		result.Err = err
		result.Reason = "search upsert"
		return result
	}

	return result
}

type backoffTracker struct {
	min    time.Duration
	max    time.Duration
	factor float64
	items  map[string]backoffEntry
}

type backoffEntry struct {
	until    time.Time
	duration time.Duration
}

func newBackoffTracker(cfg httpx.BackoffConfig) *backoffTracker {
	b := &backoffTracker{
		min:    cfg.Min,
		max:    cfg.Max,
		factor: cfg.Factor,
		items:  make(map[string]backoffEntry),
	}
	if b.min <= 0 {
		b.min = 30 * time.Second
	}
	if b.max <= 0 {
		b.max = 10 * time.Minute
	}
	if b.factor <= 0 {
		b.factor = 2.0
	}
	return b
}

func (b *backoffTracker) Remaining(id string, now time.Time) time.Duration {
	entry, ok := b.items[id]
	if !ok {
		return 0
	}
	if now.After(entry.until) {
		delete(b.items, id)
		return 0
	}
	return entry.until.Sub(now)
}

func (b *backoffTracker) Schedule(id string, now time.Time, suggested time.Duration) time.Duration {
	entry := b.items[id]
	duration := suggested
	if duration <= 0 {
		if entry.duration == 0 {
			duration = b.min
		} else {
			duration = time.Duration(float64(entry.duration) * b.factor)
		}
	}
	if duration > b.max {
		duration = b.max
	}
	entry.duration = duration
	entry.until = now.Add(duration)
	b.items[id] = entry
	return duration
}

func (b *backoffTracker) Reset(id string) {
	delete(b.items, id)
}

func sqlNullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: v}
}

func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: true, Time: t}
}
