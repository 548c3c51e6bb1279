package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrSourceExists = errors.New("source already exists")
)

// Metrics receives per-call latency observations. A nil Metrics disables them.
type Metrics interface {
	ObserveDB(method string, err error, duration time.Duration)
}

type Store struct {
	db      *sql.DB
	metrics Metrics
}

func New(db *sql.DB, metrics Metrics) *Store {
	return &Store{db: db, metrics: metrics}
}

func (s *Store) observe(method string, err error, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveDB(method, err, duration)
	}
}

// Source is a registered feed whose item links the worker cleans.
type Source struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	Title        string         `json:"title"`
	ETag         sql.NullString `json:"etag"`
	LastModified sql.NullString `json:"last_modified"`
	LastCrawled  sql.NullTime   `json:"last_crawled"`
	Active       bool           `json:"active"`
}

func (s *Store) InsertSource(ctx context.Context, url string) (src Source, err error) {
	defer func(start time.Time) { s.observe("InsertSource", err, time.Since(start)) }(time.Now())

	const q = `INSERT INTO sources (id, url) VALUES ($1, $2)
ON CONFLICT (url) DO NOTHING
RETURNING id, url, title, etag, last_modified, last_crawled, active`
	err = s.db.QueryRowContext(ctx, q, uuid.NewString(), url).Scan(
		&src.ID, &src.URL, &src.Title, &src.ETag, &src.LastModified, &src.LastCrawled, &src.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrSourceExists
		}
		return Source{}, err
	}
	return src, nil
}

func (s *Store) ListSources(ctx context.Context, active bool) (sources []Source, err error) {
	defer func(start time.Time) { s.observe("ListSources", err, time.Since(start)) }(time.Now())

	const q = `SELECT id, url, title, etag, last_modified, last_crawled, active
FROM sources
WHERE active = $1
ORDER BY title ASC, url ASC`
	rows, err := s.db.QueryContext(ctx, q, active)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var src Source
		if err = rows.Scan(&src.ID, &src.URL, &src.Title, &src.ETag, &src.LastModified, &src.LastCrawled, &src.Active); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	err = rows.Err()
	return sources, err
}

type UpdateSourceCrawlStateParams struct {
	ID           string
	ETag         sql.NullString
	LastModified sql.NullString
	LastCrawled  sql.NullTime
	Title        string
}

func (s *Store) UpdateSourceCrawlState(ctx context.Context, arg UpdateSourceCrawlStateParams) (src Source, err error) {
	defer func(start time.Time) { s.observe("UpdateSourceCrawlState", err, time.Since(start)) }(time.Now())

	const q = `UPDATE sources
SET etag = $2,
    last_modified = $3,
    last_crawled = $4,
    title = COALESCE(NULLIF($5, ''), title)
WHERE id = $1
RETURNING id, url, title, etag, last_modified, last_crawled, active`
	err = s.db.QueryRowContext(ctx, q, arg.ID, arg.ETag, arg.LastModified, arg.LastCrawled, arg.Title).Scan(
		&src.ID, &src.URL, &src.Title, &src.ETag, &src.LastModified, &src.LastCrawled, &src.Active,
	)
	if err != nil {
		return Source{}, err
	}
	return src, nil
}

// Cleaning is one recorded invocation of the cleaner.
type Cleaning struct {
	ID              string         `json:"id"`
	SourceID        sql.NullString `json:"source_id"`
	RawURL          string         `json:"raw_url"`
	CleanURL        string         `json:"clean_url"`
	Host            string         `json:"host"`
	MatchedDomain   sql.NullString `json:"matched_domain"`
	PreservedParams []string       `json:"preserved_params"`
	Changed         bool           `json:"changed"`
	CleanedAt       time.Time      `json:"cleaned_at"`
}

type InsertCleaningParams struct {
	SourceID        sql.NullString
	RawURL          string
	CleanURL        string
	Host            string
	MatchedDomain   sql.NullString
	PreservedParams []string
	Changed         bool
}

func (s *Store) InsertCleaning(ctx context.Context, arg InsertCleaningParams) (c Cleaning, err error) {
	defer func(start time.Time) { s.observe("InsertCleaning", err, time.Since(start)) }(time.Now())

	const q = `INSERT INTO cleanings (
    id, source_id, raw_url, clean_url, host, matched_domain, preserved_params, changed, cleaned_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, now()
) RETURNING id, source_id, raw_url, clean_url, host, matched_domain, preserved_params, changed, cleaned_at`

	row := s.db.QueryRowContext(ctx, q,
		uuid.NewString(),
		arg.SourceID,
		arg.RawURL,
		arg.CleanURL,
		arg.Host,
		arg.MatchedDomain,
		pq.Array(arg.PreservedParams),
		arg.Changed,
	)
	err = row.Scan(
		&c.ID, &c.SourceID, &c.RawURL, &c.CleanURL, &c.Host, &c.MatchedDomain,
		pq.Array(&c.PreservedParams), &c.Changed, &c.CleanedAt,
	)
	if err != nil {
		return Cleaning{}, err
	}
	return c, nil
}

type FilterCleaningsParams struct {
	Host   string
	Limit  int32
	Offset int32
}

func (s *Store) FilterCleanings(ctx context.Context, arg FilterCleaningsParams) (cleanings []Cleaning, err error) {
	defer func(start time.Time) { s.observe("FilterCleanings", err, time.Since(start)) }(time.Now())

	const q = `SELECT id, source_id, raw_url, clean_url, host, matched_domain, preserved_params, changed, cleaned_at
FROM cleanings
WHERE ($1 = '' OR host = $1)
ORDER BY cleaned_at DESC
LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, q, arg.Host, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c Cleaning
		if err = rows.Scan(
			&c.ID, &c.SourceID, &c.RawURL, &c.CleanURL, &c.Host, &c.MatchedDomain,
			pq.Array(&c.PreservedParams), &c.Changed, &c.CleanedAt,
		); err != nil {
			return nil, err
		}
		cleanings = append(cleanings, c)
	}
	err = rows.Err()
	return cleanings, err
}

type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// CountByDomain reports how often each policy domain matched, most frequent
// first. Unmatched cleanings are excluded.
func (s *Store) CountByDomain(ctx context.Context, limit int32) (counts []DomainCount, err error) {
	defer func(start time.Time) { s.observe("CountByDomain", err, time.Since(start)) }(time.Now())

	const q = `SELECT matched_domain, COUNT(*) AS n
FROM cleanings
WHERE matched_domain IS NOT NULL
GROUP BY matched_domain
ORDER BY n DESC, matched_domain ASC
LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var dc DomainCount
		if err = rows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, dc)
	}
	err = rows.Err()
	return counts, err
}
