package httpx

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linkscrub/internal/extract"
	"linkscrub/internal/logx"
	"linkscrub/internal/search"
	"linkscrub/internal/store"
	"linkscrub/internal/urlclean"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultSearchLimit  = 20
	maxSearchLimit      = 100
	domainStatsLimit    = 25
	defaultMaxBody      = 2 << 20
)

type Store interface {
	InsertSource(ctx context.Context, url string) (store.Source, error)
	ListSources(ctx context.Context, active bool) ([]store.Source, error)
	InsertCleaning(ctx context.Context, arg store.InsertCleaningParams) (store.Cleaning, error)
	FilterCleanings(ctx context.Context, arg store.FilterCleaningsParams) ([]store.Cleaning, error)
	CountByDomain(ctx context.Context, limit int32) ([]store.DomainCount, error)
}

type Searcher interface {
	Health(ctx context.Context) error
	Search(ctx context.Context, query string, limit, offset int, filters search.SearchFilters) (search.SearchResponse, error)
	UpsertDocuments(ctx context.Context, docs []search.Document) error
}

type Config struct {
	Store      Store
	Search     Searcher
	DB         *sql.DB
	Service    string
	Metrics    *Metrics
	PageClient *http.Client
	MaxBody    int64
}

func NewServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger(cfg.Service))
	e.Use(cfg.Metrics.Middleware())

	e.GET("/healthz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if cfg.DB != nil {
			if err := cfg.DB.PingContext(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "db down"})
			}
		}
		if cfg.Search != nil {
			if err := cfg.Search.Health(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "search down"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Metrics.Gatherer(), promhttp.HandlerOpts{})))

	type urlReq struct {
		URL string `json:"url"`
	}

	e.POST("/clean", func(c echo.Context) error {
		var req urlReq
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
		}
		if req.URL == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "url required")
		}
		view := cleanAndRecord(c.Request().Context(), cfg, req.URL)
		return c.JSON(http.StatusOK, view)
	})

	e.GET("/policies", func(c echo.Context) error {
		return c.JSON(http.StatusOK, urlclean.Policies())
	})

	e.GET("/history", func(c echo.Context) error {
		limit, offset, err := pagination(c, defaultHistoryLimit, maxHistoryLimit)
		if err != nil {
			return err
		}
		cleanings, err := cfg.Store.FilterCleanings(c.Request().Context(), store.FilterCleaningsParams{
			Host:   c.QueryParam("host"),
			Limit:  int32(limit),
			Offset: int32(offset),
		})
		if err != nil {
			return err
		}
		views := make([]cleaningView, 0, len(cleanings))
		for _, cl := range cleanings {
			views = append(views, mapCleaning(cl))
		}
		return c.JSON(http.StatusOK, views)
	})

	e.GET("/search", func(c echo.Context) error {
		limit, offset, err := pagination(c, defaultSearchLimit, maxSearchLimit)
		if err != nil {
			return err
		}
		res, err := cfg.Search.Search(c.Request().Context(), c.QueryParam("q"), limit, offset,
			search.SearchFilters{MatchedDomain: c.QueryParam("domain")})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	})

	e.GET("/stats/domains", func(c echo.Context) error {
		counts, err := cfg.Store.CountByDomain(c.Request().Context(), domainStatsLimit)
		if err != nil {
			return err
		}
		if counts == nil {
			counts = []store.DomainCount{}
		}
		return c.JSON(http.StatusOK, counts)
	})

	e.POST("/extract", func(c echo.Context) error {
		var req urlReq
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
		}
		if !urlclean.IsValidURL(req.URL) {
			return echo.NewHTTPError(http.StatusBadRequest, "absolute url required")
		}
		base, err := url.Parse(req.URL)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "absolute url required")
		}

		links, err := fetchPageLinks(c.Request().Context(), cfg, req.URL, base)
		if err != nil {
			return err
		}

		results := make([]extractedLink, 0, len(links))
		for _, link := range links {
			res := urlclean.Clean(link)
			observeResult(cfg.Metrics, link, res)
			el := extractedLink{
				Raw:             link,
				Clean:           res.URL,
				PreservedParams: orEmpty(res.PreservedParams),
				Changed:         res.URL != link,
			}
			if res.MatchedDomain != "" {
				el.MatchedDomain = &res.MatchedDomain
			}
			results = append(results, el)
		}
		return c.JSON(http.StatusOK, extractView{URL: req.URL, Count: len(results), Links: results})
	})

	e.POST("/sources", func(c echo.Context) error {
		var req urlReq
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
		}
		if !urlclean.IsValidURL(req.URL) {
			return echo.NewHTTPError(http.StatusBadRequest, "absolute url required")
		}
		src, err := cfg.Store.InsertSource(c.Request().Context(), req.URL)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, mapSource(src))
	})

	e.GET("/sources", func(c echo.Context) error {
		sources, err := cfg.Store.ListSources(c.Request().Context(), true)
		if err != nil {
			return err
		}
		views := make([]sourceView, 0, len(sources))
		for _, src := range sources {
			views = append(views, mapSource(src))
		}
		return c.JSON(http.StatusOK, views)
	})

	return e
}

// cleanAndRecord runs the cleaner and, when the input was a parseable URL,
// persists and indexes the outcome. Persistence is best effort: the caller
// still gets the cleaning result if the store or index is down.
func cleanAndRecord(ctx context.Context, cfg Config, raw string) cleaningView {
	res := urlclean.Clean(raw)
	observeResult(cfg.Metrics, raw, res)

	view := cleaningView{
		RawURL:          raw,
		CleanURL:        res.URL,
		PreservedParams: orEmpty(res.PreservedParams),
		Changed:         res.URL != raw,
	}
	if res.MatchedDomain != "" {
		view.MatchedDomain = &res.MatchedDomain
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return view
	}
	view.Host = parsed.Hostname()

	if cfg.Store == nil {
		return view
	}

	rec, err := cfg.Store.InsertCleaning(ctx, store.InsertCleaningParams{
		RawURL:          raw,
		CleanURL:        res.URL,
		Host:            view.Host,
		MatchedDomain:   nullString(res.MatchedDomain),
		PreservedParams: res.PreservedParams,
		Changed:         view.Changed,
	})
	if err != nil {
		logx.Warn(cfg.Service, "record cleaning", err, map[string]any{"url": raw})
		return view
	}
	view.ID = rec.ID
	view.CleanedAt = &rec.CleanedAt

	if cfg.Search != nil {
		if err := cfg.Search.UpsertDocuments(ctx, []search.Document{documentFromCleaning(rec)}); err != nil {
			logx.Warn(cfg.Service, "index cleaning", err, map[string]any{"id": rec.ID})
		}
	}
	return view
}

func observeResult(m *Metrics, raw string, res urlclean.Result) {
	switch {
	case !urlclean.IsValidURL(raw):
		m.ObserveClean("invalid")
	case res.MatchedDomain != "":
		m.ObserveClean("matched")
	default:
		m.ObserveClean("unmatched")
	}
}

func fetchPageLinks(ctx context.Context, cfg Config, pageURL string, base *url.URL) ([]string, error) {
	client := cfg.PageClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "absolute url required").SetInternal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadGateway, "page fetch failed").SetInternal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, echo.NewHTTPError(http.StatusBadGateway, "page fetch failed")
	}

	links, err := extract.Links(io.LimitReader(resp.Body, maxBody), base)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadGateway, "page parse failed").SetInternal(err)
	}
	return links, nil
}

func documentFromCleaning(c store.Cleaning) search.Document {
	doc := search.Document{
		ID:              c.ID,
		RawURL:          c.RawURL,
		CleanURL:        c.CleanURL,
		Host:            c.Host,
		PreservedParams: c.PreservedParams,
		Changed:         c.Changed,
		CleanedAt:       c.CleanedAt.UTC(),
	}
	if c.MatchedDomain.Valid {
		doc.MatchedDomain = c.MatchedDomain.String
	}
	return doc
}

func pagination(c echo.Context, def, max int) (int, int, error) {
	limit := def
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		if n > max {
			n = max
		}
		if n > 0 {
			limit = n
		}
	}

	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		offset = n
	}
	return limit, offset, nil
}

func requestLogger(service string) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:      true,
		LogMethod:       true,
		LogURI:          true,
		LogStatus:       true,
		LogError:        true,
		LogResponseSize: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			extra := map[string]any{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
				"size":    v.ResponseSize,
			}
			if v.Error != nil {
				logx.Error(service, "request", v.Error, extra)
			} else {
				logx.Info(service, "request", extra)
			}
			return nil
		},
	})
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: v}
}

func orEmpty(params []string) []string {
	if params == nil {
		return []string{}
	}
	return params
}

type cleaningView struct {
	ID              string     `json:"id,omitempty"`
	SourceID        *string    `json:"source_id,omitempty"`
	RawURL          string     `json:"raw_url"`
	CleanURL        string     `json:"url"`
	Host            string     `json:"host,omitempty"`
	MatchedDomain   *string    `json:"matched_domain,omitempty"`
	PreservedParams []string   `json:"preserved_params"`
	Changed         bool       `json:"changed"`
	CleanedAt       *time.Time `json:"cleaned_at,omitempty"`
}

func mapCleaning(c store.Cleaning) cleaningView {
	view := cleaningView{
		ID:              c.ID,
		RawURL:          c.RawURL,
		CleanURL:        c.CleanURL,
		Host:            c.Host,
		PreservedParams: orEmpty(c.PreservedParams),
		Changed:         c.Changed,
	}
	if c.SourceID.Valid {
		view.SourceID = &c.SourceID.String
	}
	if c.MatchedDomain.Valid {
		view.MatchedDomain = &c.MatchedDomain.String
	}
	t := c.CleanedAt.UTC()
	view.CleanedAt = &t
	return view
}

type extractView struct {
	URL   string          `json:"url"`
	Count int             `json:"count"`
	Links []extractedLink `json:"links"`
}

type extractedLink struct {
	Raw             string   `json:"raw"`
	Clean           string   `json:"clean"`
	MatchedDomain   *string  `json:"matched_domain,omitempty"`
	PreservedParams []string `json:"preserved_params"`
	Changed         bool     `json:"changed"`
}

type sourceView struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	ETag         *string    `json:"etag,omitempty"`
	LastModified *string    `json:"last_modified,omitempty"`
	LastCrawled  *time.Time `json:"last_crawled,omitempty"`
}

func mapSource(s store.Source) sourceView {
	view := sourceView{
		ID:    s.ID,
		URL:   s.URL,
		Title: s.Title,
	}
	if s.ETag.Valid {
		view.ETag = &s.ETag.String
	}
	if s.LastModified.Valid {
		view.LastModified = &s.LastModified.String
	}
	if s.LastCrawled.Valid {
		t := s.LastCrawled.Time.UTC()
		view.LastCrawled = &t
	}
	return view
}
