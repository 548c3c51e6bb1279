// Package linkfeed pulls RSS/Atom sources and exposes the item links they
// carry so they can be cleaned.
package linkfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

type Result struct {
	Status       int
	Feed         *gofeed.Feed
	ETag         string
	LastModified string
	RetryAfter   time.Duration
}

type Fetcher struct {
	client *http.Client
	parser *gofeed.Parser
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 20 * time.Second},
		parser: gofeed.NewParser(),
	}
}

// Fetch performs a conditional GET against url. A 304 reply keeps the
// caller's validators; 429/503 surface as ErrRetryLater with the server's
// Retry-After hint when present.
func (f *Fetcher) Fetch(ctx context.Context, url, etag, lastModified string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	res := Result{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusNotModified {
		res.ETag = etag
		res.LastModified = lastModified
		return res, nil
	}

	if resp.StatusCode != http.StatusOK {
		if IsRetryable(resp.StatusCode) {
			res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return res, ErrRetryLater
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return res, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return res, err
	}

	res.Feed = parsed
	res.ETag = resp.Header.Get("ETag")
	res.LastModified = resp.Header.Get("Last-Modified")
	if res.ETag == "" {
		res.ETag = etag
	}
	if res.LastModified == "" {
		res.LastModified = lastModified
	}
	return res, nil
}

var ErrRetryLater = errors.New("retry later")

func IsRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		diff := time.Until(t)
		if diff > 0 {
			return diff
		}
	}
	return 0
}

// ItemLinks returns the distinct item links of a parsed feed in document
// order. Items without a usable link are skipped.
func ItemLinks(f *gofeed.Feed) []string {
	if f == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(f.Items))
	var links []string
	for _, item := range f.Items {
		if item == nil {
			continue
		}
		link := strings.TrimSpace(item.Link)
		if link == "" && len(item.Links) > 0 {
			link = strings.TrimSpace(item.Links[0])
		}
		if link == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}
