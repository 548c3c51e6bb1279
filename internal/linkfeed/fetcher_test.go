package linkfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mmcdole/gofeed"
)

func TestFetcherPreservesHeadersOnNotModified(t *testing.T) {
	var count int
	const (
		etag         = "W/\"123\""
		lastModified = "Mon, 02 Jan 2006 15:04:05 GMT"
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", lastModified)
		if count == 1 {
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>Test</title></channel></rss>`))
			return
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(srv.Close)

	fetcher := NewFetcher()
	ctx := context.Background()

	res, err := fetcher.Fetch(ctx, srv.URL, "", "")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Status)
	}
	if res.ETag != etag {
		t.Fatalf("expected etag %q, got %q", etag, res.ETag)
	}
	if res.LastModified != lastModified {
		t.Fatalf("expected last modified %q, got %q", lastModified, res.LastModified)
	}

	res, err = fetcher.Fetch(ctx, srv.URL, res.ETag, res.LastModified)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if res.Status != http.StatusNotModified {
		t.Fatalf("expected status 304, got %d", res.Status)
	}
	if res.ETag != etag {
		t.Fatalf("expected etag %q on 304, got %q", etag, res.ETag)
	}
	if res.LastModified != lastModified {
		t.Fatalf("expected last modified %q on 304, got %q", lastModified, res.LastModified)
	}
}

func TestFetcherRetryLater(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	res, err := NewFetcher().Fetch(context.Background(), srv.URL, "", "")
	if !errors.Is(err, ErrRetryLater) {
		t.Fatalf("expected ErrRetryLater, got %v", err)
	}
	if res.RetryAfter.Seconds() != 120 {
		t.Fatalf("expected retry after 120s, got %s", res.RetryAfter)
	}
}

func TestItemLinks(t *testing.T) {
	const doc = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Test</title>
<item><title>a</title><link>https://example.com/a?utm_source=rss</link></item>
<item><title>dup</title><link>https://example.com/a?utm_source=rss</link></item>
<item><title>no link</title></item>
<item><title>b</title><link> https://example.com/b </link></item>
</channel></rss>`

	parsed, err := gofeed.NewParser().Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parse feed: %v", err)
	}

	got := ItemLinks(parsed)
	want := []string{"https://example.com/a?utm_source=rss", "https://example.com/b"}
	if len(got) != len(want) {
		t.Fatalf("ItemLinks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ItemLinks[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestItemLinksNilFeed(t *testing.T) {
	if got := ItemLinks(nil); got != nil {
		t.Fatalf("ItemLinks(nil) = %v, want nil", got)
	}
}
