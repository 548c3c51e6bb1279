// Package extract pulls anchor targets out of HTML documents.
package extract

import (
	"io"
	"net/url"
	"strings"

	xhtml "golang.org/x/net/html"
)

// Links parses an HTML document and returns the http(s) targets of its
// anchors in document order, resolved against base and deduplicated.
// Anchors with empty, unparseable, or non-web hrefs are skipped.
func Links(r io.Reader, base *url.URL) ([]string, error) {
	doc, err := xhtml.Parse(r)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var links []string

	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n == nil {
			return
		}
		if n.Type == xhtml.ElementNode && strings.EqualFold(n.Data, "a") {
			if target, ok := resolveHref(base, hrefAttr(n)); ok {
				if _, dup := seen[target]; !dup {
					seen[target] = struct{}{}
					links = append(links, target)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return links, nil
}

func hrefAttr(n *xhtml.Node) string {
	for _, attr := range n.Attr {
		if strings.EqualFold(attr.Key, "href") {
			return attr.Val
		}
	}
	return ""
}

func resolveHref(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	if ref.Host == "" {
		return "", false
	}
	return ref.String(), true
}
