package urlclean

import (
	"net/url"
	"strings"
)

// Result is the outcome of cleaning a single URL. PreservedParams lists the
// query parameter names that were kept, in policy order. MatchedDomain is the
// policy table key the hostname matched, or empty when no policy applied.
type Result struct {
	URL             string   `json:"url"`
	PreservedParams []string `json:"preserved_params"`
	MatchedDomain   string   `json:"matched_domain,omitempty"`
}

// IsValidURL reports whether s parses as an absolute URL with both a scheme
// and a host. Relative references, bare domains, and malformed strings fail.
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Clean strips tracking and session-noise query parameters from raw while
// keeping the parameters the matched domain policy marks as meaningful, plus
// the fragment. Hosts with no policy lose their entire query string. Strings
// that do not parse as absolute URLs are echoed back unchanged with an empty
// preserved list; Clean never fails.
func Clean(raw string) Result {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Result{URL: raw}
	}

	out := url.URL{
		Scheme:  u.Scheme,
		Host:    u.Host,
		Path:    u.Path,
		RawPath: u.RawPath,
	}
	if u.Fragment != "" {
		out.Fragment = u.Fragment
		out.RawFragment = u.RawFragment
	}

	policy, ok := matchPolicy(u.Hostname())
	if !ok {
		return Result{URL: out.String()}
	}

	query := u.Query()
	var preserved []string
	var rebuilt strings.Builder
	for _, name := range policy.Params {
		values, present := query[name]
		if !present || len(values) == 0 {
			continue
		}
		if rebuilt.Len() > 0 {
			rebuilt.WriteByte('&')
		}
		rebuilt.WriteString(url.QueryEscape(name))
		rebuilt.WriteByte('=')
		// Repeated parameters collapse to the last occurrence.
		rebuilt.WriteString(url.QueryEscape(values[len(values)-1]))
		preserved = append(preserved, name)
	}
	out.RawQuery = rebuilt.String()

	return Result{URL: out.String(), PreservedParams: preserved, MatchedDomain: policy.Domain}
}
