package urlclean

import (
	"regexp"
	"strings"
)

// Policy maps a registrable domain to the query parameter names that remain
// meaningful for it. Everything not listed is treated as noise and dropped.
type Policy struct {
	Domain string   `json:"domain"`
	Params []string `json:"params"`
}

// policies is authored data with process-wide lifetime. Declaration order is
// the matching order: the first entry whose domain matches the hostname wins,
// so more specific hosts must come before broader ones.
var policies = []Policy{
	// video
	{Domain: "youtube.com", Params: []string{"v", "t", "list", "index", "start"}},
	{Domain: "youtu.be", Params: []string{"t"}},
	{Domain: "vimeo.com", Params: []string{"h"}},
	{Domain: "twitch.tv", Params: []string{"t", "video"}},
	{Domain: "dailymotion.com", Params: []string{"video"}},

	// search
	{Domain: "google.com", Params: []string{"q", "tbm"}},
	{Domain: "bing.com", Params: []string{"q"}},
	{Domain: "duckduckgo.com", Params: []string{"q", "ia"}},
	{Domain: "yahoo.com", Params: []string{"p"}},
	{Domain: "baidu.com", Params: []string{"wd"}},
	{Domain: "yandex.com", Params: []string{"text"}},
	{Domain: "ecosia.org", Params: []string{"q"}},
	{Domain: "startpage.com", Params: []string{"query"}},

	// maps
	{Domain: "openstreetmap.org", Params: []string{"mlat", "mlon", "zoom"}},

	// e-commerce
	{Domain: "amazon.com", Params: []string{"k", "node"}},
	{Domain: "ebay.com", Params: []string{"_nkw"}},
	{Domain: "etsy.com", Params: []string{"q"}},
	{Domain: "aliexpress.com", Params: []string{"SearchText"}},
	{Domain: "walmart.com", Params: []string{"q"}},

	// media and streaming
	{Domain: "netflix.com", Params: []string{"jbv"}},
	{Domain: "spotify.com", Params: []string{"highlight"}},
	{Domain: "soundcloud.com", Params: []string{"in"}},

	// social
	{Domain: "twitter.com", Params: []string{"q"}},
	{Domain: "x.com", Params: []string{"q"}},
	{Domain: "reddit.com", Params: []string{"q", "sort", "t"}},
	{Domain: "facebook.com", Params: []string{"story_fbid", "id"}},
	{Domain: "instagram.com", Params: []string{"img_index"}},
	{Domain: "linkedin.com", Params: []string{"currentJobId"}},
	{Domain: "pinterest.com", Params: []string{"q"}},

	// developer and productivity
	{Domain: "github.com", Params: []string{"q", "tab"}},
	{Domain: "gitlab.com", Params: []string{"search"}},
	{Domain: "stackoverflow.com", Params: []string{"q"}},
	{Domain: "npmjs.com", Params: []string{"q"}},
	{Domain: "pkg.go.dev", Params: []string{"q"}},
	{Domain: "hub.docker.com", Params: []string{"q"}},
	{Domain: "figma.com", Params: []string{"node-id"}},
	{Domain: "notion.so", Params: []string{"p", "pm"}},

	// news
	{Domain: "nytimes.com", Params: []string{"query"}},
	{Domain: "theguardian.com", Params: []string{"q"}},
	{Domain: "reuters.com", Params: []string{"query"}},
	{Domain: "medium.com", Params: []string{"q"}},

	// other
	{Domain: "wikipedia.org", Params: []string{"search", "title", "oldid"}},
	{Domain: "archive.org", Params: []string{"query"}},
}

// ccTLDPatterns lets a policy for example.com also claim country-code
// variants like www.example.com.au. This is a deliberate approximation, not
// a public-suffix-list lookup, and it only fires when a subdomain label
// precedes the policy domain.
var ccTLDPatterns = func() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(policies))
	for i, p := range policies {
		patterns[i] = regexp.MustCompile(`\.` + regexp.QuoteMeta(p.Domain) + `\.[a-z]{2,3}$`)
	}
	return patterns
}()

// matchPolicy returns the first policy whose domain matches hostname exactly,
// as a suffix below a dot, or through the ccTLD pattern. At most one policy
// applies.
func matchPolicy(hostname string) (Policy, bool) {
	for i, p := range policies {
		if hostname == p.Domain ||
			strings.HasSuffix(hostname, "."+p.Domain) ||
			ccTLDPatterns[i].MatchString(hostname) {
			return p, true
		}
	}
	return Policy{}, false
}

// Policies returns a copy of the policy table for read-only display.
func Policies() []Policy {
	out := make([]Policy, len(policies))
	copy(out, policies)
	return out
}
