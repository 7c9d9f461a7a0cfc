// Package matcher selects the rule governing a URL.
package matcher

import (
	"net/url"
	"strings"

	"peep/internal/model"
)

// Match returns the first rule in list order whose pattern matches the URL,
// or nil when no rule applies. Unparseable URLs match nothing; the caller
// treats that the same as an unmanaged page.
func Match(rawURL string, rules []model.Rule) *model.Rule {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}

	host := u.Hostname()
	for i := range rules {
		pHost, pPath := splitPattern(rules[i].Pattern)
		if !hostMatches(host, pHost) {
			continue
		}
		if pathMatches(u.Path, pPath) {
			return &rules[i]
		}
	}
	return nil
}

// splitPattern separates a host[/path] pattern at the first slash. The path
// part keeps its leading slash; an empty path part matches every path.
func splitPattern(pattern string) (host, path string) {
	if idx := strings.Index(pattern, "/"); idx != -1 {
		return pattern[:idx], pattern[idx:]
	}
	return pattern, ""
}

// hostMatches reports whether host falls under the pattern's host part.
// A "*.suffix" pattern matches the bare suffix and any subdomain of it. A
// bare pattern matches the exact host and, deliberately, any subdomain too:
// the wildcard marker is redundant in practice, and that behavior is kept.
func hostMatches(host, pHost string) bool {
	if bare, ok := strings.CutPrefix(pHost, "*."); ok {
		return host == bare || strings.HasSuffix(host, "."+bare)
	}
	return host == pHost || strings.HasSuffix(host, "."+pHost)
}

// pathMatches is a plain prefix check with no segment awareness: pattern
// path "/foo" matches "/foobar".
func pathMatches(urlPath, pPath string) bool {
	if pPath == "" {
		return true
	}
	return strings.HasPrefix(urlPath, pPath)
}
