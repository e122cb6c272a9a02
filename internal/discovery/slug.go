// Package discovery finds the slugs a crawl should visit. Implementations
// never fail a crawl: errors are logged and produce an empty result, and the
// caller substitutes its fallback seeds.
package discovery

import (
	"net/url"
	"strings"
)

// SlugFromPath extracts the slug from "/<collection>/<slug>[/...]". Paths
// carrying a fragment or query marker are rejected.
func SlugFromPath(path, collection string) (string, bool) {
	prefix := "/" + strings.Trim(collection, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	slug := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(slug, '/'); i >= 0 {
		slug = slug[:i]
	}
	if slug == "" || strings.ContainsAny(slug, "#?") {
		return "", false
	}
	return slug, true
}

// ExtractSlugs maps listing hrefs to unique slugs, keeping first-seen order.
// Absolute URLs are reduced to their path first.
func ExtractSlugs(hrefs []string, collection string) []string {
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
			u, err := url.Parse(href)
			if err != nil {
				continue
			}
			if u.RawQuery != "" || u.Fragment != "" {
				continue
			}
			href = u.Path
		}
		slug, ok := SlugFromPath(href, collection)
		if !ok {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out
}
