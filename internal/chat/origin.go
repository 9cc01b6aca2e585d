package chat

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// newOriginChecker builds the upgrader's CheckOrigin. A "*" entry allows any
// origin. Requests without an Origin header are not from a browser and pass.
func newOriginChecker(allowed []string, log *slog.Logger) func(r *http.Request) bool {
	origins := lo.Uniq(lo.FilterMap(allowed, func(o string, _ int) (string, bool) {
		o = strings.TrimSpace(o)
		if o == "*" {
			return o, true
		}
		n := normalizeOrigin(o)
		return n, n != ""
	}))
	allowAll := lo.Contains(origins, "*")

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if lo.Contains(origins, normalizeOrigin(origin)) {
			return true
		}
		log.Warn("origin rejected", "origin", origin, "path", r.URL.Path)
		return false
	}
}

// normalizeOrigin reduces an origin to lowercase scheme://host[:port].
func normalizeOrigin(origin string) string {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
