package collyfetcher

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ParseProxies turns raw proxy entries into URLs. Entries that do not parse
// to an absolute URL are logged and dropped.
func ParseProxies(raw []string, logger *zap.Logger) []*url.URL {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]*url.URL, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		u, err := parseProxy(entry)
		if err != nil {
			logger.Warn("dropping invalid proxy", zap.String("proxy", entry), zap.Error(err))
			continue
		}
		out = append(out, u)
	}
	return out
}

func parseProxy(entry string) (*url.URL, error) {
	u, err := url.Parse(entry)
	if err != nil {
		return nil, fmt.Errorf("parse proxy: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy %q must be an absolute URL", entry)
	}
	return u, nil
}

type proxyPool struct {
	urls []*url.URL
	pick func(n int) int
}

// Proxy picks a random configured proxy per request and falls back to the
// environment when none are configured.
func (p *proxyPool) Proxy(req *http.Request) (*url.URL, error) {
	if len(p.urls) == 0 {
		return http.ProxyFromEnvironment(req)
	}
	return p.urls[p.pick(len(p.urls))], nil
}
