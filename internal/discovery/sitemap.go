package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// SitemapConfig points the sitemap discoverer at a sitemap or sitemap index.
type SitemapConfig struct {
	URL        string
	Collection string
	Timeout    time.Duration
	UserAgent  string
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapLoc `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

// Sitemap discovers slugs from <loc> entries of a sitemap. A sitemap index
// is followed one level deep.
type Sitemap struct {
	cfg    SitemapConfig
	logger *zap.Logger
	base   *colly.Collector
}

// NewSitemap builds a Sitemap discoverer.
func NewSitemap(cfg SitemapConfig, logger *zap.Logger) *Sitemap {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "schemes"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Sitemap{cfg: cfg, logger: logger, base: c}
}

// Name identifies the discoverer in logs and metrics.
func (*Sitemap) Name() string { return "sitemap" }

// Discover implements crawler.Discoverer. Failures are logged and yield an
// empty slice.
func (s *Sitemap) Discover(ctx context.Context) ([]string, error) {
	locs, err := s.collect(ctx, s.cfg.URL, 0)
	if err != nil {
		s.logger.Warn("sitemap discovery failed", zap.String("url", s.cfg.URL), zap.Error(err))
		return []string{}, nil
	}
	slugs := ExtractSlugs(locs, s.cfg.Collection)
	s.logger.Info("sitemap discovery finished", zap.Int("locs", len(locs)), zap.Int("slugs", len(slugs)))
	return slugs, nil
}

func (s *Sitemap) collect(ctx context.Context, sitemapURL string, depth int) ([]string, error) {
	body, err := s.get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		if depth > 0 {
			s.logger.Warn("ignoring nested sitemap index", zap.String("url", sitemapURL))
			return nil, nil
		}
		var all []string
		for _, entry := range index.Sitemaps {
			loc := strings.TrimSpace(entry.Loc)
			if loc == "" {
				continue
			}
			locs, err := s.collect(ctx, loc, depth+1)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Warn("failed to fetch nested sitemap", zap.String("url", loc), zap.Error(err))
				continue
			}
			all = append(all, locs...)
		}
		return all, nil
	}

	var set urlSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}
	locs := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if _, err := url.Parse(loc); err != nil || loc == "" {
			continue
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func (s *Sitemap) get(ctx context.Context, sitemapURL string) ([]byte, error) {
	var (
		body     []byte
		fetchErr error
	)
	c := s.base.Clone()
	c.Context = ctx
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/xml, text/xml, */*")
	})
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
	})
	if err := c.Visit(sitemapURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", sitemapURL, fetchErr)
	}
	return body, nil
}
