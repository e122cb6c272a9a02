package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractSlugs(t *testing.T) {
	t.Parallel()

	got := ExtractSlugs([]string{
		"/schemes/pmay",
		"/schemes/pmay",
		"/schemes/sui/details",
		"/schemes/",
		"/schemes/abc#faq",
		"/schemes/abc?lang=hi",
		"/search/pmjdy",
		"https://www.myscheme.gov.in/schemes/apy",
		"https://www.myscheme.gov.in/schemes/nsap?x=1",
		" /schemes/pmegp ",
	}, "schemes")

	require.Equal(t, []string{"pmay", "sui", "apy", "pmegp"}, got)
	require.Empty(t, ExtractSlugs(nil, "schemes"))
	require.NotNil(t, ExtractSlugs(nil, "schemes"))
}

func TestStaticReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewStatic("a", "b")
	got, err := s.Discover(context.Background())
	require.NoError(t, err)
	got[0] = "mutated"

	again, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, again)

	empty, err := NewStatic().Discover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}

type stubDiscoverer struct {
	name  string
	slugs []string
	err   error
	calls int
}

func (s *stubDiscoverer) Name() string { return s.name }

func (s *stubDiscoverer) Discover(context.Context) ([]string, error) {
	s.calls++
	return s.slugs, s.err
}

func TestChainReturnsFirstNonEmpty(t *testing.T) {
	t.Parallel()

	failing := &stubDiscoverer{name: "failing", err: errors.New("boom")}
	empty := &stubDiscoverer{name: "empty"}
	hit := &stubDiscoverer{name: "hit", slugs: []string{"x"}}
	never := &stubDiscoverer{name: "never", slugs: []string{"y"}}

	got, err := NewChain(nil, failing, empty, hit, never).Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, got)
	require.Equal(t, 1, failing.calls)
	require.Equal(t, 1, empty.calls)
	require.Zero(t, never.calls)
}

func TestChainAllEmpty(t *testing.T) {
	t.Parallel()

	got, err := NewChain(nil, &stubDiscoverer{name: "a"}).Discover(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

type fakePage struct {
	heights    []int64
	heightIdx  int
	scrolls    int
	hrefs      []string
	navErr     error
	waitErr    error
	navigated  string
	selectorIn string
}

func (f *fakePage) Navigate(_ context.Context, url string) error {
	f.navigated = url
	return f.navErr
}

func (f *fakePage) WaitFor(_ context.Context, selector string, _ time.Duration) error {
	f.selectorIn = selector
	return f.waitErr
}

func (f *fakePage) ScrollToBottom(context.Context) error {
	f.scrolls++
	return nil
}

func (f *fakePage) Height(context.Context) (int64, error) {
	h := f.heights[len(f.heights)-1]
	if f.heightIdx < len(f.heights) {
		h = f.heights[f.heightIdx]
	}
	f.heightIdx++
	return h, nil
}

func (f *fakePage) Hrefs(context.Context, string) ([]string, error) {
	return f.hrefs, nil
}

func newTestBrowser(p page, maxScrolls int) *Browser {
	b := NewBrowser(BrowserConfig{
		ListingURL: "https://www.example.gov.in/search",
		Collection: "schemes",
		MaxScrolls: maxScrolls,
		Settle:     time.Second,
	}, nil)
	b.sleep = func(context.Context, time.Duration) error { return nil }
	b.openPage = func(context.Context) (page, func(), error) {
		return p, func() {}, nil
	}
	return b
}

func TestBrowserStopsWhenHeightSettles(t *testing.T) {
	t.Parallel()

	p := &fakePage{
		heights: []int64{1000, 2000, 3000, 3000},
		hrefs:   []string{"/schemes/pmay", "/schemes/sui", "/schemes/pmay", "/about"},
		waitErr: errors.New("timeout"),
	}
	got, err := newTestBrowser(p, 30).Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"pmay", "sui"}, got)
	require.Equal(t, 3, p.scrolls)
	require.Equal(t, "https://www.example.gov.in/search", p.navigated)
	require.Equal(t, `a[href^="/schemes/"]`, p.selectorIn)
}

func TestBrowserRespectsMaxScrolls(t *testing.T) {
	t.Parallel()

	heights := make([]int64, 100)
	for i := range heights {
		heights[i] = int64(i * 100)
	}
	p := &fakePage{heights: heights}
	_, err := newTestBrowser(p, 5).Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, p.scrolls)
}

// growingPage keeps lazy-loading forever and fails any call made after its
// context ends.
type growingPage struct {
	height      int64
	scrolls     int
	navDeadline bool
}

func (g *growingPage) Navigate(ctx context.Context, _ string) error {
	_, g.navDeadline = ctx.Deadline()
	return ctx.Err()
}

func (g *growingPage) WaitFor(ctx context.Context, _ string, _ time.Duration) error {
	return ctx.Err()
}

func (g *growingPage) ScrollToBottom(ctx context.Context) error {
	g.scrolls++
	return ctx.Err()
}

func (g *growingPage) Height(ctx context.Context) (int64, error) {
	g.height += 500
	return g.height, ctx.Err()
}

func (g *growingPage) Hrefs(ctx context.Context, _ string) ([]string, error) {
	return []string{"/schemes/pmay", "/schemes/sui"}, ctx.Err()
}

func TestBrowserScrollCeilingOutlastsNavTimeout(t *testing.T) {
	t.Parallel()

	p := &growingPage{}
	b := NewBrowser(BrowserConfig{
		ListingURL: "https://www.example.gov.in/search",
		MaxScrolls: 30,
		Settle:     20 * time.Millisecond,
		NavTimeout: 100 * time.Millisecond,
	}, nil)
	b.openPage = func(context.Context) (page, func(), error) {
		return p, func() {}, nil
	}

	got, err := b.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"pmay", "sui"}, got)
	require.Equal(t, 30, p.scrolls)
	require.True(t, p.navDeadline)
}

func TestBrowserErrorsYieldEmpty(t *testing.T) {
	t.Parallel()

	p := &fakePage{heights: []int64{1}, navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	got, err := newTestBrowser(p, 5).Discover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)

	b := newTestBrowser(p, 5)
	b.openPage = func(context.Context) (page, func(), error) {
		return nil, nil, errors.New("chrome not found")
	}
	got, err = b.Discover(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSitemapFollowsIndex(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/sitemap-schemes.xml</loc></sitemap>
  <sitemap><loc>%[1]s/missing.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/sitemap-schemes.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/schemes/pmay</loc></url>
  <url><loc> %[1]s/schemes/sui </loc></url>
  <url><loc>%[1]s/faq</loc></url>
  <url><loc>%[1]s/schemes/pmay</loc></url>
</urlset>`, srv.URL)
	})
	mux.HandleFunc("/missing.xml", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})

	s := NewSitemap(SitemapConfig{URL: srv.URL + "/sitemap.xml", Collection: "schemes"}, nil)
	got, err := s.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"pmay", "sui"}, got)
}

func TestSitemapFailureYieldsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not xml</html>"))
	}))
	t.Cleanup(srv.Close)

	got, err := NewSitemap(SitemapConfig{URL: srv.URL}, nil).Discover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}
