package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig controls the headless listing crawl.
type BrowserConfig struct {
	ListingURL   string
	Collection   string
	MaxScrolls   int
	Settle       time.Duration
	WaitSelector time.Duration
	NavTimeout   time.Duration
	UserAgent    string
}

// page is the slice of browser behavior the scroll loop needs.
type page interface {
	Navigate(ctx context.Context, url string) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	ScrollToBottom(ctx context.Context) error
	Height(ctx context.Context) (int64, error)
	Hrefs(ctx context.Context, selector string) ([]string, error)
}

// Browser discovers slugs by rendering an infinite-scroll listing page in
// headless Chrome.
type Browser struct {
	cfg      BrowserConfig
	logger   *zap.Logger
	openPage func(ctx context.Context) (page, func(), error)
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewBrowser builds a Browser discoverer. Chrome is launched per Discover
// call and torn down afterwards.
func NewBrowser(cfg BrowserConfig, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "schemes"
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = 30
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}
	if cfg.WaitSelector <= 0 {
		cfg.WaitSelector = 10 * time.Second
	}
	b := &Browser{cfg: cfg, logger: logger, sleep: sleepContext}
	b.openPage = b.openChromePage
	return b
}

// Name identifies the discoverer in logs and metrics.
func (*Browser) Name() string { return "browser" }

// Discover implements crawler.Discoverer. Failures are logged and yield an
// empty slice. NavTimeout bounds only the initial navigation; the scroll loop
// is bounded by MaxScrolls.
func (b *Browser) Discover(ctx context.Context) ([]string, error) {
	p, closePage, err := b.openPage(ctx)
	if err != nil {
		b.logger.Warn("browser discovery unavailable", zap.Error(err))
		return []string{}, nil
	}
	defer closePage()

	slugs, err := b.scroll(ctx, p)
	if err != nil {
		b.logger.Warn("browser discovery failed", zap.String("url", b.cfg.ListingURL), zap.Error(err))
		return []string{}, nil
	}
	b.logger.Info("browser discovery finished", zap.Int("slugs", len(slugs)))
	return slugs, nil
}

func (b *Browser) selector() string {
	return fmt.Sprintf(`a[href^="/%s/"]`, b.cfg.Collection)
}

// scroll loads the listing and scrolls until the page height stops growing
// or MaxScrolls is reached, then collects anchor slugs.
func (b *Browser) scroll(ctx context.Context, p page) ([]string, error) {
	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavTimeout)
	err := p.Navigate(navCtx, b.cfg.ListingURL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("navigate listing: %w", err)
	}
	selector := b.selector()
	if err := p.WaitFor(ctx, selector, b.cfg.WaitSelector); err != nil {
		b.logger.Debug("listing anchors not visible yet", zap.String("selector", selector), zap.Error(err))
	}

	prev, err := p.Height(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page height: %w", err)
	}
	for i := 0; i < b.cfg.MaxScrolls; i++ {
		if err := p.ScrollToBottom(ctx); err != nil {
			return nil, fmt.Errorf("scroll: %w", err)
		}
		if err := b.sleep(ctx, b.cfg.Settle); err != nil {
			return nil, fmt.Errorf("settle: %w", err)
		}
		height, err := p.Height(ctx)
		if err != nil {
			return nil, fmt.Errorf("read page height: %w", err)
		}
		if height == prev {
			break
		}
		prev = height
	}

	hrefs, err := p.Hrefs(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("collect hrefs: %w", err)
	}
	return ExtractSlugs(hrefs, b.cfg.Collection), nil
}

func (b *Browser) openChromePage(ctx context.Context) (page, func(), error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.NoSandbox,
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	closeAll := func() {
		taskCancel()
		allocCancel()
	}
	// The first Run launches the browser and ties its lifetime to taskCtx.
	if err := chromedp.Run(taskCtx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("start browser: %w", err)
	}
	return &chromePage{tab: taskCtx, userAgent: b.cfg.UserAgent}, closeAll, nil
}

type chromePage struct {
	tab       context.Context
	userAgent string
}

// run executes actions on the tab while honoring ctx's deadline.
func (c *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, cancel := context.WithCancel(c.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tabCtx, actions...)
}

func (c *chromePage) Navigate(ctx context.Context, url string) error {
	return c.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if c.userAgent != "" {
				if err := emulation.SetUserAgentOverride(c.userAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (c *chromePage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.run(waitCtx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (c *chromePage) ScrollToBottom(ctx context.Context) error {
	return c.run(ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
}

func (c *chromePage) Height(ctx context.Context) (int64, error) {
	var height int64
	if err := c.run(ctx, chromedp.Evaluate(`document.body.scrollHeight`, &height)); err != nil {
		return 0, err
	}
	return height, nil
}

func (c *chromePage) Hrefs(ctx context.Context, selector string) ([]string, error) {
	var hrefs []string
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(a => a.getAttribute("href") || "")`, selector)
	if err := c.run(ctx, chromedp.Evaluate(script, &hrefs)); err != nil {
		return nil, err
	}
	return hrefs, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
