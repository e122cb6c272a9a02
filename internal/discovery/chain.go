package discovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
	"github.com/JakeFAU/scheme-crawler/internal/metrics"
)

// Chain tries discoverers in order and returns the first non-empty result.
type Chain struct {
	discoverers []crawler.Discoverer
	logger      *zap.Logger
}

// NewChain builds a Chain.
func NewChain(logger *zap.Logger, discoverers ...crawler.Discoverer) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{discoverers: discoverers, logger: logger}
}

// Name identifies the discoverer in logs and metrics.
func (*Chain) Name() string { return "chain" }

// Discover implements crawler.Discoverer.
func (c *Chain) Discover(ctx context.Context) ([]string, error) {
	for _, d := range c.discoverers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := nameOf(d)
		slugs, err := d.Discover(ctx)
		if err != nil {
			c.logger.Warn("discoverer failed", zap.String("discoverer", name), zap.Error(err))
			continue
		}
		metrics.ObserveDiscovery(name, len(slugs))
		if len(slugs) > 0 {
			c.logger.Info("slugs discovered", zap.String("discoverer", name), zap.Int("count", len(slugs)))
			return slugs, nil
		}
		c.logger.Info("discoverer returned no slugs", zap.String("discoverer", name))
	}
	return []string{}, nil
}

func nameOf(d crawler.Discoverer) string {
	if n, ok := d.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}
