// Package jobs owns the crawl job lifecycle: single-flight start, the
// pause/resume/stop control channel, and the per-run progress tracker.
package jobs

import (
	"context"
	"fmt"
)

// Signal is a control instruction delivered to a running crawl.
type Signal int

// Control signals.
const (
	SignalPause Signal = iota + 1
	SignalResume
	SignalStop
)

func (s Signal) String() string {
	switch s {
	case SignalPause:
		return "pause"
	case SignalResume:
		return "resume"
	case SignalStop:
		return "stop"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Control carries signals from the controller to one run. Only the run's
// goroutine calls Checkpoint.
type Control struct {
	signals chan Signal
	paused  bool
	stopped bool
}

// NewControl returns a Control with room for a burst of signals.
func NewControl() *Control {
	return &Control{signals: make(chan Signal, 16)}
}

// Send queues sig for the run, blocking only if ctx ends first.
func (c *Control) Send(ctx context.Context, sig Signal) error {
	select {
	case c.signals <- sig:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send %s: %w", sig, ctx.Err())
	}
}

// Checkpoint applies pending signals. While paused it blocks until a resume
// or stop arrives. It reports stop=true once a stop has been received.
func (c *Control) Checkpoint(ctx context.Context) (bool, error) {
	for {
		select {
		case sig := <-c.signals:
			c.apply(sig)
			continue
		default:
		}
		if c.stopped {
			return true, nil
		}
		if !c.paused {
			return false, nil
		}
		select {
		case sig := <-c.signals:
			c.apply(sig)
		case <-ctx.Done():
			return false, fmt.Errorf("paused run canceled: %w", ctx.Err())
		}
	}
}

func (c *Control) apply(sig Signal) {
	switch sig {
	case SignalPause:
		c.paused = true
	case SignalResume:
		c.paused = false
	case SignalStop:
		c.stopped = true
	}
}
