package client

import (
	"context"
	"fmt"
	"iter"
)

// ProgressOptions tunes progress notifications.
type ProgressOptions struct {
	// Total is the expected item count. When set, notifications fire at
	// percentage steps instead of fixed intervals.
	Total int
	// Every fires a notification each N items. Ignored when Total is set.
	// Defaults to 100.
	Every int
	// PercentStep is the reporting granularity when Total is set.
	// Defaults to 10.
	PercentStep int
}

// Progress re-yields seq unchanged while notifying the user's chat as items
// pass through. The sequence's values and ordering are untouched; only the
// side channel differs.
func Progress[T any](ctx context.Context, c *Client, name string, seq iter.Seq[T], opts ProgressOptions) iter.Seq[T] {
	every := opts.Every
	if every <= 0 {
		every = 100
	}
	step := opts.PercentStep
	if step <= 0 {
		step = 10
	}

	return func(yield func(T) bool) {
		n := 0
		lastPct := 0
		for v := range seq {
			if !yield(v) {
				return
			}
			n++
			if opts.Total > 0 {
				pct := n * 100 / opts.Total
				if pct >= lastPct+step {
					lastPct = pct - pct%step
					c.Notify(ctx, fmt.Sprintf("%s: %d/%d (%d%%)", name, n, opts.Total, pct), nil)
				}
			} else if n%every == 0 {
				c.Notify(ctx, fmt.Sprintf("%s: %d items processed", name, n), nil)
			}
		}
		if opts.Total > 0 && lastPct < 100 && n >= opts.Total {
			c.Notify(ctx, fmt.Sprintf("%s: %d/%d (100%%)", name, n, opts.Total), nil)
		}
	}
}
