package runtime

import (
	"context"
	"sync/atomic"
	"time"
)

// watchInterval mirrors a stream of interval updates into an atomic value and
// raises updateSignal on each change.
func watchInterval(ctx context.Context, initial time.Duration, updates <-chan time.Duration, fallback time.Duration) (*atomic.Value, <-chan struct{}) {
	var intervalValue atomic.Value
	if initial <= 0 {
		initial = fallback
	}
	intervalValue.Store(initial)

	updateSignal := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = fallback
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	return &intervalValue, updateSignal
}

// runIntervalLoop calls tick once, then on every tick of an interval that
// follows intervalValue, until ctx is done.
func runIntervalLoop(ctx context.Context, intervalValue *atomic.Value, updateSignal <-chan struct{}, fallback time.Duration, tick func(context.Context)) {
	currentInterval := intervalValue.Load().(time.Duration)
	if currentInterval <= 0 {
		currentInterval = fallback
	}

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval <= 0 {
				newInterval = fallback
			}
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
		}
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
