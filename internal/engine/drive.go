package engine

import (
	"context"
	"time"
)

// DefaultFrameInterval paces Drive at roughly display refresh rate.
const DefaultFrameInterval = 16 * time.Millisecond

// Drive calls Update every interval until ctx is cancelled and hands each
// result to fn. Timestamps are milliseconds since Drive started. Drive is
// the goroutine that owns the engine; fn runs on it and must not block.
func (e *AudioEngine) Drive(ctx context.Context, interval time.Duration, fn func(UpdateResult)) error {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	start := time.Now()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			res := e.Update(float64(now.Sub(start)) / float64(time.Millisecond))
			if fn != nil {
				fn(res)
			}
		}
	}
}
