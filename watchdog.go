package redqueue

import (
	"context"
	"sync"
	"time"
)

// keepAlive runs fn while refresh is invoked every interval from a
// separate goroutine. refresh has stopped by the time keepAlive returns.
func keepAlive(ctx context.Context, interval time.Duration, refresh func(context.Context), fn func(context.Context) error) error {
	if interval <= 0 {
		return fn(ctx)
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				refresh(ctx)
			}
		}
	}()
	err := fn(ctx)
	close(done)
	wg.Wait()
	return err
}
