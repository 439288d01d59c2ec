package websocket

import (
	"context"
	"time"

	"github.com/cryptowatch/clock"
)

// keepAlive periodically calls tick until stopped. The supervisor starts one
// on each transition into ConnStateConnected, and stops it when leaving that
// state.
type keepAlive struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startKeepAlive starts the ticking goroutine. tick is called once per
// interval with a context which is cancelled when the keepalive is stopped.
func startKeepAlive(clk clock.Clock, interval time.Duration, tick func(ctx context.Context)) *keepAlive {
	ctx, cancel := context.WithCancel(context.Background())

	ka := &keepAlive{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Create the ticker before returning, so that a mocked clock advanced
	// right after startKeepAlive always sees it.
	ticker := clk.Ticker(interval)

	go func() {
		defer close(ka.done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// The ticker and cancellation may be ready at the same time
				select {
				case <-ctx.Done():
					return
				default:
				}

				tick(ctx)
			}
		}
	}()

	return ka
}

// stop signals the goroutine to quit; it doesn't wait for it, see wait.
func (ka *keepAlive) stop() {
	ka.cancel()
}

// wait waits for the goroutine to quit, but not longer than timeout. Returns
// false if it timed out.
func (ka *keepAlive) wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ka.done:
		return true
	case <-t.C:
		return false
	}
}
