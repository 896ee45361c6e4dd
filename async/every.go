// Package async provides scheduling helpers for the node's periodic
// workers (chain sync loops, the pending queue watcher, the file GC).
package async

import (
	"context"
	"reflect"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunEvery runs f periodically in a goroutine until the context closes.
// The first run happens after one full period.
func RunEvery(ctx context.Context, period time.Duration, f func()) {
	run(ctx, period, false, f)
}

// RunEveryNow is RunEvery with an immediate first run, for workers that
// should catch up on backlog as soon as the node starts.
func RunEveryNow(ctx context.Context, period time.Duration, f func()) {
	run(ctx, period, true, f)
}

func run(ctx context.Context, period time.Duration, immediate bool, f func()) {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		if immediate {
			if ctx.Err() != nil {
				return
			}
			f()
		}
		for {
			select {
			case <-ticker.C:
				log.WithField("function", funcName).Trace("running")
				f()
			case <-ctx.Done():
				log.WithField("function", funcName).Debug("context is closed, exiting")
				return
			}
		}
	}()
}
