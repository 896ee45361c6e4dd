package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aleph-im/aleph-node/async"
)

func TestRunEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	i := int32(0)
	async.RunEvery(ctx, 100*time.Millisecond, func() {
		atomic.AddInt32(&i, 1)
	})

	time.Sleep(250 * time.Millisecond)
	assert.NotZero(t, atomic.LoadInt32(&i), "counter failed to increment with ticker")

	cancel()
	time.Sleep(100 * time.Millisecond)
	last := atomic.LoadInt32(&i)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, last, atomic.LoadInt32(&i), "counter incremented after stop")
}

func TestRunEveryNow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	i := int32(0)
	async.RunEveryNow(ctx, time.Hour, func() {
		atomic.AddInt32(&i, 1)
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&i), "immediate first run did not happen")
}
