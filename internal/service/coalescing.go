package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshCoalescer lets concurrent misses for the same partition and bucket
// share one refresh. It only saves upstream calls; the store's conflict
// handling keeps duplicate refreshes correct without it.
type refreshCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRefreshCoalescer(timeout time.Duration) *refreshCoalescer {
	return &refreshCoalescer{timeout: timeout}
}

// Do runs fn once per key among concurrent callers. fn gets a context that
// survives the leader's cancellation (bounded by the coalescer timeout) so
// one client disconnecting does not fail the others. joined is true when
// this caller received another caller's result.
func (rc *refreshCoalescer) Do(ctx context.Context, key string, fn func(context.Context) error) (joined bool, err error) {
	ran := false
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		ran = true
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		defer cancel()
		return nil, fn(runCtx)
	})

	select {
	case res := <-ch:
		return res.Shared && !ran, res.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
