// Package dedupe coalesces concurrent identical calls onto a single
// in-flight operation.
package dedupe

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group holds at most one in-flight call per key. The zero value is ready
// to use.
type Group[T any] struct {
	sf singleflight.Group

	// OnShared, when set, is called for every caller that joined an
	// existing call instead of starting one.
	OnShared func(key string)
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for and returns that call's result. The entry is removed
// once fn returns, whatever its outcome.
//
// fn receives a context detached from the caller's cancellation so one
// caller giving up does not abort the work the others are waiting on. A
// caller whose ctx ends stops waiting and gets ctx.Err().
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	ch := g.sf.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Shared && g.OnShared != nil {
			g.OnShared(key)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	}
}

// Forget drops key so the next Do starts a fresh call even if one is
// still running.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}
