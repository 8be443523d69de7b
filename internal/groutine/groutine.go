// Package groutine starts named goroutines. The name is attached as a pprof
// label and carried in the context so logs and profiles can tell workers apart.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a goroutine labelled name.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "ble-disconnect-monitor", func(ctx context.Context) {
//	    <-ctx.Done()
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// Name retrieves the goroutine name from the context.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}

// Group tracks named goroutines so their owner can wait for them to exit.
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn like the package-level Go and registers it with the group.
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started through g has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
