package forward

import (
	"context"
	"sync"
)

type reloadCall struct {
	ctx  context.Context
	done chan struct{}
	err  error
}

// reloader runs at most one reload at a time.  Requests made while a reload
// is in flight share a single follow-up reload.
type reloader struct {
	run func(ctx context.Context) error

	mu      sync.Mutex
	running *reloadCall
	next    *reloadCall
	// joined counts requests folded into next.
	joined int
}

func newReloader(run func(ctx context.Context) error) *reloader {
	return &reloader{run: run}
}

// Do requests a reload and waits for one that started after the request
// to finish.
func (r *reloader) Do(ctx context.Context) error {
	r.mu.Lock()
	var c *reloadCall
	switch {
	case r.running == nil:
		c = &reloadCall{ctx: context.WithoutCancel(ctx), done: make(chan struct{})}
		r.running = c
		r.mu.Unlock()
		r.exec(c)
		return c.err
	case r.next == nil:
		c = &reloadCall{ctx: context.WithoutCancel(ctx), done: make(chan struct{})}
		r.next = c
		r.joined = 1
	default:
		c = r.next
		r.joined++
	}
	r.mu.Unlock()

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *reloader) exec(c *reloadCall) {
	c.err = r.run(c.ctx)
	close(c.done)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = nil
	if n := r.next; n != nil {
		r.running, r.next, r.joined = n, nil, 0
		go r.exec(n)
	}
}

func (r *reloader) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}
