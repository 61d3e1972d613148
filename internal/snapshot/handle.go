package snapshot

import (
	"context"
	"sync"
)

// Handle tracks one archive creation.
type Handle struct {
	rev  string
	done chan struct{}
	path string
	err  error
}

func newHandle(rev string) *Handle {
	return &Handle{rev: rev, done: make(chan struct{})}
}

func completed(rev, path string) *Handle {
	h := newHandle(rev)
	h.finish(path, nil)
	return h
}

func (h *Handle) finish(path string, err error) {
	h.path, h.err = path, err
	close(h.done)
}

// Rev returns the revision being archived.
func (h *Handle) Rev() string { return h.rev }

// Done is closed once the archive is ready or failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the archive is ready and returns its path.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.path, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// builders bounds concurrent archive builds using a semaphore.
type builders struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newBuilders(size int) *builders {
	if size < 1 {
		size = 1
	}
	return &builders{sem: make(chan struct{}, size)}
}

// run starts fn once a slot is free. It never blocks the caller.
func (b *builders) run(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sem <- struct{}{}
		defer func() { <-b.sem }()
		fn()
	}()
}

func (b *builders) wait() {
	b.wg.Wait()
}
