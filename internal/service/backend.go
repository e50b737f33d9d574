package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrBackendClosed = errors.New("generation backend closed")

// BackendFactory builds the generator on first use.
type BackendFactory func(ctx context.Context) (Generator, error)

// Backend is a lazily created, reference-counted generator handle. The
// underlying generator is closed once Close has been called and the last
// acquired reference is released.
type Backend struct {
	mu      sync.Mutex
	factory BackendFactory
	gen     Generator
	refs    int
	closing bool
	closed  bool
}

func NewBackend(factory BackendFactory) *Backend {
	return &Backend{factory: factory}
}

// Acquire returns the generator and a release func that must be called once.
// A failed initialization is retried on the next Acquire.
func (b *Backend) Acquire(ctx context.Context) (Generator, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing {
		return nil, nil, ErrBackendClosed
	}
	if b.gen == nil {
		gen, err := b.factory(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init generation backend: %w", err)
		}
		b.gen = gen
	}
	b.refs++

	var once sync.Once
	release := func() {
		once.Do(b.release)
	}
	return b.gen, release, nil
}

func (b *Backend) release() {
	b.mu.Lock()
	b.refs--
	shouldClose := b.closing && b.refs == 0
	b.mu.Unlock()
	if shouldClose {
		_ = b.shutdown()
	}
}

// Close stops new acquisitions. The generator is closed now if idle, or when
// the last reference is released.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closing = true
	idle := b.refs == 0
	b.mu.Unlock()
	if idle {
		return b.shutdown()
	}
	return nil
}

func (b *Backend) shutdown() error {
	b.mu.Lock()
	if b.closed || b.gen == nil {
		b.closed = true
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	gen := b.gen
	b.mu.Unlock()

	if closer, ok := gen.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close generation backend: %w", err)
		}
	}
	return nil
}
