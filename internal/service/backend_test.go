package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendInitializesLazilyOnce(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	var calls atomic.Int32
	backend := NewBackend(func(context.Context) (Generator, error) {
		calls.Add(1)
		return gen, nil
	})
	assert.Zero(t, calls.Load())

	g1, release1, err := backend.Acquire(context.Background())
	require.NoError(t, err)
	g2, release2, err := backend.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, g1, g2)
	assert.Equal(t, int32(1), calls.Load())
	release1()
	release2()
}

func TestBackendDoesNotCacheFailedInit(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	backend := NewBackend(func(context.Context) (Generator, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("bad credentials")
		}
		return &fakeGenerator{}, nil
	})

	_, _, err := backend.Acquire(context.Background())
	require.Error(t, err)

	_, release, err := backend.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.Equal(t, int32(2), calls.Load())
}

func TestBackendClosesAfterLastRelease(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	backend := NewBackend(func(context.Context) (Generator, error) { return gen, nil })

	_, release, err := backend.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, backend.Close())
	assert.Zero(t, gen.closed, "closed while still referenced")

	_, _, err = backend.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrBackendClosed)

	release()
	release()
	assert.Equal(t, 1, gen.closed)

	require.NoError(t, backend.Close())
	assert.Equal(t, 1, gen.closed)
}

func TestBackendCloseWithoutInit(t *testing.T) {
	t.Parallel()
	backend := NewBackend(func(context.Context) (Generator, error) {
		t.Fatal("factory must not run")
		return nil, nil
	})
	assert.NoError(t, backend.Close())
}
