package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceRunsInOrder(t *testing.T) {
	var seq Sequence
	var order []string
	for _, name := range []string{"http", "bridge", "journal"} {
		name := name
		seq.Add(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, seq.Run(context.Background()))
	assert.Equal(t, []string{"http", "bridge", "journal"}, order)

	// second run is a no-op
	require.NoError(t, seq.Run(context.Background()))
	assert.Len(t, order, 3)
}

func TestSequenceContinuesAfterFailure(t *testing.T) {
	var seq Sequence
	boom := errors.New("boom")
	ran := false

	seq.Add("bridge", func(ctx context.Context) error { return boom })
	seq.Add("journal", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := seq.ShutdownWithError(context.Background(), errors.New("listener died"), "HTTP server failed")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bridge: boom")
	assert.True(t, ran)
}

func TestSequenceRunsOnceAcrossGoroutines(t *testing.T) {
	var seq Sequence
	var runs atomic.Int32
	seq.Add("http", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = seq.Run(context.Background())
				return
			}
			_ = seq.ShutdownWithError(context.Background(), errors.New("listen tcp :5000: address already in use"), "REST API server failed")
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, runs.Load())
}
