package blockqueue

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/walletsync/chainview/chaintest"
	"github.com/stretchr/testify/require"
)

func dequeue(t *testing.T, q *Queue) *btcutil.Block {
	t.Helper()

	block, err := q.Dequeue(context.Background()).Unpack()
	require.NoError(t, err)

	return block
}

// TestDropUntilEmpty fills the queue up to its byte ceiling and checks that
// blocks are dropped, not queued, until the consumer drained it completely.
func TestDropUntilEmpty(t *testing.T) {
	t.Parallel()

	h := chaintest.NewHarness(t)
	blocks := h.MineEmpty(7)
	blockSize := int64(blocks[0].MsgBlock().SerializeSize())

	q := New(3*blockSize, 0)

	for _, block := range blocks[:3] {
		require.NoError(t, q.Enqueue(block))
	}
	require.Equal(t, 3*blockSize, q.Size())

	require.ErrorIs(t, q.Enqueue(blocks[3]), ErrQueueFullAndDropped)
	require.True(t, q.IsFull())
	require.Equal(t, 3, q.Len())

	// Draining below the ceiling is not enough.
	require.Equal(t, blocks[0], dequeue(t, q))
	require.ErrorIs(t, q.Enqueue(blocks[4]), ErrQueueFullAndDropped)
	require.Equal(t, 2*blockSize, q.Size())

	require.Equal(t, blocks[1], dequeue(t, q))
	require.Equal(t, blocks[2], dequeue(t, q))
	require.Zero(t, q.Size())

	require.NoError(t, q.Enqueue(blocks[5]))
	require.False(t, q.IsFull())
	require.NoError(t, q.Enqueue(blocks[6]))
	require.Equal(t, blocks[5], dequeue(t, q))
	require.Equal(t, blocks[6], dequeue(t, q))
}

// TestCapacity checks that the count bound drops instead of blocking.
func TestCapacity(t *testing.T) {
	t.Parallel()

	h := chaintest.NewHarness(t)
	blocks := h.MineEmpty(3)

	q := New(DefaultMaxBytes, 2)
	require.NoError(t, q.Enqueue(blocks[0]))
	require.NoError(t, q.Enqueue(blocks[1]))
	require.ErrorIs(t, q.Enqueue(blocks[2]), ErrQueueFullAndDropped)
	require.Equal(t, 2, q.Len())
}

// TestDequeueCancel ensures a waiting consumer returns once its context is
// done.
func TestDequeueCancel(t *testing.T) {
	t.Parallel()

	q := New(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx).Unpack()
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, q.Len())
}
