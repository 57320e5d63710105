// Package blockqueue provides a FIFO of blocks bounded by the serialized size
// of the blocks it holds rather than by their number.
package blockqueue

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultMaxBytes is the default ceiling of the queued block bytes.
	DefaultMaxBytes = 100 * 1024 * 1024

	// DefaultCapacity is the default maximum number of queued blocks,
	// regardless of their size.
	DefaultCapacity = 10_000
)

// ErrQueueFullAndDropped is returned by Enqueue when a block is dropped
// because the queue is full.
var ErrQueueFullAndDropped = queue.ErrQueueFullAndDropped

// sizedBlock is a queued block together with its serialized size.
type sizedBlock struct {
	block *btcutil.Block
	size  int64
}

// Queue is a lossy FIFO of blocks. Once the queued bytes reach the ceiling,
// every further block is dropped until the consumer emptied the queue
// completely. Enqueue never blocks.
type Queue struct {
	maxBytes int64
	capacity int

	q *queue.BackpressureQueue[sizedBlock]

	// mtx serializes producers and guards the accounting below.
	mtx   sync.Mutex
	size  int64
	count int
	full  bool
}

// New creates a queue holding up to maxBytes of serialized blocks, and at
// most capacity blocks.
func New(maxBytes int64, capacity int) *Queue {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	b := &Queue{
		maxBytes: maxBytes,
		capacity: capacity,
	}
	b.q = queue.NewBackpressureQueue[sizedBlock](capacity, b.shouldDrop)

	return b
}

// shouldDrop decides whether an incoming block is dropped. The full flag is
// sticky: it is raised once the queued bytes reach the ceiling and only
// lowered again when the queue is empty.
//
// NOTE: must be called with the mutex held.
func (b *Queue) shouldDrop(queueLen int, _ sizedBlock) bool {
	if queueLen >= b.capacity {
		return true
	}

	if !b.full {
		b.full = b.size >= b.maxBytes
	} else {
		b.full = b.count > 0
	}

	return b.full
}

// Enqueue appends a block. It returns ErrQueueFullAndDropped if the block was
// dropped.
func (b *Queue) Enqueue(block *btcutil.Block) error {
	item := sizedBlock{
		block: block,
		size:  int64(block.MsgBlock().SerializeSize()),
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	// The drop predicate refuses items once the channel is at capacity,
	// so this send never waits on the context.
	err := b.q.Enqueue(context.Background(), item)
	if err != nil {
		return err
	}

	b.size += item.size
	b.count++

	return nil
}

// Dequeue waits for the next block or for the context to be done.
func (b *Queue) Dequeue(ctx context.Context) fn.Result[*btcutil.Block] {
	res := b.q.Dequeue(ctx)

	item, err := res.Unpack()
	if err != nil {
		return fn.Err[*btcutil.Block](err)
	}

	b.mtx.Lock()
	b.size -= item.size
	b.count--
	b.mtx.Unlock()

	return fn.Ok(item.block)
}

// Size returns the serialized size of all queued blocks.
func (b *Queue) Size() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.size
}

// Len returns the number of queued blocks.
func (b *Queue) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.count
}

// IsFull reports whether the sticky full flag is raised. It is only lowered
// by the first Enqueue after the queue ran empty.
func (b *Queue) IsFull() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.full
}
