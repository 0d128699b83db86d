// Package blockpool implements the paged-attention block allocator: a
// pool of fixed-size physical blocks with a ref-counted LIFO free list.
//
// Grounded on _examples/original_source/src/llama-kv-cache-paged.{h,cpp}
// (llama_block_allocator), itself modeled after vLLM's BlockPool.
package blockpool

import (
	"errors"
	"fmt"

	"github.com/databloom/pagedkv-layerwindow/internal/logging"
	"github.com/databloom/pagedkv-layerwindow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Sentinel errors, per spec §7.
var (
	ErrNoFreeBlocks = errors.New("blockpool: no free blocks available")
	ErrInvalidBlock = errors.New("blockpool: invalid block")
)

// BlockID is a dense index in [0, NumBlocks).
type BlockID uint32

// Allocator is a pool of fixed-size physical blocks, each holding
// BlockSize token slots, tracked via a ref-counted LIFO free list.
//
// Not safe for concurrent use; the caller serializes access (spec §5).
type Allocator struct {
	blockSize uint32
	numBlocks uint32

	freeList []BlockID
	refCount []uint32

	metrics *telemetry.AllocatorMetrics
	log     *logging.Logger
}

// Option configures an Allocator at construction.
type Option func(*Allocator)

// WithMetrics registers allocator metrics against reg.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(a *Allocator) { a.metrics = telemetry.NewAllocatorMetrics(reg) }
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// New derives numBlocks = totalCells / blockSize and initializes the
// free list (LIFO: block 0 is the first block returned by Allocate)
// with every block's ref count at zero.
func New(totalCells, blockSize uint32, opts ...Option) *Allocator {
	if blockSize == 0 {
		panic("blockpool: blockSize must be > 0")
	}
	numBlocks := totalCells / blockSize

	a := &Allocator{
		blockSize: blockSize,
		numBlocks: numBlocks,
		freeList:  make([]BlockID, 0, numBlocks),
		refCount:  make([]uint32, numBlocks),
		log:       logging.Default,
	}
	for _, opt := range opts {
		opt(a)
	}

	// Push in descending order so that block 0 is popped (and hence
	// allocated) first — see SPEC_FULL.md §5 "LIFO free-list
	// construction order".
	for i := numBlocks; i > 0; i-- {
		a.freeList = append(a.freeList, BlockID(i-1))
	}

	if a.metrics != nil {
		a.metrics.FreeBlocks.Set(float64(len(a.freeList)))
	}

	return a
}

// BlockSize returns the configured block size.
func (a *Allocator) BlockSize() uint32 { return a.blockSize }

// Allocate pops the top of the free list and sets its ref count to 1.
func (a *Allocator) Allocate() (BlockID, error) {
	if len(a.freeList) == 0 {
		if a.metrics != nil {
			a.metrics.ExhaustedTotal.Inc()
		}
		a.log.Warn("blockpool: allocate failed, no free blocks", "num_blocks", a.numBlocks)
		return 0, ErrNoFreeBlocks
	}

	last := len(a.freeList) - 1
	b := a.freeList[last]
	a.freeList = a.freeList[:last]
	a.refCount[b] = 1

	if a.metrics != nil {
		a.metrics.FreeBlocks.Set(float64(len(a.freeList)))
		a.metrics.AllocateTotal.Inc()
	}
	return b, nil
}

// Free decrements the ref count for b. When it reaches zero, b is
// pushed back onto the free list.
func (a *Allocator) Free(b BlockID) error {
	if uint32(b) >= a.numBlocks || a.refCount[b] == 0 {
		return fmt.Errorf("%w: block %d (num_blocks=%d, ref_count=%d)", ErrInvalidBlock, b, a.numBlocks, a.refCountOrZero(b))
	}

	a.refCount[b]--
	if a.refCount[b] == 0 {
		a.freeList = append(a.freeList, b)
	}

	if a.metrics != nil {
		a.metrics.FreeTotal.Inc()
		a.metrics.FreeBlocks.Set(float64(len(a.freeList)))
	}
	return nil
}

// IncRef increments the ref count for b. A block with ref count zero
// cannot be revived this way.
func (a *Allocator) IncRef(b BlockID) error {
	if uint32(b) >= a.numBlocks || a.refCount[b] == 0 {
		return fmt.Errorf("%w: block %d (num_blocks=%d, ref_count=%d)", ErrInvalidBlock, b, a.numBlocks, a.refCountOrZero(b))
	}
	a.refCount[b]++
	if a.metrics != nil {
		a.metrics.IncRefTotal.Inc()
	}
	return nil
}

// RefCount returns the current reference count for b, or 0 if b is out
// of range.
func (a *Allocator) RefCount(b BlockID) uint32 { return a.refCountOrZero(b) }

func (a *Allocator) refCountOrZero(b BlockID) uint32 {
	if uint32(b) >= a.numBlocks {
		return 0
	}
	return a.refCount[b]
}

// CanAllocate reports whether at least n blocks are free.
func (a *Allocator) CanAllocate(n uint32) bool { return uint32(len(a.freeList)) >= n }

// NumFree returns the number of blocks currently on the free list.
func (a *Allocator) NumFree() uint32 { return uint32(len(a.freeList)) }

// Total returns the total number of blocks managed by the allocator.
func (a *Allocator) Total() uint32 { return a.numBlocks }
