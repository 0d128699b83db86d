// Package blocktable implements the per-sequence logical→physical
// address translator over a blockpool.Allocator, including CoW
// sharing and O(1) range removal for context-window shifting.
//
// Grounded on _examples/original_source/src/llama-kv-cache-paged.{h,cpp}
// (llama_block_table).
package blocktable

import (
	"errors"
	"fmt"

	"github.com/databloom/pagedkv-layerwindow/blockpool"
)

// Sentinel errors, per spec §7.
var (
	ErrUnknownSequence    = errors.New("blocktable: unknown sequence")
	ErrPositionOutOfRange = errors.New("blocktable: position out of range")
)

// SeqID is an externally supplied opaque sequence identifier.
type SeqID int64

// Table holds the sequence → []BlockID mapping shared across one
// block size. Not safe for concurrent use (spec §5).
type Table struct {
	blockSize uint32
	mapping   map[SeqID][]blockpool.BlockID
}

// New creates an empty table for the given block size.
func New(blockSize uint32) *Table {
	return &Table{
		blockSize: blockSize,
		mapping:   make(map[SeqID][]blockpool.BlockID),
	}
}

// BlockSize returns the table's fixed block size.
func (t *Table) BlockSize() uint32 { return t.blockSize }

// LogicalToPhysical resolves (seq, pos) to the physical cell index
// block_id*block_size + (pos mod block_size), matching the formula
// used by attention kernels bit-exactly.
func (t *Table) LogicalToPhysical(seq SeqID, pos int64) (uint64, error) {
	b, err := t.blockAt(seq, pos)
	if err != nil {
		return 0, err
	}
	return uint64(b)*uint64(t.blockSize) + uint64(pos)%uint64(t.blockSize), nil
}

// GetBlockID returns the physical block ID backing logical position pos.
func (t *Table) GetBlockID(seq SeqID, pos int64) (blockpool.BlockID, error) {
	return t.blockAt(seq, pos)
}

func (t *Table) blockAt(seq SeqID, pos int64) (blockpool.BlockID, error) {
	if pos < 0 {
		return 0, fmt.Errorf("%w: pos=%d", ErrPositionOutOfRange, pos)
	}
	blocks, ok := t.mapping[seq]
	if !ok {
		return 0, fmt.Errorf("%w: seq=%d", ErrUnknownSequence, seq)
	}
	idx := uint64(pos) / uint64(t.blockSize)
	if idx >= uint64(len(blocks)) {
		return 0, fmt.Errorf("%w: pos=%d (capacity=%d)", ErrPositionOutOfRange, pos, uint64(len(blocks))*uint64(t.blockSize))
	}
	return blocks[idx], nil
}

// AppendBlock appends b to seq's block list, creating the list if
// absent. The caller must have obtained b from the allocator; its ref
// count (set to 1 by Allocate) is not touched here.
func (t *Table) AppendBlock(seq SeqID, b blockpool.BlockID) {
	t.mapping[seq] = append(t.mapping[seq], b)
}

// ReplaceBlock installs newBlock in place of the entry at logicalIdx,
// used by the CoW write path after copying a shared block's bytes.
func (t *Table) ReplaceBlock(seq SeqID, logicalIdx int, newBlock blockpool.BlockID) error {
	blocks, ok := t.mapping[seq]
	if !ok {
		return fmt.Errorf("%w: seq=%d", ErrUnknownSequence, seq)
	}
	if logicalIdx < 0 || logicalIdx >= len(blocks) {
		return fmt.Errorf("%w: logical_idx=%d (len=%d)", ErrPositionOutOfRange, logicalIdx, len(blocks))
	}
	blocks[logicalIdx] = newBlock
	return nil
}

// NeedsNewBlock reports whether newTotalTokens exceeds seq's current
// capacity.
func (t *Table) NeedsNewBlock(seq SeqID, newTotalTokens int64) bool {
	return newTotalTokens > t.Capacity(seq)
}

// Capacity returns seq's current capacity in tokens (0 if unknown).
func (t *Table) Capacity(seq SeqID) int64 {
	return int64(len(t.mapping[seq])) * int64(t.blockSize)
}

// NumBlocksFor returns the number of blocks allocated to seq (0 if
// unknown).
func (t *Table) NumBlocksFor(seq SeqID) int {
	return len(t.mapping[seq])
}

// HasSeq reports whether seq has an entry in the table.
func (t *Table) HasSeq(seq SeqID) bool {
	_, ok := t.mapping[seq]
	return ok
}

// Share is the public CoW primitive: it copies src's block list into
// dst and inc_refs every shared block. src must exist and dst must not
// — the caller's invariant, per spec §4.2.
func (t *Table) Share(src, dst SeqID, alloc *blockpool.Allocator) error {
	srcBlocks, ok := t.mapping[src]
	if !ok {
		return fmt.Errorf("%w: src seq=%d", ErrUnknownSequence, src)
	}

	dstBlocks := make([]blockpool.BlockID, len(srcBlocks))
	copy(dstBlocks, srcBlocks)
	t.mapping[dst] = dstBlocks

	for _, b := range dstBlocks {
		if err := alloc.IncRef(b); err != nil {
			return err
		}
	}
	return nil
}

// FreeSeq frees every block in seq's list via alloc, then removes the
// entry. No-op if seq is absent.
func (t *Table) FreeSeq(seq SeqID, alloc *blockpool.Allocator) error {
	blocks, ok := t.mapping[seq]
	if !ok {
		return nil
	}
	for _, b := range blocks {
		if err := alloc.Free(b); err != nil {
			return err
		}
	}
	delete(t.mapping, seq)
	return nil
}

// RemoveBlocksRange frees exactly the logical blocks fully or
// partially covered by [posStart, posEnd), clamped to the sequence's
// length, and shifts later blocks left to close the gap — O(1) in the
// number of removed blocks, used for context-window shift.
func (t *Table) RemoveBlocksRange(seq SeqID, posStart, posEnd int64, alloc *blockpool.Allocator) error {
	blocks, ok := t.mapping[seq]
	if !ok {
		return nil
	}

	blockStart := uint64(posStart) / uint64(t.blockSize)
	blockEnd := (uint64(posEnd) + uint64(t.blockSize) - 1) / uint64(t.blockSize) // round up

	if blockEnd > uint64(len(blocks)) {
		blockEnd = uint64(len(blocks))
	}
	if blockStart >= blockEnd {
		return nil
	}

	for i := blockStart; i < blockEnd; i++ {
		if err := alloc.Free(blocks[i]); err != nil {
			return err
		}
	}

	t.mapping[seq] = append(blocks[:blockStart], blocks[blockEnd:]...)
	return nil
}

// Clear frees all blocks across all sequences and empties the table.
func (t *Table) Clear(alloc *blockpool.Allocator) error {
	for seq, blocks := range t.mapping {
		for _, b := range blocks {
			if err := alloc.Free(b); err != nil {
				return err
			}
		}
		delete(t.mapping, seq)
	}
	return nil
}
