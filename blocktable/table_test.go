package blocktable

import (
	"errors"
	"testing"

	"github.com/databloom/pagedkv-layerwindow/blockpool"
)

func allocBlocks(t *testing.T, a *blockpool.Allocator, n int) []blockpool.BlockID {
	t.Helper()
	ids := make([]blockpool.BlockID, n)
	for i := range ids {
		b, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate(): %v", err)
		}
		ids[i] = b
	}
	return ids
}

func TestTranslation(t *testing.T) {
	a := blockpool.New(32*8, 32)
	tbl := New(32)

	blocks := allocBlocks(t, a, 8) // ids 0..7
	tbl.AppendBlock(1, blocks[5])
	tbl.AppendBlock(1, blocks[7])

	cases := []struct {
		pos  int64
		want uint64
	}{
		{0, 160},
		{31, 191},
		{32, 224},
		{50, 242},
	}
	for _, c := range cases {
		got, err := tbl.LogicalToPhysical(1, c.pos)
		if err != nil {
			t.Fatalf("LogicalToPhysical(1, %d): %v", c.pos, err)
		}
		if got != c.want {
			t.Errorf("LogicalToPhysical(1, %d) = %d, want %d", c.pos, got, c.want)
		}
	}
}

func TestTranslationOutOfRange(t *testing.T) {
	a := blockpool.New(64, 32)
	tbl := New(32)
	tbl.AppendBlock(1, allocBlocks(t, a, 1)[0])

	if _, err := tbl.LogicalToPhysical(1, 32); !errors.Is(err, ErrPositionOutOfRange) {
		t.Fatalf("LogicalToPhysical at exact capacity boundary: got %v, want ErrPositionOutOfRange", err)
	}
	if _, err := tbl.LogicalToPhysical(2, 0); !errors.Is(err, ErrUnknownSequence) {
		t.Fatalf("LogicalToPhysical for unknown seq: got %v, want ErrUnknownSequence", err)
	}
}

func TestNonContiguousInterleaved(t *testing.T) {
	a := blockpool.New(32*8, 32)
	tbl := New(32)

	b0, _ := a.Allocate() // 0
	tbl.AppendBlock(1, b0)
	b1, _ := a.Allocate() // 1
	tbl.AppendBlock(2, b1)
	b2, _ := a.Allocate() // 2
	tbl.AppendBlock(1, b2)
	b3, _ := a.Allocate() // 3
	tbl.AppendBlock(2, b3)

	got1, _ := tbl.LogicalToPhysical(1, 40) // block idx 1 -> b2 (id 2)
	if want := uint64(2*32 + 8); got1 != want {
		t.Errorf("seq1 pos40 = %d, want %d", got1, want)
	}
	got2, _ := tbl.LogicalToPhysical(2, 40) // block idx 1 -> b3 (id 3)
	if want := uint64(3*32 + 8); got2 != want {
		t.Errorf("seq2 pos40 = %d, want %d", got2, want)
	}
}

func TestShareCoW(t *testing.T) {
	a := blockpool.New(32*4, 32)
	tbl := New(32)

	blocks := allocBlocks(t, a, 2)
	tbl.AppendBlock(1, blocks[0])
	tbl.AppendBlock(1, blocks[1])

	if err := tbl.Share(1, 2, a); err != nil {
		t.Fatalf("Share(): %v", err)
	}

	for pos := int64(0); pos < tbl.Capacity(1); pos++ {
		p1, err1 := tbl.LogicalToPhysical(1, pos)
		p2, err2 := tbl.LogicalToPhysical(2, pos)
		if err1 != nil || err2 != nil {
			t.Fatalf("LogicalToPhysical at pos %d: %v / %v", pos, err1, err2)
		}
		if p1 != p2 {
			t.Fatalf("pos %d: src=%d dst=%d, want equal after share", pos, p1, p2)
		}
	}

	for _, b := range blocks {
		if got := a.RefCount(b); got != 2 {
			t.Errorf("RefCount(%d) = %d, want 2 after share", b, got)
		}
	}
}

func TestContextShift(t *testing.T) {
	a := blockpool.New(32*4, 32)
	tbl := New(32)

	blocks := allocBlocks(t, a, 4) // b0..b3
	for _, b := range blocks {
		tbl.AppendBlock(1, b)
	}

	if err := tbl.RemoveBlocksRange(1, 32, 96, a); err != nil {
		t.Fatalf("RemoveBlocksRange(): %v", err)
	}

	if got := tbl.NumBlocksFor(1); got != 2 {
		t.Fatalf("NumBlocksFor(1) = %d, want 2", got)
	}
	remaining0, _ := tbl.GetBlockID(1, 0)
	remaining1, _ := tbl.GetBlockID(1, 32)
	if remaining0 != blocks[0] || remaining1 != blocks[3] {
		t.Fatalf("remaining blocks = [%d, %d], want [%d, %d]", remaining0, remaining1, blocks[0], blocks[3])
	}

	if a.RefCount(blocks[1]) != 0 || a.RefCount(blocks[2]) != 0 {
		t.Fatal("removed blocks should have ref count 0")
	}
	if !a.CanAllocate(2) {
		t.Fatal("removed blocks should be back on the free list")
	}
}

func TestFreeSeqIdempotent(t *testing.T) {
	a := blockpool.New(32*2, 32)
	tbl := New(32)
	blocks := allocBlocks(t, a, 2)
	for _, b := range blocks {
		tbl.AppendBlock(1, b)
	}

	if err := tbl.FreeSeq(1, a); err != nil {
		t.Fatalf("FreeSeq() #1: %v", err)
	}
	if err := tbl.FreeSeq(1, a); err != nil {
		t.Fatalf("FreeSeq() #2 (no-op expected): %v", err)
	}
	if got := a.NumFree(); got != 2 {
		t.Fatalf("NumFree() = %d, want 2 after freeing non-shared seq", got)
	}
	if tbl.HasSeq(1) {
		t.Fatal("seq should be gone after FreeSeq")
	}
}

func TestClear(t *testing.T) {
	a := blockpool.New(32*4, 32)
	tbl := New(32)
	b1 := allocBlocks(t, a, 2)
	b2 := allocBlocks(t, a, 2)
	for _, b := range b1 {
		tbl.AppendBlock(1, b)
	}
	for _, b := range b2 {
		tbl.AppendBlock(2, b)
	}

	if err := tbl.Clear(a); err != nil {
		t.Fatalf("Clear(): %v", err)
	}
	if a.NumFree() != a.Total() {
		t.Fatalf("NumFree() = %d, want %d after Clear", a.NumFree(), a.Total())
	}
}

func TestCapacityAndHasSeqUnknown(t *testing.T) {
	tbl := New(32)
	if tbl.Capacity(99) != 0 {
		t.Error("Capacity() of unknown seq should be 0")
	}
	if tbl.NumBlocksFor(99) != 0 {
		t.Error("NumBlocksFor() of unknown seq should be 0")
	}
	if tbl.HasSeq(99) {
		t.Error("HasSeq() of unknown seq should be false")
	}
	if !tbl.NeedsNewBlock(99, 1) {
		t.Error("NeedsNewBlock() should be true when capacity is 0 and tokens > 0")
	}
}
