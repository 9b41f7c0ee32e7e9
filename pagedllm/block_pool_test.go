package pagedllm

import (
	"testing"
)

func newTestSeq(prompt []int, blockSize int) *Sequence {
	return newSequence(prompt, NewSamplingParams(), blockSize, 0)
}

func TestBlockPoolCreation(t *testing.T) {
	pool := NewBlockPool(100, 16, 0)

	if pool.TotalBlocks() != 100 {
		t.Errorf("Expected 100 blocks, got %d", pool.TotalBlocks())
	}
	if pool.FreeCount() != 100 {
		t.Errorf("Expected 100 free blocks, got %d", pool.FreeCount())
	}
	if pool.BlockSize() != 16 {
		t.Errorf("Expected block size 16, got %d", pool.BlockSize())
	}
	if pool.FreeSwapCount() != 0 {
		t.Errorf("Expected no swap blocks, got %d", pool.FreeSwapCount())
	}
}

func TestBlockPoolAllocateFailFast(t *testing.T) {
	pool := NewBlockPool(4, 16, 0)

	ids, err := pool.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate(3) failed: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("Expected 3 ids, got %d", len(ids))
	}

	// Asking for more than remains must fail without consuming anything.
	if _, err := pool.Allocate(2); err != ErrOutOfBlocks {
		t.Errorf("Expected ErrOutOfBlocks, got %v", err)
	}
	if pool.FreeCount() != 1 {
		t.Errorf("Failed allocation must not consume blocks, free = %d", pool.FreeCount())
	}

	for _, id := range ids {
		pool.Free(id)
	}
	if pool.FreeCount() != 4 {
		t.Errorf("Expected all blocks free after release, got %d", pool.FreeCount())
	}
}

func TestBlockPoolAllocateSequence(t *testing.T) {
	pool := NewBlockPool(100, 16, 0)
	seq := newTestSeq(seqPrompt(40, 1), 16)

	if !pool.CanAllocateSequence(seq) {
		t.Fatalf("Should be able to allocate sequence")
	}
	if err := pool.AllocateSequence(seq); err != nil {
		t.Fatalf("AllocateSequence failed: %v", err)
	}

	// 40 tokens in 16-token blocks is 3 blocks.
	if len(seq.BlockTable) != 3 {
		t.Errorf("Expected 3 blocks allocated, got %d", len(seq.BlockTable))
	}
	if pool.FreeCount() != 97 {
		t.Errorf("Expected 97 free blocks, got %d", pool.FreeCount())
	}

	pool.ReleaseSequence(seq)
	if len(seq.BlockTable) != 0 {
		t.Errorf("Expected empty block table after release")
	}
	if pool.FreeCount() != 100 {
		t.Errorf("Expected 100 free blocks after release, got %d", pool.FreeCount())
	}
	if seq.NumCachedTokens != 0 {
		t.Errorf("Expected 0 cached tokens after release, got %d", seq.NumCachedTokens)
	}
}

func TestBlockPoolPrefixCaching(t *testing.T) {
	pool := NewBlockPool(100, 16, 0)
	prompt := seqPrompt(32, 1)

	seq1 := newTestSeq(prompt, 16)
	if err := pool.AllocateSequence(seq1); err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	freeAfterFirst := pool.FreeCount()

	// Identical prompt: both full blocks should be shared, not copied.
	seq2 := newTestSeq(prompt, 16)
	if err := pool.AllocateSequence(seq2); err != nil {
		t.Fatalf("second allocation failed: %v", err)
	}

	if seq2.NumCachedTokens != 32 {
		t.Errorf("Expected 32 cached tokens, got %d", seq2.NumCachedTokens)
	}
	if pool.FreeCount() != freeAfterFirst {
		t.Errorf("Cached allocation must not consume blocks: %d -> %d",
			freeAfterFirst, pool.FreeCount())
	}
	if !intsEqual(seq1.BlockTable, seq2.BlockTable) {
		t.Errorf("Expected shared block tables, got %v and %v", seq1.BlockTable, seq2.BlockTable)
	}

	// Release one holder; blocks stay resident for the other.
	pool.ReleaseSequence(seq1)
	if pool.FreeCount() != freeAfterFirst+2 {
		t.Errorf("Expected %d free blocks, got %d", freeAfterFirst+2, pool.FreeCount())
	}
	pool.ReleaseSequence(seq2)
	if pool.FreeCount() != 100 {
		t.Errorf("Expected all blocks free, got %d", pool.FreeCount())
	}
}

func TestBlockPoolPrefixCacheHitAfterRelease(t *testing.T) {
	pool := NewBlockPool(100, 16, 0)
	prompt := seqPrompt(32, 1)

	seq1 := newTestSeq(prompt, 16)
	if err := pool.AllocateSequence(seq1); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	table := append([]int(nil), seq1.BlockTable...)
	pool.ReleaseSequence(seq1)

	// Free blocks keep their hashes, so a later identical prompt
	// reclaims the exact same physical blocks.
	seq2 := newTestSeq(prompt, 16)
	if err := pool.AllocateSequence(seq2); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if seq2.NumCachedTokens != 32 {
		t.Errorf("Expected 32 cached tokens from freed blocks, got %d", seq2.NumCachedTokens)
	}
	if !intsEqual(seq2.BlockTable, table) {
		t.Errorf("Expected reclaimed table %v, got %v", table, seq2.BlockTable)
	}
}

func TestBlockPoolDivergentPromptsDoNotShare(t *testing.T) {
	pool := NewBlockPool(100, 16, 0)

	seq1 := newTestSeq(seqPrompt(32, 1), 16)
	if err := pool.AllocateSequence(seq1); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}

	// Same first block, different second block: only the first may hit.
	prompt := seqPrompt(32, 1)
	prompt[20] = 99999
	seq2 := newTestSeq(prompt, 16)
	if err := pool.AllocateSequence(seq2); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}

	if seq2.NumCachedTokens != 16 {
		t.Errorf("Expected 16 cached tokens, got %d", seq2.NumCachedTokens)
	}
	if seq1.BlockTable[0] != seq2.BlockTable[0] {
		t.Errorf("Expected shared first block")
	}
	if seq1.BlockTable[1] == seq2.BlockTable[1] {
		t.Errorf("Divergent second block must not be shared")
	}
}

func TestComputeHash(t *testing.T) {
	tokenIDs := []int{1, 2, 3, 4, 5}
	hash1 := computeHash(tokenIDs, 0)
	hash2 := computeHash(tokenIDs, 0)
	if hash1 != hash2 {
		t.Errorf("Hash should be deterministic")
	}

	hash3 := computeHash([]int{1, 2, 3, 4, 6}, 0)
	if hash1 == hash3 {
		t.Errorf("Different token IDs should produce different hashes")
	}

	// Chaining: same block content under a different prefix is a
	// different cache entry.
	hash4 := computeHash(tokenIDs, hash3)
	if hash4 == hash1 {
		t.Errorf("Prefix hash must influence the block hash")
	}
}

func TestBlockPoolLRUEvictionOrder(t *testing.T) {
	pool := NewBlockPool(3, 4, 0)
	seq := newTestSeq(seqPrompt(12, 1), 4)

	if err := pool.AllocateSequence(seq); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	table := append([]int(nil), seq.BlockTable...)
	pool.ReleaseSequence(seq)

	// Release pushes the deepest block first, so a fresh allocation
	// evicts the deepest (least reusable) block first.
	ids, err := pool.Allocate(1)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if ids[0] != table[2] {
		t.Errorf("Expected deepest block %d evicted first, got %d", table[2], ids[0])
	}
}

func TestBlockPoolCopyOnWriteFork(t *testing.T) {
	pool := NewBlockPool(10, 4, 0)
	parent := newTestSeq(seqPrompt(6, 1), 4)

	if err := pool.AllocateSequence(parent); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	parent.NumComputedTokens = parent.NumTokens - 1
	freeBefore := pool.FreeCount()

	child := parent.Fork(pool, 99)
	if pool.FreeCount() != freeBefore {
		t.Errorf("Fork must not consume blocks: %d -> %d", freeBefore, pool.FreeCount())
	}
	if !intsEqual(parent.BlockTable, child.BlockTable) {
		t.Errorf("Fork must share the block table")
	}
	for _, id := range child.BlockTable {
		if rc := pool.device.blocks[id].RefCount; rc != 2 {
			t.Errorf("Expected refcount 2 on block %d, got %d", id, rc)
		}
	}

	// First write into the shared last block splits it.
	op, err := pool.EnsureSlot(child)
	if err != nil {
		t.Fatalf("EnsureSlot failed: %v", err)
	}
	if op == nil {
		t.Fatalf("Expected a copy op for the shared last block")
	}
	if op.Src != parent.BlockTable[1] {
		t.Errorf("Copy source should be the shared block %d, got %d", parent.BlockTable[1], op.Src)
	}
	if child.BlockTable[1] == parent.BlockTable[1] {
		t.Errorf("Child last block must be private after the split")
	}
	if pool.FreeCount() != freeBefore-1 {
		t.Errorf("Split must consume exactly one block")
	}

	// Parent's last block is exclusively held again; no second copy.
	op, err = pool.EnsureSlot(parent)
	if err != nil {
		t.Fatalf("EnsureSlot failed: %v", err)
	}
	if op != nil {
		t.Errorf("Exclusive block must not be copied")
	}

	pool.ReleaseSequence(parent)
	pool.ReleaseSequence(child)
	if pool.FreeCount() != 10 {
		t.Errorf("Expected all blocks free, got %d", pool.FreeCount())
	}
}

func TestBlockPoolAppendGrowsTableByBound(t *testing.T) {
	pool := NewBlockPool(16, 4, 0)
	seq := newTestSeq(seqPrompt(5, 1), 4)

	if err := pool.AllocateSequence(seq); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	seq.NumComputedTokens = seq.NumTokens - 1

	// Drive a long decode and check the table never exceeds
	// ceil(numTokens / blockSize).
	for i := 0; i < 20; i++ {
		if !pool.CanAppendToken(seq) {
			t.Fatalf("pool unexpectedly full at step %d", i)
		}
		if _, err := pool.EnsureSlot(seq); err != nil {
			t.Fatalf("EnsureSlot failed at step %d: %v", i, err)
		}
		seq.NumComputedTokens = seq.NumTokens
		seq.AppendToken(10000 + i)
		pool.OnTokenAppended(seq)

		want := (seq.NumTokens + 3) / 4
		if len(seq.BlockTable) > want {
			t.Errorf("step %d: table size %d exceeds bound %d", i, len(seq.BlockTable), want)
		}
	}
	if seq.NumTokens != 25 {
		t.Errorf("Expected 25 tokens, got %d", seq.NumTokens)
	}
	if len(seq.BlockTable) != 7 {
		t.Errorf("Expected 7 blocks for 25 tokens, got %d", len(seq.BlockTable))
	}
}

func TestBlockPoolSealedDecodeBlocksEnterPrefixCache(t *testing.T) {
	pool := NewBlockPool(16, 4, 0)
	seq := newTestSeq(seqPrompt(4, 1), 4)

	if err := pool.AllocateSequence(seq); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	seq.NumComputedTokens = seq.NumTokens - 1

	for i := 0; i < 4; i++ {
		if _, err := pool.EnsureSlot(seq); err != nil {
			t.Fatalf("EnsureSlot failed: %v", err)
		}
		seq.NumComputedTokens = seq.NumTokens
		seq.AppendToken(500 + i)
		pool.OnTokenAppended(seq)
	}
	pool.ReleaseSequence(seq)

	// A new prompt spelling out the same 8 tokens hits both blocks,
	// including the one sealed during decode.
	prompt := append(seqPrompt(4, 1), 500, 501, 502, 503)
	seq2 := newTestSeq(prompt, 4)
	if err := pool.AllocateSequence(seq2); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if seq2.NumCachedTokens != 8 {
		t.Errorf("Expected 8 cached tokens, got %d", seq2.NumCachedTokens)
	}
}

func TestBlockPoolSwapRoundTrip(t *testing.T) {
	pool := NewBlockPool(8, 4, 8)
	seq := newTestSeq(seqPrompt(8, 1), 4)

	if err := pool.AllocateSequence(seq); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if !pool.CanSwapOut(seq) {
		t.Fatalf("Expected swap-out capacity")
	}

	outOps, err := pool.SwapOut(seq)
	if err != nil {
		t.Fatalf("SwapOut failed: %v", err)
	}
	if len(outOps) != 2 {
		t.Errorf("Expected 2 swap-out ops, got %d", len(outOps))
	}
	if len(seq.BlockTable) != 0 || len(seq.SwapTable) != 2 {
		t.Errorf("Expected tables moved to swap, got device=%v swap=%v",
			seq.BlockTable, seq.SwapTable)
	}
	if pool.FreeCount() != 8 {
		t.Errorf("Expected device blocks freed after swap-out, got %d free", pool.FreeCount())
	}
	if pool.FreeSwapCount() != 6 {
		t.Errorf("Expected 6 free swap blocks, got %d", pool.FreeSwapCount())
	}

	inOps, err := pool.SwapIn(seq)
	if err != nil {
		t.Fatalf("SwapIn failed: %v", err)
	}
	if len(inOps) != 2 {
		t.Errorf("Expected 2 swap-in ops, got %d", len(inOps))
	}
	if len(seq.BlockTable) != 2 || len(seq.SwapTable) != 0 {
		t.Errorf("Expected tables restored, got device=%v swap=%v",
			seq.BlockTable, seq.SwapTable)
	}
	if pool.FreeSwapCount() != 8 {
		t.Errorf("Expected all swap blocks free, got %d", pool.FreeSwapCount())
	}

	pool.ReleaseSequence(seq)
	if pool.FreeCount() != 8 {
		t.Errorf("Expected all device blocks free, got %d", pool.FreeCount())
	}
}

func TestBlockPoolSwapRoundTripPreservesHashes(t *testing.T) {
	pool := NewBlockPool(16, 4, 8)
	seq := newTestSeq(seqPrompt(8, 1), 4)

	if err := pool.AllocateSequence(seq); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if _, err := pool.SwapOut(seq); err != nil {
		t.Fatalf("SwapOut failed: %v", err)
	}
	if _, err := pool.SwapIn(seq); err != nil {
		t.Fatalf("SwapIn failed: %v", err)
	}

	for i, id := range seq.BlockTable {
		if pool.device.blocks[id].Hash == 0 {
			t.Errorf("block %d lost its hash across the swap round trip", i)
		}
	}

	// Decode four tokens so positions 8..11 fill and seal a third block
	// chained onto the restored hashes.
	seq.NumComputedTokens = seq.NumTokens - 1
	for i := 0; i < 4; i++ {
		if _, err := pool.EnsureSlot(seq); err != nil {
			t.Fatalf("EnsureSlot failed: %v", err)
		}
		seq.NumComputedTokens = seq.NumTokens
		seq.AppendToken(900 + i)
		pool.OnTokenAppended(seq)
	}

	// A prompt spelling out only the decoded block must not hit it: the
	// sealed block's identity includes the eight-token prefix.
	fresh := newTestSeq([]int{900, 901, 902, 903}, 4)
	if err := pool.AllocateSequence(fresh); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if fresh.NumCachedTokens != 0 {
		t.Errorf("Mid-sequence block leaked into the prefix cache: %d cached tokens",
			fresh.NumCachedTokens)
	}
	if fresh.BlockTable[0] == seq.BlockTable[2] {
		t.Errorf("Fresh prompt must not share a mid-sequence block")
	}

	// The full twelve-token history still hits all three blocks.
	dup := newTestSeq(append(seqPrompt(8, 1), 900, 901, 902, 903), 4)
	if err := pool.AllocateSequence(dup); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	if dup.NumCachedTokens != 12 {
		t.Errorf("Expected 12 cached tokens for the full history, got %d", dup.NumCachedTokens)
	}
}

func TestBlockPoolAllocateForkTail(t *testing.T) {
	pool := NewBlockPool(16, 2, 0)
	parent := newTestSeq(seqPrompt(4, 1), 2)
	if err := pool.AllocateSequence(parent); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	parent.NumComputedTokens = 4
	parent.AppendToken(700) // outstanding token starts a new block

	child := parent.Fork(pool, 2)
	if pool.sequenceDemand(child) != 1 {
		t.Fatalf("Expected demand of 1 tail block, got %d", pool.sequenceDemand(child))
	}

	freeBefore := pool.FreeCount()
	if err := pool.AllocateSequence(child); err != nil {
		t.Fatalf("tail allocation failed: %v", err)
	}
	if len(child.BlockTable) != 3 {
		t.Errorf("Expected 3 blocks after tail allocation, got %d", len(child.BlockTable))
	}
	if pool.FreeCount() != freeBefore-1 {
		t.Errorf("Tail allocation must take exactly one block")
	}
	if child.BlockTable[2] == parent.BlockTable[1] {
		t.Errorf("Tail block must be private to the fork")
	}
	if !intsEqual(child.BlockTable[:2], parent.BlockTable) {
		t.Errorf("Shared prefix must stay shared: %v vs %v",
			child.BlockTable[:2], parent.BlockTable)
	}

	// A fork whose table already covers every token allocates nothing.
	full := child.Fork(pool, 3)
	freeBefore = pool.FreeCount()
	if err := pool.AllocateSequence(full); err != nil {
		t.Fatalf("no-op allocation failed: %v", err)
	}
	if pool.FreeCount() != freeBefore {
		t.Errorf("Fully covered fork must not consume blocks")
	}
}
