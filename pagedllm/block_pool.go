package pagedllm

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Block is one fixed-size unit of KV cache bookkeeping. The actual
// key/value tensors live in the execution backend; the pool tracks
// identity, sharing, and reuse. Blocks are owned exclusively by the
// pool and referenced by id, never by pointer, from block tables.
type Block struct {
	ID       int
	RefCount int
	Hash     uint64
	TokenIDs []int

	// LRU free list links. A block is on the free list iff RefCount == 0.
	prevFree *Block
	nextFree *Block
}

// update records the content hash and token ids of a full block.
func (b *Block) update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = make([]int, len(tokenIDs))
	copy(b.TokenIDs, tokenIDs)
}

// blockAllocator owns one arena of blocks with an LRU-ordered free
// list. The device pool and the optional swap pool are two instances.
type blockAllocator struct {
	blocks    []*Block
	hashToID  map[uint64]int
	freeHead  *Block
	freeTail  *Block
	freeCount int
}

func newBlockAllocator(numBlocks int) *blockAllocator {
	a := &blockAllocator{
		blocks:   make([]*Block, numBlocks),
		hashToID: make(map[uint64]int),
	}
	for i := 0; i < numBlocks; i++ {
		blk := &Block{ID: i}
		a.blocks[i] = blk
		a.pushFree(blk)
	}
	return a
}

// pushFree appends a block at the tail of the LRU free list.
func (a *blockAllocator) pushFree(b *Block) {
	b.nextFree = nil
	if a.freeTail != nil {
		a.freeTail.nextFree = b
		b.prevFree = a.freeTail
		a.freeTail = b
	} else {
		a.freeHead = b
		a.freeTail = b
		b.prevFree = nil
	}
	a.freeCount++
}

// unlinkFree detaches a block from the free list.
func (a *blockAllocator) unlinkFree(b *Block) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		a.freeHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	} else {
		a.freeTail = b.prevFree
	}
	b.prevFree = nil
	b.nextFree = nil
	a.freeCount--
}

// popFree takes the least-recently-freed block and prepares it for
// reuse, evicting any stale prefix-cache entry it still carries.
func (a *blockAllocator) popFree() *Block {
	head := a.freeHead
	if head == nil {
		return nil
	}
	a.unlinkFree(head)
	if head.Hash != 0 {
		if id, ok := a.hashToID[head.Hash]; ok && id == head.ID {
			delete(a.hashToID, head.Hash)
		}
		head.Hash = 0
	}
	head.TokenIDs = nil
	head.RefCount = 1
	return head
}

// reclaim pulls a specific free block (a prefix-cache hit) back into use.
func (a *blockAllocator) reclaim(b *Block) {
	if b.RefCount != 0 {
		panic("reclaim of a block that is in use")
	}
	a.unlinkFree(b)
	b.RefCount = 1
}

// release decrements a block's reference count, returning it to the
// free list when the count reaches zero.
func (a *blockAllocator) release(b *Block) {
	if b.RefCount <= 0 {
		panic("release of a free block")
	}
	b.RefCount--
	if b.RefCount == 0 {
		a.pushFree(b)
	}
}

// BlockPool owns a fixed number of KV cache blocks and serializes all
// allocation, reference counting, and prefix-cache bookkeeping. It is
// mutated only from the scheduling loop, so it needs no internal
// locking. An optional secondary allocator backs swap preemption.
type BlockPool struct {
	blockSize int
	device    *blockAllocator
	swap      *blockAllocator
}

// NewBlockPool creates a pool with numBlocks device blocks of blockSize
// tokens each and numSwapBlocks blocks in the swap space (0 disables
// swapping).
func NewBlockPool(numBlocks, blockSize, numSwapBlocks int) *BlockPool {
	p := &BlockPool{
		blockSize: blockSize,
		device:    newBlockAllocator(numBlocks),
	}
	if numSwapBlocks > 0 {
		p.swap = newBlockAllocator(numSwapBlocks)
	}
	return p
}

// BlockSize returns the number of token slots per block.
func (p *BlockPool) BlockSize() int {
	return p.blockSize
}

// TotalBlocks returns the size of the device pool.
func (p *BlockPool) TotalBlocks() int {
	return len(p.device.blocks)
}

// FreeCount returns the number of free device blocks.
func (p *BlockPool) FreeCount() int {
	return p.device.freeCount
}

// FreeSwapCount returns the number of free swap blocks.
func (p *BlockPool) FreeSwapCount() int {
	if p.swap == nil {
		return 0
	}
	return p.swap.freeCount
}

// CanAllocate reports whether n device blocks are currently free.
func (p *BlockPool) CanAllocate(n int) bool {
	return p.device.freeCount >= n
}

// Allocate takes n device blocks from the free list. It fails fast with
// ErrOutOfBlocks and allocates nothing when fewer than n are free.
func (p *BlockPool) Allocate(n int) ([]int, error) {
	if !p.CanAllocate(n) {
		return nil, ErrOutOfBlocks
	}
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		blk := p.device.popFree()
		ids = append(ids, blk.ID)
	}
	return ids, nil
}

// Free releases one reference to a device block.
func (p *BlockPool) Free(id int) {
	p.device.release(p.device.blocks[id])
}

// Fork adds a reference to a device block without copying anything.
// Copy-on-write materialization happens lazily in CopyOnWrite.
func (p *BlockPool) Fork(id int) int {
	blk := p.device.blocks[id]
	if blk.RefCount <= 0 {
		panic("fork of a free block")
	}
	blk.RefCount++
	return id
}

// ForkTable adds a reference to every block of a table and returns a
// private copy of the table. O(len(table)); no cache bytes move.
func (p *BlockPool) ForkTable(table []int) []int {
	forked := make([]int, len(table))
	for i, id := range table {
		forked[i] = p.Fork(id)
	}
	return forked
}

// CopyOnWrite materializes a private copy of a shared block before a
// mutating write. For an exclusively held block it is a no-op. The
// returned CopyOp must be handed to the backend so the cache contents
// follow the bookkeeping.
func (p *BlockPool) CopyOnWrite(id int) (int, *CopyOp, error) {
	blk := p.device.blocks[id]
	if blk.RefCount <= 1 {
		return id, nil, nil
	}
	if !p.CanAllocate(1) {
		return 0, nil, ErrOutOfBlocks
	}
	fresh := p.device.popFree()
	fresh.TokenIDs = append([]int(nil), blk.TokenIDs...)
	blk.RefCount--
	return fresh.ID, &CopyOp{Src: id, Dst: fresh.ID}, nil
}

// computeHash chains a block's token ids onto the previous block's hash,
// so equal hashes identify equal prefixes, not just equal blocks.
func computeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, tokenID := range tokenIDs {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(tokenID))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// sequenceDemand returns how many fresh device blocks seq needs to
// cover all of its tokens. Zero for a fork that already shares a full
// table with its parent.
func (p *BlockPool) sequenceDemand(seq *Sequence) int {
	d := seq.NumBlocks() - len(seq.BlockTable)
	if d < 0 {
		return 0
	}
	return d
}

// CanAllocateSequence reports whether the pool can hold seq's tokens
// right now. Prefix-cache hits are not discounted: the check is
// conservative so admission never over-commits.
func (p *BlockPool) CanAllocateSequence(seq *Sequence) bool {
	return p.CanAllocate(p.sequenceDemand(seq))
}

// AllocateSequence reserves blocks covering seq's current tokens,
// reusing prefix-cached full blocks where their contents match, and
// accumulates the reused lengths into seq.NumCachedTokens. A sequence
// that already holds blocks (a fork sharing its parent's table) only
// gets the uncovered tail allocated.
func (p *BlockPool) AllocateSequence(seq *Sequence) error {
	if !p.CanAllocateSequence(seq) {
		return ErrOutOfBlocks
	}

	start := len(seq.BlockTable)
	var h uint64
	chained := true
	if start > 0 {
		h = p.device.blocks[seq.BlockTable[start-1]].Hash
		chained = h != 0
	}
	cacheMiss := !chained

	for i := start; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.BlockTokens(i)

		// Only full blocks with an unbroken hash chain back to the
		// first block participate in the prefix cache.
		if chained && len(tokenIDs) == p.blockSize {
			h = computeHash(tokenIDs, h)
		} else {
			h = 0
			chained = false
		}

		var hit *Block
		if h != 0 && !cacheMiss {
			if id, ok := p.device.hashToID[h]; ok {
				cand := p.device.blocks[id]
				if tokensEqual(cand.TokenIDs, tokenIDs) {
					hit = cand
				}
			}
		}

		if hit == nil {
			// Once one block misses, every later block must miss too:
			// its physical contents depend on the whole prefix.
			cacheMiss = true
			blk := p.device.popFree()
			if h != 0 {
				blk.update(h, tokenIDs)
				p.device.hashToID[h] = blk.ID
			}
			seq.BlockTable = append(seq.BlockTable, blk.ID)
			continue
		}

		seq.NumCachedTokens += p.blockSize
		if hit.RefCount > 0 {
			hit.RefCount++
		} else {
			p.device.reclaim(hit)
		}
		seq.BlockTable = append(seq.BlockTable, hit.ID)
	}
	return nil
}

// ReleaseSequence returns every block of seq's table to the pool, last
// block first: the deepest block hashes the most tokens and is the
// least likely to be reused, so it should be evicted first.
func (p *BlockPool) ReleaseSequence(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		p.Free(seq.BlockTable[i])
	}
	seq.BlockTable = seq.BlockTable[:0]
	seq.NumCachedTokens = 0
}

// appendDemand returns how many fresh device blocks a decode step for
// seq would consume: one if the outstanding token starts a new block,
// or one if the block receiving its KV entry is shared and needs a
// copy-on-write split.
func (p *BlockPool) appendDemand(seq *Sequence) int {
	if len(seq.BlockTable) < seq.NumBlocks() {
		return 1
	}
	last := p.device.blocks[seq.BlockTable[len(seq.BlockTable)-1]]
	if last.RefCount > 1 {
		return 1
	}
	return 0
}

// CanAppendToken reports whether the pool can absorb seq's next decode
// step without preemption.
func (p *BlockPool) CanAppendToken(seq *Sequence) bool {
	return p.CanAllocate(p.appendDemand(seq))
}

// EnsureSlot guarantees seq's block table has a writable slot for the
// outstanding token's KV entry: allocating a fresh block at a block
// boundary, or materializing a private copy of a shared last block.
// The returned CopyOp, if any, must reach the backend before the step
// runs.
func (p *BlockPool) EnsureSlot(seq *Sequence) (*CopyOp, error) {
	if len(seq.BlockTable) < seq.NumBlocks() {
		ids, err := p.Allocate(1)
		if err != nil {
			return nil, err
		}
		seq.BlockTable = append(seq.BlockTable, ids[0])
		return nil, nil
	}

	lastIdx := len(seq.BlockTable) - 1
	newID, op, err := p.CopyOnWrite(seq.BlockTable[lastIdx])
	if err != nil {
		return nil, err
	}
	seq.BlockTable[lastIdx] = newID
	return op, nil
}

// OnTokenAppended seals seq's deepest block when the append just filled
// it: the block's chained hash is computed and published to the prefix
// cache. Skipped when the filled position's block has not been
// allocated yet (its slot is created at the next decode step).
func (p *BlockPool) OnTokenAppended(seq *Sequence) {
	if seq.NumTokens%p.blockSize != 0 {
		return
	}
	if len(seq.BlockTable)*p.blockSize < seq.NumTokens {
		return
	}
	table := seq.BlockTable
	last := p.device.blocks[table[len(table)-1]]
	var prefixHash uint64
	if len(table) > 1 {
		prefixHash = p.device.blocks[table[len(table)-2]].Hash
		// An unsealed predecessor breaks the chain; a hash computed
		// without the true prefix must never be published.
		if prefixHash == 0 {
			return
		}
	}
	tokenIDs := seq.BlockTokens(seq.NumBlocks() - 1)
	h := computeHash(tokenIDs, prefixHash)
	last.update(h, tokenIDs)
	p.device.hashToID[h] = last.ID
}

// CanSwapOut reports whether the swap pool can absorb seq's table.
func (p *BlockPool) CanSwapOut(seq *Sequence) bool {
	return p.swap != nil && p.swap.freeCount >= len(seq.BlockTable)
}

// SwapOut moves seq's blocks to the swap pool: each device block's
// contents are copied to a fresh swap block (the returned ops drive the
// backend's actual tensor moves) and the device references are
// released. Shared device blocks survive for their other holders.
func (p *BlockPool) SwapOut(seq *Sequence) ([]SwapOp, error) {
	if !p.CanSwapOut(seq) {
		return nil, ErrOutOfBlocks
	}
	ops := make([]SwapOp, 0, len(seq.BlockTable))
	swapTable := make([]int, 0, len(seq.BlockTable))
	for _, id := range seq.BlockTable {
		dev := p.device.blocks[id]
		sw := p.swap.popFree()
		// Hash travels with the contents so the prefix chain survives
		// the round trip.
		sw.Hash = dev.Hash
		sw.TokenIDs = append([]int(nil), dev.TokenIDs...)
		ops = append(ops, SwapOp{Device: id, Swap: sw.ID})
		swapTable = append(swapTable, sw.ID)
		p.device.release(dev)
	}
	seq.BlockTable = seq.BlockTable[:0]
	seq.SwapTable = swapTable
	seq.NumCachedTokens = 0
	return ops, nil
}

// CanSwapIn reports whether the device pool can take seq's swapped
// blocks back.
func (p *BlockPool) CanSwapIn(seq *Sequence) bool {
	return p.CanAllocate(len(seq.SwapTable))
}

// SwapIn restores a swapped-out sequence onto the device pool and frees
// its swap blocks.
func (p *BlockPool) SwapIn(seq *Sequence) ([]SwapOp, error) {
	if !p.CanSwapIn(seq) {
		return nil, ErrOutOfBlocks
	}
	ops := make([]SwapOp, 0, len(seq.SwapTable))
	table := make([]int, 0, len(seq.SwapTable))
	for _, swID := range seq.SwapTable {
		sw := p.swap.blocks[swID]
		dev := p.device.popFree()
		dev.Hash = sw.Hash
		dev.TokenIDs = append([]int(nil), sw.TokenIDs...)
		if dev.Hash != 0 {
			p.device.hashToID[dev.Hash] = dev.ID
		}
		ops = append(ops, SwapOp{Device: dev.ID, Swap: swID})
		table = append(table, dev.ID)
		p.swap.release(sw)
	}
	seq.SwapTable = nil
	seq.BlockTable = table
	return ops, nil
}

// ReleaseSwapped frees the swap blocks of a sequence that terminated
// while swapped out.
func (p *BlockPool) ReleaseSwapped(seq *Sequence) {
	for i := len(seq.SwapTable) - 1; i >= 0; i-- {
		p.swap.release(p.swap.blocks[seq.SwapTable[i]])
	}
	seq.SwapTable = nil
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
