package chain

import (
	"context"
	"sort"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/pubsub"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/consensus/chainselector"
	"github.com/spacetime-network/chronos/pkg/metrics"
	"github.com/spacetime-network/chronos/pkg/metrics/tracing"
	"github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("chain.index")

var reorgCount = metrics.NewInt64Counter("chain/reorg_count", "The number of reorgs that have occurred.")

var (
	// ErrNotFound is returned for blocks the index does not hold.
	ErrNotFound = errors.New("block not found")
	// ErrDuplicateBlock is returned when inserting a block already indexed.
	// Callers treat it as success.
	ErrDuplicateBlock = errors.New("block already indexed")
	// ErrOrphanBlock is returned when the parent of an inserted block is
	// not indexed.
	ErrOrphanBlock = errors.New("parent block not indexed")
	// ErrInvariantViolated is returned when an inserted block's cumulative
	// fields disagree with its parent. The index stops accepting writes.
	ErrInvariantViolated = errors.New("chain invariant violated")
	// ErrIndexHalted is returned by writes after an invariant violation.
	ErrIndexHalted = errors.New("chain index halted")
	// ErrCorrupted is returned by Load when persisted state is inconsistent.
	ErrCorrupted = errors.New("persisted chain is corrupted")
	// ErrGenesisMismatch is returned by Load when the datastore was
	// initialized with another genesis.
	ErrGenesisMismatch = errors.New("datastore genesis does not match")
)

var (
	blocksKey  = datastore.NewKey("/chain/blocks")
	headKey    = datastore.NewKey("/chain/head")
	genesisKey = datastore.NewKey("/consensus/genesis")
)

func blockKey(h types.Hash) datastore.Key {
	return blocksKey.ChildString(h.String())
}

// HeadUpdate describes the effect of one insertion on the canonical head.
type HeadUpdate struct {
	Block   *types.BlockRecord
	OldHead *types.BlockRecord
	NewHead *types.BlockRecord
	// Rollback runs from the old tip down to the fork point, exclusive.
	Rollback []*types.BlockRecord
	// Rollforward runs from the fork point, exclusive, up to the new tip.
	Rollforward []*types.BlockRecord
}

// HeadChanged reports whether the canonical head moved.
func (u *HeadUpdate) HeadChanged() bool {
	return u.OldHead != u.NewHead
}

// IsReorg reports whether blocks left the canonical chain.
func (u *HeadUpdate) IsReorg() bool {
	return len(u.Rollback) > 0
}

// ReorgNotifee is called with every head change, in order.
type ReorgNotifee func(update *HeadUpdate) error

// ErrNotifeeDone is returned from notifee to unregister itself.
var ErrNotifeeDone = errors.New("notifee is done and should be removed")

// Index is the block arena: every validated block keyed by hash, with
// per-height and child links, the set of tips and the canonical chain.
// One writer at a time mutates it; readers take the read lock. Blocks are
// persisted together with the head pointer in one datastore batch so the
// stored head always names a stored block.
type Index struct {
	ds         datastore.Batching
	weight     consensus.WeightFunc
	forkChoice *chainselector.ForkChoice

	mu        sync.RWMutex
	genesis   *types.BlockRecord
	head      *types.BlockRecord
	blocks    map[types.Hash]*types.BlockRecord
	byHeight  map[abi.ChainEpoch][]types.Hash
	children  map[types.Hash][]types.Hash
	tips      map[types.Hash]struct{}
	canonical []types.Hash
	halted    error

	headEvents *pubsub.PubSub
	pubLk      sync.Mutex
	reorgCh    chan *HeadUpdate
	notifeesLk sync.Mutex
	notifees   []ReorgNotifee
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewIndex returns an index holding only genesis. Load must be called
// before use to initialize or restore the datastore.
func NewIndex(ds datastore.Batching, genesis *types.BlockRecord, weight consensus.WeightFunc, forkChoice *chainselector.ForkChoice) *Index {
	ctx, cancel := context.WithCancel(context.Background())
	idx := &Index{
		ds:         ds,
		weight:     weight,
		forkChoice: forkChoice,
		genesis:    genesis,
		headEvents: pubsub.New(64),
		reorgCh:    make(chan *HeadUpdate, 32),
		ctx:        ctx,
		cancel:     cancel,
	}
	idx.reset()
	go idx.reorgWorker(ctx)
	return idx
}

// reset empties the arena down to genesis. Caller holds the write lock.
func (idx *Index) reset() {
	gh := idx.genesis.Hash()
	idx.blocks = map[types.Hash]*types.BlockRecord{gh: idx.genesis}
	idx.byHeight = map[abi.ChainEpoch][]types.Hash{0: {gh}}
	idx.children = make(map[types.Hash][]types.Hash)
	idx.tips = map[types.Hash]struct{}{gh: {}}
	idx.canonical = []types.Hash{gh}
	idx.head = idx.genesis
}

// Close stops head-change delivery.
func (idx *Index) Close() error {
	idx.cancel()
	idx.headEvents.Shutdown()
	return nil
}

// Load initializes an empty datastore with genesis, or rebuilds the arena
// from a previously written one. Every stored block must link back to
// genesis with consistent cumulative fields and the stored head must be
// indexed; otherwise ErrCorrupted is returned.
func (idx *Index) Load(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "Index.Load")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	gh := idx.genesis.Hash()
	raw, err := idx.ds.Get(ctx, genesisKey)
	if err == datastore.ErrNotFound {
		return idx.initialize(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "read genesis pointer")
	}
	stored, err := types.NewHashFromBytes(raw)
	if err != nil {
		return errors.Wrap(ErrCorrupted, err.Error())
	}
	if stored != gh {
		return errors.Wrapf(ErrGenesisMismatch, "have %s, configured %s", stored, gh)
	}

	res, err := idx.ds.Query(ctx, query.Query{Prefix: blocksKey.String()})
	if err != nil {
		return errors.Wrap(err, "query blocks")
	}
	entries, err := res.Rest()
	if err != nil {
		return errors.Wrap(err, "read blocks")
	}

	loaded := make([]*types.BlockRecord, 0, len(entries))
	for _, e := range entries {
		blk, err := types.DecodeBlockRecord(e.Value)
		if err != nil {
			return errors.Wrapf(ErrCorrupted, "decode %s: %s", e.Key, err)
		}
		if blockKey(blk.Hash()) != datastore.NewKey(e.Key) {
			return errors.Wrapf(ErrCorrupted, "block stored under wrong key %s", e.Key)
		}
		loaded = append(loaded, blk)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Height < loaded[j].Height })

	idx.reset()
	for _, blk := range loaded {
		h := blk.Hash()
		if h == gh {
			continue
		}
		parent, ok := idx.blocks[blk.Parent]
		if !ok {
			return errors.Wrapf(ErrCorrupted, "block %s does not link to genesis", h)
		}
		if err := idx.checkInvariant(blk, parent); err != nil {
			return errors.Wrap(ErrCorrupted, err.Error())
		}
		idx.link(h, blk)
	}

	raw, err = idx.ds.Get(ctx, headKey)
	if err != nil {
		return errors.Wrap(err, "read head pointer")
	}
	headHash, err := types.NewHashFromBytes(raw)
	if err != nil {
		return errors.Wrap(ErrCorrupted, err.Error())
	}
	head, ok := idx.blocks[headHash]
	if !ok {
		return errors.Wrapf(ErrCorrupted, "head %s not stored", headHash)
	}
	idx.head = head
	if err := idx.rebuildCanonical(); err != nil {
		return err
	}
	log.Infof("loaded %d blocks, head %s at height %d", len(idx.blocks), headHash.ShortString(), head.Height)
	return nil
}

func (idx *Index) initialize(ctx context.Context) error {
	raw, err := idx.genesis.MarshalCBOR()
	if err != nil {
		return err
	}
	gh := idx.genesis.Hash()
	batch, err := idx.ds.Batch(ctx)
	if err != nil {
		return err
	}
	if err := batch.Put(ctx, blockKey(gh), raw); err != nil {
		return err
	}
	if err := batch.Put(ctx, genesisKey, gh.Bytes()); err != nil {
		return err
	}
	if err := batch.Put(ctx, headKey, gh.Bytes()); err != nil {
		return err
	}
	if err := batch.Commit(ctx); err != nil {
		return errors.Wrap(err, "write genesis")
	}
	idx.reset()
	log.Infof("initialized chain with genesis %s", gh)
	return nil
}

// rebuildCanonical walks from head to genesis. Caller holds the write lock.
func (idx *Index) rebuildCanonical() error {
	canonical := make([]types.Hash, idx.head.Height+1)
	for cur := idx.head; ; {
		canonical[cur.Height] = cur.Hash()
		if cur.IsGenesis() {
			break
		}
		parent, ok := idx.blocks[cur.Parent]
		if !ok {
			return errors.Wrapf(ErrCorrupted, "missing parent of %s", cur.Hash())
		}
		cur = parent
	}
	idx.canonical = canonical
	return nil
}

// link adds blk to the arena. Caller holds the write lock.
func (idx *Index) link(h types.Hash, blk *types.BlockRecord) {
	idx.blocks[h] = blk
	idx.byHeight[blk.Height] = append(idx.byHeight[blk.Height], h)
	idx.children[blk.Parent] = append(idx.children[blk.Parent], h)
	delete(idx.tips, blk.Parent)
	idx.tips[h] = struct{}{}
}

// checkInvariant checks the cumulative fields of blk against parent.
func (idx *Index) checkInvariant(blk, parent *types.BlockRecord) error {
	if blk.Height != parent.Height+1 {
		return errors.Errorf("height %d does not follow parent height %d", blk.Height, parent.Height)
	}
	it := blk.Iterations()
	if it == 0 || blk.TotalIterations != parent.TotalIterations+it {
		return errors.Errorf("total iterations %d, parent %d plus %d", blk.TotalIterations, parent.TotalIterations, it)
	}
	want := consensus.ChildWeight(idx.weight, parent.Weight(), it)
	have := blk.Weight()
	if !have.Equals(want) || have.LessThanEqual(parent.Weight()) {
		return errors.Errorf("total weight %s, expected %s", have, want)
	}
	return nil
}

// Insert adds a validated block and moves the head when fork choice
// prefers it.
func (idx *Index) Insert(ctx context.Context, blk *types.BlockRecord) (*HeadUpdate, error) {
	return idx.insert(ctx, blk, func(cur *types.BlockRecord) (*types.BlockRecord, error) {
		if idx.forkChoice.IsHeavier(blk, cur) {
			return blk, nil
		}
		return cur, nil
	})
}

// InsertAndSetHead adds a validated block and sets head, which must be the
// block itself or already indexed. Block and head pointer are committed in
// one batch.
func (idx *Index) InsertAndSetHead(ctx context.Context, blk *types.BlockRecord, head types.Hash) (*HeadUpdate, error) {
	return idx.insert(ctx, blk, func(cur *types.BlockRecord) (*types.BlockRecord, error) {
		if head == blk.Hash() {
			return blk, nil
		}
		if known, ok := idx.blocks[head]; ok {
			return known, nil
		}
		return nil, errors.Wrapf(ErrNotFound, "head %s", head)
	})
}

func (idx *Index) insert(ctx context.Context, blk *types.BlockRecord, chooseHead func(cur *types.BlockRecord) (*types.BlockRecord, error)) (upd *HeadUpdate, err error) {
	ctx, span := trace.StartSpan(ctx, "Index.Insert")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	// pubLk orders deliveries like commits; mu is released before the
	// update is handed to the notification goroutine.
	idx.pubLk.Lock()
	defer idx.pubLk.Unlock()

	upd, err = idx.commit(ctx, blk, chooseHead)
	if err != nil || !upd.HeadChanged() {
		return upd, err
	}
	select {
	case idx.reorgCh <- upd:
	case <-idx.ctx.Done():
	}
	return upd, nil
}

// commit persists blk and moves the head under the write lock.
func (idx *Index) commit(ctx context.Context, blk *types.BlockRecord, chooseHead func(cur *types.BlockRecord) (*types.BlockRecord, error)) (*HeadUpdate, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.halted != nil {
		return nil, errors.Wrap(ErrIndexHalted, idx.halted.Error())
	}
	h := blk.Hash()
	if _, ok := idx.blocks[h]; ok {
		return nil, ErrDuplicateBlock
	}
	parent, ok := idx.blocks[blk.Parent]
	if !ok {
		return nil, errors.Wrapf(ErrOrphanBlock, "block %s parent %s", h.ShortString(), blk.Parent.ShortString())
	}
	if err := idx.checkInvariant(blk, parent); err != nil {
		idx.halted = errors.Wrapf(err, "block %s", h)
		log.Errorf("halting chain index: %s", idx.halted)
		return nil, errors.Wrap(ErrInvariantViolated, idx.halted.Error())
	}

	oldHead := idx.head
	newHead, err := chooseHead(oldHead)
	if err != nil {
		return nil, err
	}

	raw, err := blk.MarshalCBOR()
	if err != nil {
		return nil, err
	}
	batch, err := idx.ds.Batch(ctx)
	if err != nil {
		return nil, err
	}
	if err := batch.Put(ctx, blockKey(h), raw); err != nil {
		return nil, err
	}
	if newHead != oldHead {
		if err := batch.Put(ctx, headKey, newHead.Hash().Bytes()); err != nil {
			return nil, err
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, errors.Wrapf(err, "persist block %s", h)
	}

	// The arena only changes once the batch is durable.
	idx.link(h, blk)
	upd := &HeadUpdate{Block: blk, OldHead: oldHead, NewHead: newHead}
	if newHead == oldHead {
		return upd, nil
	}

	upd.Rollback, upd.Rollforward, err = ReorgOps(ctx, lockedProvider{idx}, oldHead, newHead)
	if err != nil {
		idx.halted = errors.Wrap(err, "compute head change")
		return nil, errors.Wrap(ErrInvariantViolated, idx.halted.Error())
	}
	idx.head = newHead
	fork := int(newHead.Height) - len(upd.Rollforward)
	canonical := idx.canonical[:fork+1]
	for _, b := range upd.Rollforward {
		canonical = append(canonical, b.Hash())
	}
	idx.canonical = canonical

	if upd.IsReorg() {
		reorgCount.Inc(ctx, 1)
		log.Infof("reorg: dropped %d, added %d, new head %s at height %d", len(upd.Rollback), len(upd.Rollforward), newHead.Hash().ShortString(), newHead.Height)
	} else {
		log.Debugf("new head %s at height %d", newHead.Hash().ShortString(), newHead.Height)
	}
	return upd, nil
}

// lockedProvider reads the arena while the caller holds the lock.
type lockedProvider struct{ idx *Index }

func (p lockedProvider) GetBlock(h types.Hash) (*types.BlockRecord, error) {
	blk, ok := p.idx.blocks[h]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "block %s", h)
	}
	return blk, nil
}

// GetBlock returns the block with hash h.
func (idx *Index) GetBlock(h types.Hash) (*types.BlockRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return lockedProvider{idx}.GetBlock(h)
}

// Get is an alias of GetBlock.
func (idx *Index) Get(h types.Hash) (*types.BlockRecord, error) {
	return idx.GetBlock(h)
}

// Has reports whether h is indexed.
func (idx *Index) Has(h types.Hash) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.blocks[h]
	return ok
}

// Weight returns the total weight of block h.
func (idx *Index) Weight(h types.Hash) (fbig.Int, error) {
	blk, err := idx.GetBlock(h)
	if err != nil {
		return fbig.Zero(), err
	}
	return blk.Weight(), nil
}

// AtHeight returns every indexed block at height h, in insertion order.
func (idx *Index) AtHeight(h abi.ChainEpoch) []*types.BlockRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	hashes := idx.byHeight[h]
	out := make([]*types.BlockRecord, 0, len(hashes))
	for _, bh := range hashes {
		out = append(out, idx.blocks[bh])
	}
	return out
}

// Children returns the indexed children of h.
func (idx *Index) Children(h types.Hash) []*types.BlockRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*types.BlockRecord, 0, len(idx.children[h]))
	for _, ch := range idx.children[h] {
		out = append(out, idx.blocks[ch])
	}
	return out
}

// Tips returns the blocks without children, preferred tip first.
func (idx *Index) Tips() []*types.BlockRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*types.BlockRecord, 0, len(idx.tips))
	for h := range idx.tips {
		out = append(out, idx.blocks[h])
	}
	sort.Slice(out, func(i, j int) bool { return idx.forkChoice.IsHeavier(out[i], out[j]) })
	return out
}

// Head returns the canonical head.
func (idx *Index) Head() *types.BlockRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.head
}

// Genesis returns the genesis block.
func (idx *Index) Genesis() *types.BlockRecord {
	return idx.genesis
}

// Len returns the number of indexed blocks, genesis included.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.blocks)
}

// CanonicalAt returns the canonical block at height h.
func (idx *Index) CanonicalAt(h abi.ChainEpoch) (*types.BlockRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if h < 0 || int(h) >= len(idx.canonical) {
		return nil, errors.Wrapf(ErrNotFound, "no canonical block at height %d", h)
	}
	return idx.blocks[idx.canonical[h]], nil
}

// IsCanonical reports whether h is on the canonical chain.
func (idx *Index) IsCanonical(h types.Hash) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	blk, ok := idx.blocks[h]
	if !ok || int(blk.Height) >= len(idx.canonical) {
		return false
	}
	return idx.canonical[blk.Height] == h
}

// Halted returns the invariant violation that halted the index, if any.
func (idx *Index) Halted() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.halted
}

// Ancestors returns an iterator from h towards genesis yielding at most
// count blocks, h included. count <= 0 walks all the way to genesis.
func (idx *Index) Ancestors(ctx context.Context, h types.Hash, count int) (*BlockIterator, error) {
	start, err := idx.GetBlock(h)
	if err != nil {
		return nil, err
	}
	return IterAncestors(ctx, idx, start).withLimit(count), nil
}
