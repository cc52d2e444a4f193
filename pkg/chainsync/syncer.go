// Package chainsync brings the local chain up to the heaviest chain peers
// claim. Claims are queued by a dispatcher; each session proves the claimed
// weight from a sampled summary of the peer's chain before any block is
// downloaded, then fetches from the common ancestor and applies in batches.
package chainsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	lru "github.com/hashicorp/golang-lru"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/spacetime-network/chronos/pkg/chain"
	"github.com/spacetime-network/chronos/pkg/chainsync/dispatcher"
	"github.com/spacetime-network/chronos/pkg/chainsync/exchange"
	syncTypes "github.com/spacetime-network/chronos/pkg/chainsync/types"
	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/engine"
	"github.com/spacetime-network/chronos/pkg/metrics"
	"github.com/spacetime-network/chronos/pkg/metrics/tracing"
	"github.com/spacetime-network/chronos/pkg/proofs"
	"github.com/spacetime-network/chronos/pkg/types"
)

var (
	// ErrPeerDropped is returned for claims of peers penalized too often.
	ErrPeerDropped = errors.New("peer has been dropped")
	// ErrInvalidChain is returned when a peer served a chain failing validation.
	ErrInvalidChain = errors.New("peer served an invalid chain")
	// ErrChainHasBadBlock is returned when a claim or response contains a cached bad block.
	ErrChainHasBadBlock = errors.New("chain contains a cached bad block")
	// ErrNotHeavier is returned when a proven chain is not heavier than the local one.
	ErrNotHeavier = errors.New("do not sync to a chain with less weight")

	log       = logging.Logger("chainsync")
	syncTimer = metrics.NewTimerMs("chainsync/sync_ms", "Duration of a sync session in milliseconds")
)

const verifiedCacheSize = 4096

// InvalidChainError reports a peer that served a chain failing validation.
// It matches ErrInvalidChain and unwraps to the validation failure.
type InvalidChainError struct {
	Peer peer.ID
	Err  error
}

func (e *InvalidChainError) Error() string {
	return fmt.Sprintf("sync with %s: %s", e.Peer, e.Err)
}

// Unwrap returns the validation failure.
func (e *InvalidChainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidChain.
func (e *InvalidChainError) Is(target error) bool {
	return target == ErrInvalidChain
}

// ChainEngine is the part of the consensus engine sessions read from and
// apply to.
type ChainEngine interface {
	Head() *types.BlockRecord
	BlockByHash(h types.Hash) (*types.BlockRecord, error)
	BlockAtHeight(h abi.ChainEpoch) (*types.BlockRecord, error)
	ApplyBatch(ctx context.Context, blocks []*types.BlockRecord) ([]*engine.Result, error)
}

// ProofVerifier checks the space and time proofs of a single header.
type ProofVerifier interface {
	VerifyProofs(ctx context.Context, blk, parent *types.BlockRecord) error
}

// Coordinator runs sync sessions against peers claiming heavier chains.
//
// A session moves through RequestingWeightProof, Validating, FetchingBlocks
// and Applying, and ends Idle or, when the peer served anything invalid,
// Penalized. No lock is held across requests or verification; blocks reach
// the index only through the engine, batch by batch, so a cancelled session
// leaves a valid chain behind.
type Coordinator struct {
	engine        ChainEngine
	verifier      ProofVerifier
	client        exchange.Client
	cfg           *config.SyncConfig
	minIterations uint64

	badBlocks  *syncTypes.BadBlockCache
	peers      *PeerTracker
	verified   *lru.ARCCache
	dispatcher *dispatcher.Dispatcher

	lk       sync.Mutex
	sessions map[peer.ID]*syncTypes.Target
}

// NewCoordinator creates a coordinator applying to eng and fetching over
// client. Call Start to process claims queued by HandleWeightClaim.
func NewCoordinator(eng ChainEngine, verifier ProofVerifier, client exchange.Client, consensusCfg *config.ConsensusConfig, cfg *config.SyncConfig) *Coordinator {
	verified, err := lru.NewARC(verifiedCacheSize)
	if err != nil {
		panic(err)
	}
	c := &Coordinator{
		engine:        eng,
		verifier:      verifier,
		client:        client,
		cfg:           cfg,
		minIterations: consensusCfg.MinBlockIterations,
		badBlocks:     syncTypes.NewBadBlockCache(cfg.BadBlockCacheSize),
		peers:         NewPeerTracker(cfg.PenaltyThreshold),
		verified:      verified,
		sessions:      make(map[peer.ID]*syncTypes.Target),
	}
	c.dispatcher = dispatcher.NewDispatcher(c, cfg.MaxConcurrentSessions)
	return c
}

// Start launches the dispatcher. It runs until ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	c.dispatcher.Start(ctx)
}

// Dispatcher returns the claim dispatcher.
func (c *Coordinator) Dispatcher() *dispatcher.Dispatcher {
	return c.dispatcher
}

// Peers returns the peer scores.
func (c *Coordinator) Peers() *PeerTracker {
	return c.peers
}

// BadBlocks returns the blocks known to be invalid.
func (c *Coordinator) BadBlocks() *syncTypes.BadBlockCache {
	return c.badBlocks
}

// Head returns the local head.
func (c *Coordinator) Head() *types.BlockRecord {
	return c.engine.Head()
}

// State returns the stage of the latest session with p.
func (c *Coordinator) State(p peer.ID) syncTypes.SyncStateStage {
	if c.peers.IsDropped(p) {
		return syncTypes.StagePenalized
	}
	c.lk.Lock()
	target, ok := c.sessions[p]
	c.lk.Unlock()
	if !ok {
		return syncTypes.StageIdle
	}
	return target.State()
}

// HandleWeightClaim queues a session for a claim heavier than the local
// chain. Claims of dropped peers and claims for known bad heads are refused.
func (c *Coordinator) HandleWeightClaim(ctx context.Context, ci *types.ChainInfo) error {
	if c.peers.IsDropped(ci.Source) {
		return ErrPeerDropped
	}
	if reason, bad := c.badBlocks.Has(ci.Head); bad {
		c.peers.Penalize(ctx, ci.Source, xerrors.Errorf("claimed bad head %s: %s", ci.Head.ShortString(), reason))
		return ErrChainHasBadBlock
	}
	if head := c.engine.Head(); !ci.Weight.GreaterThan(head.Weight()) {
		log.Debugf("ignoring claim %s, local weight %s", ci.String(), head.Weight().String())
		return nil
	}
	if _, err := c.engine.BlockByHash(ci.Head); err == nil {
		return nil
	}
	return c.dispatcher.SendWeightClaim(ci)
}

// HandleClaim decodes a wire claim and handles it.
func (c *Coordinator) HandleClaim(ctx context.Context, claim *exchange.WeightClaim) error {
	ci, err := claim.ChainInfo()
	if err != nil {
		return err
	}
	return c.HandleWeightClaim(ctx, ci)
}

// SyncWithPeer runs a session for ci immediately, bypassing the dispatcher.
func (c *Coordinator) SyncWithPeer(ctx context.Context, ci *types.ChainInfo) error {
	target := syncTypes.NewTarget(ci, c.engine.Head())
	target.SetState(syncTypes.StageRequestingWeightProof)
	err := c.HandleNewTarget(ctx, target)
	target.Finish(err)
	return err
}

func (c *Coordinator) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := c.cfg.RequestTimeout.Duration(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// invalid penalizes the peer of target and ends the session.
func (c *Coordinator) invalid(ctx context.Context, target *syncTypes.Target, cause error) error {
	target.SetState(syncTypes.StagePenalized)
	c.peers.Penalize(ctx, target.Source, cause)
	return &InvalidChainError{Peer: target.Source, Err: cause}
}

// HandleNewTarget runs a sync session for target.
func (c *Coordinator) HandleNewTarget(ctx context.Context, target *syncTypes.Target) (err error) {
	ctx, span := trace.StartSpan(ctx, "Coordinator.HandleNewTarget")
	span.AddAttributes(trace.StringAttribute("target", target.ChainInfo.String()))
	defer tracing.AddErrorEndSpan(ctx, span, &err)
	sw := syncTimer.Start(ctx)
	defer sw.Stop(ctx)

	c.lk.Lock()
	c.sessions[target.Source] = target
	c.lk.Unlock()

	p := target.Source
	if c.peers.IsDropped(p) {
		return ErrPeerDropped
	}

	target.SetState(syncTypes.StageRequestingWeightProof)
	reqCtx, cancel := c.requestContext(ctx)
	wp, err := c.client.GetWeightProof(reqCtx, p, target.Head)
	cancel()
	if err != nil {
		return xerrors.Errorf("request weight proof from %s: %w", p, err)
	}

	target.SetState(syncTypes.StageValidating)
	if err := c.validateWeightProof(ctx, &target.ChainInfo, wp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.invalid(ctx, target, err)
	}
	tip := wp.Tip
	if head := c.engine.Head(); !tip.Weight().GreaterThan(head.Weight()) {
		target.SetState(syncTypes.StageIdle)
		return ErrNotHeavier
	}

	target.SetState(syncTypes.StageFetchingBlocks)
	base, fetched, err := c.findCommonAncestor(ctx, target, tip)
	if err != nil {
		return err
	}
	log.Infof("syncing %d blocks from %s above %s", tip.Height-base.Height, p, base.Hash().ShortString())
	if err := c.fetchAndApply(ctx, target, base, tip, fetched); err != nil {
		return err
	}
	log.Infow("synced", "peer", p, "head", tip.Hash().ShortString(), "height", tip.Height, "took", time.Since(target.Start))
	return nil
}

// validateWeightProof checks that the samples and tip form a plausible
// summary of the claimed chain: heights, cumulative iterations and weights
// strictly increase above the local genesis, iterations grow at least by the
// per-block minimum, and every header carries valid proofs.
func (c *Coordinator) validateWeightProof(ctx context.Context, ci *types.ChainInfo, wp *exchange.WeightProof) error {
	tip := wp.Tip
	if tip.Hash() != ci.Head {
		return errors.Errorf("weight proof tip %s, claimed %s", tip.Hash().ShortString(), ci.Head.ShortString())
	}
	if tip.Height != ci.Height || !tip.Weight().Equals(ci.Weight) {
		return errors.Errorf("weight proof tip at height %d weight %s, claimed height %d weight %s",
			tip.Height, tip.Weight().String(), ci.Height, ci.Weight.String())
	}

	genesis, err := c.engine.BlockAtHeight(0)
	if err != nil {
		return errors.Wrap(err, "local genesis")
	}
	headers := make([]*types.BlockRecord, 0, len(wp.Samples)+1)
	headers = append(headers, wp.Samples...)
	headers = append(headers, tip)

	prev := genesis
	for _, h := range headers {
		if h == nil {
			return errors.New("weight proof holds an empty sample")
		}
		if reason, bad := c.badBlocks.Has(h.Hash()); bad {
			return xerrors.Errorf("sample %s (%s): %w", h.Hash().ShortString(), reason, ErrChainHasBadBlock)
		}
		if h.Height <= prev.Height {
			return errors.Errorf("sample at height %d follows height %d", h.Height, prev.Height)
		}
		minIterations := prev.TotalIterations + uint64(h.Height-prev.Height)*c.minIterations
		if h.TotalIterations < minIterations {
			return errors.Errorf("sample at height %d has %d total iterations, at least %d required", h.Height, h.TotalIterations, minIterations)
		}
		if !h.Weight().GreaterThan(prev.Weight()) {
			return errors.Errorf("sample at height %d does not add weight", h.Height)
		}
		prev = h
	}

	err = proofs.BatchVerify(ctx, len(headers), func(ctx context.Context, i int) error {
		h := headers[i].Hash()
		if c.verified.Contains(h) {
			return nil
		}
		if err := c.verifier.VerifyProofs(ctx, headers[i], nil); err != nil {
			return err
		}
		c.verified.Add(h, struct{}{})
		return nil
	})
	var be *proofs.BatchError
	if errors.As(err, &be) {
		bad := headers[be.First]
		c.badBlocks.Add(bad.Hash(), be.Cause().Error())
		return errors.Wrapf(be.Cause(), "sample at height %d", bad.Height)
	}
	return err
}

// localBlock returns the indexed block h, or nil if it is unknown.
func (c *Coordinator) localBlock(h types.Hash) (*types.BlockRecord, error) {
	blk, err := c.engine.BlockByHash(h)
	if errors.Is(err, chain.ErrNotFound) {
		return nil, nil
	}
	return blk, err
}

// peerBlocks holds blocks already received from the peer, keyed by parent.
type peerBlocks map[types.Hash]*types.BlockRecord

// batchAbove returns up to max received blocks extending base, oldest first.
func (pb peerBlocks) batchAbove(base *types.BlockRecord, max int) []*types.BlockRecord {
	var out []*types.BlockRecord
	for h := base.Hash(); len(out) < max; {
		blk, ok := pb[h]
		if !ok {
			break
		}
		out = append(out, blk)
		h = blk.Hash()
	}
	return out
}

// findCommonAncestor walks the peer's chain back from tip until it reaches a
// block the local index holds. The blocks received on the way are returned
// with the ancestor so they are not requested again.
func (c *Coordinator) findCommonAncestor(ctx context.Context, target *syncTypes.Target, tip *types.BlockRecord) (*types.BlockRecord, peerBlocks, error) {
	p := target.Source
	from, expect := tip.Hash(), tip.Height
	fetched := make(peerBlocks)
	local, err := c.localBlock(from)
	if err != nil || local != nil {
		return local, fetched, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		reqCtx, cancel := c.requestContext(ctx)
		blocks, err := c.client.GetAncestors(reqCtx, p, from, uint64(c.cfg.BlockBatchSize))
		cancel()
		if err != nil {
			return nil, nil, xerrors.Errorf("request ancestors of %s from %s: %w", from.ShortString(), p, err)
		}
		if len(blocks) == 0 {
			return nil, nil, c.invalid(ctx, target, errors.Errorf("no ancestors served for %s", from.ShortString()))
		}
		for _, blk := range blocks {
			if blk.Hash() != from || blk.Height != expect {
				return nil, nil, c.invalid(ctx, target, errors.Errorf("ancestor at height %d does not link to %s", blk.Height, from.ShortString()))
			}
			if reason, bad := c.badBlocks.Has(from); bad {
				return nil, nil, c.invalid(ctx, target, xerrors.Errorf("ancestor %s (%s): %w", from.ShortString(), reason, ErrChainHasBadBlock))
			}
			if blk.IsGenesis() {
				return nil, nil, c.invalid(ctx, target, errors.Errorf("peer chain does not descend from local genesis"))
			}
			fetched[blk.Parent] = blk
			from, expect = blk.Parent, blk.Height-1
			local, err := c.localBlock(from)
			if err != nil || local != nil {
				return local, fetched, err
			}
		}
	}
}

// fetchAndApply applies the peer's chain above base up to tip in batches.
// Blocks already in fetched are used as they are; the rest are requested
// from the peer. Each batch is applied before the next is assembled.
func (c *Coordinator) fetchAndApply(ctx context.Context, target *syncTypes.Target, base, tip *types.BlockRecord, fetched peerBlocks) error {
	p := target.Source
	for base.Hash() != tip.Hash() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if base.Height >= tip.Height {
			return c.invalid(ctx, target, errors.Errorf("block range passed the claimed tip at height %d", tip.Height))
		}
		target.SetState(syncTypes.StageFetchingBlocks)
		blocks := fetched.batchAbove(base, c.cfg.BlockBatchSize)
		if len(blocks) == 0 {
			reqCtx, cancel := c.requestContext(ctx)
			var err error
			blocks, err = c.client.GetBlockRange(reqCtx, p, tip.Hash(), base.Hash(), uint64(c.cfg.BlockBatchSize))
			cancel()
			if err != nil {
				return xerrors.Errorf("request blocks above %s from %s: %w", base.Hash().ShortString(), p, err)
			}
		}
		if len(blocks) == 0 {
			return c.invalid(ctx, target, errors.Errorf("no blocks served above %s", base.Hash().ShortString()))
		}
		prev := base
		for _, blk := range blocks {
			if blk.Parent != prev.Hash() || blk.Height != prev.Height+1 {
				return c.invalid(ctx, target, errors.Errorf("block at height %d does not extend %s", blk.Height, prev.Hash().ShortString()))
			}
			if reason, bad := c.badBlocks.Has(blk.Hash()); bad {
				return c.invalid(ctx, target, xerrors.Errorf("block %s (%s): %w", blk.Hash().ShortString(), reason, ErrChainHasBadBlock))
			}
			delete(fetched, blk.Parent)
			prev = blk
		}

		target.SetState(syncTypes.StageApplying)
		if _, err := c.engine.ApplyBatch(ctx, blocks); err != nil {
			var bad *engine.BadBlockError
			if errors.As(err, &bad) {
				// every later block and the claimed tip descend from it
				c.badBlocks.AddChain(blocks[bad.Index:], bad.Err.Error())
				c.badBlocks.Add(tip.Hash(), bad.Err.Error())
				return c.invalid(ctx, target, err)
			}
			return xerrors.Errorf("apply blocks above %s: %w", base.Hash().ShortString(), err)
		}
		target.SetCurrent(prev)
		base = prev
	}
	return nil
}
