// Package engine accepts candidate blocks, validates them and applies them to
// the chain index from a single writer goroutine.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	fbig "github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/pubsub"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/spacetime-network/chronos/pkg/chain"
	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/metrics"
	"github.com/spacetime-network/chronos/pkg/metrics/tracing"
	"github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("engine")

var (
	blocksAccepted = metrics.NewInt64Counter("consensus/blocks_accepted", "Number of blocks added to the chain index")
	blocksRejected = metrics.NewInt64Counter("consensus/blocks_rejected", "Number of blocks that failed validation")
)

const reorgTopic = "reorg"

// ErrClosed is returned by submissions after Close.
var ErrClosed = errors.New("engine closed")

// Status is the outcome of a submission.
type Status int

const (
	// Accepted blocks were validated and indexed.
	Accepted Status = iota
	// Rejected blocks failed validation. Result.Reason says why.
	Rejected
	// Duplicate blocks were already indexed. Submitting one is a no-op.
	Duplicate
	// Orphan blocks wait in the orphan pool for their parent.
	Orphan
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Duplicate:
		return "duplicate"
	case Orphan:
		return "orphan"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ReorgEvent reports a head change. Rollback runs from the old tip down to
// the fork point, exclusive; Rollforward from the fork point, exclusive, up
// to the new tip. A plain extension has an empty Rollback.
type ReorgEvent struct {
	OldHead     *types.BlockRecord
	NewHead     *types.BlockRecord
	Rollback    []*types.BlockRecord
	Rollforward []*types.BlockRecord
}

// Result is the outcome of submitting one block.
type Result struct {
	Block  types.Hash
	Status Status
	Reason consensus.Reason
	Err    error

	HeadChanged bool
	// Reorg is set when the head changed.
	Reorg *ReorgEvent
	// Adopted lists pooled descendants accepted because this block arrived.
	Adopted []types.Hash
}

// Validator is the validation the engine runs before writing.
type Validator interface {
	consensus.BlockSyntaxValidator
	consensus.BlockSemanticValidator
	RequiredIterations(parent *types.BlockRecord, pos *types.ProofOfSpace) (uint64, error)
	Weight() consensus.WeightFunc
}

var _ Validator = (*consensus.BlockValidator)(nil)

type insertRequest struct {
	blk  *types.BlockRecord
	resp chan insertResponse
}

type insertResponse struct {
	upd *chain.HeadUpdate
	err error
}

// Engine is the consensus core. Validation runs on the submitting goroutine
// without holding any lock; only the final insertion goes through the
// writer goroutine, so at most one mutation of the index is in flight.
type Engine struct {
	index     *chain.Index
	validator Validator
	orphans   *orphanPool

	requests chan insertRequest
	events   *pubsub.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeLk sync.RWMutex
	closed  bool
}

// NewEngine creates an engine over a loaded index and starts its writer.
func NewEngine(index *chain.Index, validator Validator, cfg *config.ConsensusConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		index:     index,
		validator: validator,
		orphans:   newOrphanPool(cfg.OrphanTTL.Duration(), cfg.OrphanPoolSize),
		requests:  make(chan insertRequest),
		events:    pubsub.New(32),
		ctx:       ctx,
		cancel:    cancel,
	}
	index.SubscribeHeadChanges(func(upd *chain.HeadUpdate) error {
		e.closeLk.RLock()
		defer e.closeLk.RUnlock()
		if e.closed {
			return chain.ErrNotifeeDone
		}
		e.events.Pub(newReorgEvent(upd), reorgTopic)
		return nil
	})
	e.wg.Add(1)
	go e.writer()
	return e
}

// Close stops the writer. Pending submissions fail with ErrClosed.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()

	e.closeLk.Lock()
	defer e.closeLk.Unlock()
	if !e.closed {
		e.closed = true
		e.events.Shutdown()
	}
	return nil
}

// Index exposes the underlying chain index for read access.
func (e *Engine) Index() *chain.Index {
	return e.index
}

// Validator returns the validator blocks are checked with.
func (e *Engine) Validator() Validator {
	return e.validator
}

func (e *Engine) writer() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.requests:
			upd, err := e.index.Insert(e.ctx, req.blk)
			req.resp <- insertResponse{upd: upd, err: err}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) insert(ctx context.Context, blk *types.BlockRecord) (*chain.HeadUpdate, error) {
	req := insertRequest{blk: blk, resp: make(chan insertResponse, 1)}
	select {
	case e.requests <- req:
	case <-e.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The writer always answers an accepted request.
	resp := <-req.resp
	return resp.upd, resp.err
}

// Submit validates blk and, if valid, adds it to the index. Invalid,
// duplicate and orphan blocks are reported in the Result; the error is
// reserved for cancellation, shutdown and fatal index failures. When blk is
// accepted, pooled orphans descending from it are submitted as well.
func (e *Engine) Submit(ctx context.Context, blk *types.BlockRecord) (_ *Result, err error) {
	ctx, span := trace.StartSpan(ctx, "Engine.Submit")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	res, err := e.submit(ctx, blk)
	if err != nil {
		return nil, err
	}
	if res.Status == Orphan && e.index.Has(blk.Parent) {
		// The parent was indexed, and its pooled children taken, while blk
		// was being pooled.
		adopted, err := e.adoptOrphans(ctx, blk.Parent)
		if err != nil {
			return res, err
		}
		if e.index.Has(res.Block) {
			res.Status, res.Reason = Accepted, ""
			for _, h := range adopted {
				if h != res.Block {
					res.Adopted = append(res.Adopted, h)
				}
			}
		}
		return res, nil
	}
	if res.Status == Accepted {
		res.Adopted, err = e.adoptOrphans(ctx, res.Block)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// SubmitAsync submits blk on a new goroutine. The channel receives exactly
// one result; a nil result means the submission failed, see the log.
func (e *Engine) SubmitAsync(ctx context.Context, blk *types.BlockRecord) <-chan *Result {
	out := make(chan *Result, 1)
	go func() {
		res, err := e.Submit(ctx, blk)
		if err != nil {
			log.Errorf("async submission failed: %s", err)
		}
		out <- res
	}()
	return out
}

func (e *Engine) submit(ctx context.Context, blk *types.BlockRecord) (*Result, error) {
	if err := e.validator.ValidateSyntax(ctx, blk); err != nil {
		h := types.UndefHash
		if blk != nil {
			h = blk.Hash()
		}
		return e.reject(ctx, h, err)
	}
	h := blk.Hash()
	if e.index.Has(h) {
		return &Result{Block: h, Status: Duplicate, Reason: consensus.DuplicateBlock}, nil
	}

	parent, err := e.index.GetBlock(blk.Parent)
	if err != nil {
		if !errors.Is(err, chain.ErrNotFound) {
			return nil, err
		}
		res := &Result{Block: h, Status: Orphan, Reason: consensus.OrphanBlock}
		if e.orphans.add(h, blk) {
			log.Debugf("pooled orphan %s waiting for %s", h.ShortString(), blk.Parent.ShortString())
		} else {
			res.Err = errors.New("orphan pool full")
			log.Warnf("orphan pool full, dropping %s", h.ShortString())
		}
		return res, nil
	}

	if err := e.validator.Validate(ctx, blk, parent); err != nil {
		return e.reject(ctx, h, err)
	}

	upd, err := e.insert(ctx, blk)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrDuplicateBlock):
		return &Result{Block: h, Status: Duplicate, Reason: consensus.DuplicateBlock}, nil
	default:
		return nil, err
	}

	blocksAccepted.Inc(ctx, 1)
	res := &Result{Block: h, Status: Accepted, HeadChanged: upd.HeadChanged()}
	if res.HeadChanged {
		res.Reorg = newReorgEvent(upd)
	}
	log.Debugw("accepted block", "hash", h.ShortString(), "height", blk.Height, "head", res.HeadChanged)
	return res, nil
}

func (e *Engine) reject(ctx context.Context, h types.Hash, err error) (*Result, error) {
	reason, ok := consensus.ReasonOf(err)
	if !ok {
		return nil, err
	}
	blocksRejected.Inc(ctx, 1)
	log.Debugw("rejected block", "hash", h.ShortString(), "reason", reason, "err", err)
	return &Result{Block: h, Status: Rejected, Reason: reason, Err: err}, nil
}

// adoptOrphans submits the pooled descendants of parent, breadth first.
func (e *Engine) adoptOrphans(ctx context.Context, parent types.Hash) ([]types.Hash, error) {
	var adopted []types.Hash
	queue := []types.Hash{parent}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		children := e.orphans.take(next)
		sort.Slice(children, func(i, j int) bool {
			return children[i].Hash().Compare(children[j].Hash()) < 0
		})
		for _, child := range children {
			res, err := e.submit(ctx, child)
			if err != nil {
				return adopted, err
			}
			if res.Status != Accepted {
				log.Infof("pooled block %s not adopted: %s %s", res.Block.ShortString(), res.Status, res.Reason)
				continue
			}
			adopted = append(adopted, res.Block)
			queue = append(queue, res.Block)
		}
	}
	return adopted, nil
}

// OrphanCount returns the number of pooled orphans.
func (e *Engine) OrphanCount() int {
	return e.orphans.len()
}

// IsOrphan reports whether h waits in the orphan pool.
func (e *Engine) IsOrphan(h types.Hash) bool {
	return e.orphans.has(h)
}

func newReorgEvent(upd *chain.HeadUpdate) *ReorgEvent {
	return &ReorgEvent{
		OldHead:     upd.OldHead,
		NewHead:     upd.NewHead,
		Rollback:    upd.Rollback,
		Rollforward: upd.Rollforward,
	}
}

// Events returns the head changes in the order they were committed. The
// channel closes when ctx is done or the engine is closed. Events a slow
// reader has not taken yet are queued, so a reader never holds up the
// writer.
func (e *Engine) Events(ctx context.Context) <-chan *ReorgEvent {
	sub := e.events.Sub(reorgTopic)
	out := make(chan *ReorgEvent, 16)
	go func() {
		defer close(out)
		var (
			pending   []*ReorgEvent
			done      = ctx.Done()
			unsubOnce sync.Once
		)
		for {
			var (
				send chan<- *ReorgEvent
				next *ReorgEvent
			)
			if len(pending) > 0 {
				send, next = out, pending[0]
			}
			select {
			case val, ok := <-sub:
				if !ok {
					return
				}
				if done != nil {
					pending = append(pending, val.(*ReorgEvent))
				}
			case send <- next:
				pending[0] = nil
				pending = pending[1:]
			case <-done:
				// keep draining sub until the unsubscription closes it
				pending, done = nil, nil
				unsubOnce.Do(func() {
					go e.events.Unsub(sub)
				})
			}
		}
	}()
	return out
}

// Head returns the canonical head.
func (e *Engine) Head() *types.BlockRecord {
	return e.index.Head()
}

// BlockByHash returns any indexed block.
func (e *Engine) BlockByHash(h types.Hash) (*types.BlockRecord, error) {
	return e.index.GetBlock(h)
}

// BlockAtHeight returns the canonical block at height h.
func (e *Engine) BlockAtHeight(h abi.ChainEpoch) (*types.BlockRecord, error) {
	return e.index.CanonicalAt(h)
}

// WeightAtHeight returns the total weight of the canonical chain at height h.
func (e *Engine) WeightAtHeight(h abi.ChainEpoch) (fbig.Int, error) {
	blk, err := e.index.CanonicalAt(h)
	if err != nil {
		return fbig.Zero(), err
	}
	return blk.Weight(), nil
}

// ChainInfo summarizes the local head as a weight claim.
func (e *Engine) ChainInfo() *types.ChainInfo {
	head := e.index.Head()
	return types.NewChainInfo("", head.Hash(), head.Height, head.Weight())
}
