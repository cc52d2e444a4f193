// Package devnet runs a small network in one process: farmers and a
// timelord feeding a producing node, and a follower node that learns the
// chain only through weight claims and sync sessions.
package devnet

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/spacetime-network/chronos/pkg/chainsync"
	"github.com/spacetime-network/chronos/pkg/chainsync/exchange"
	"github.com/spacetime-network/chronos/pkg/clock"
	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/engine"
	"github.com/spacetime-network/chronos/pkg/node"
	"github.com/spacetime-network/chronos/pkg/repo"
	"github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("devnet")

const (
	ProducerID = peer.ID("producer")
	FollowerID = peer.ID("follower")
)

// convergencePoll is how often Run checks whether the follower caught up.
var convergencePoll = 50 * time.Millisecond

// Summary describes a finished run.
type Summary struct {
	Produced     []*types.BlockRecord
	ProducerHead *types.BlockRecord
	FollowerHead *types.BlockRecord
	// Span is the simulated chain time from genesis to the last produced block.
	Span time.Duration
}

// Devnet is an in-process network.
type Devnet struct {
	cfg   *config.Config
	clock *clock.Mock

	// introducer is the peer directory nodes reach each other through.
	introducer *exchange.Loopback
	repos      []repo.Repo
	Producer   *node.Node
	Follower   *node.Node

	farmers []*Farmer
	link    *engine.ProducerLink

	// OnProduced, when set, is called from Run for every block the producer
	// accepted.
	OnProduced func(blk *types.BlockRecord)
}

// New builds the farmers' plots and two nodes on fresh in-memory repos.
// Time is simulated: the clock starts at genesis and advances by the
// configured block delay for every produced block.
func New(ctx context.Context, cfg *config.Config) (*Devnet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if len(cfg.Devnet.Farmers) == 0 {
		return nil, errors.New("devnet needs at least one farmer")
	}
	cc := cfg.Consensus
	if cfg.Devnet.PlotSize < cc.MinPlotSize || cfg.Devnet.PlotSize > cc.MaxPlotSize {
		return nil, errors.Errorf("devnet plot size %d outside [%d, %d]", cfg.Devnet.PlotSize, cc.MinPlotSize, cc.MaxPlotSize)
	}

	d := &Devnet{
		cfg:        cfg,
		clock:      clock.NewMock(clock.FromUnixSeconds(cc.GenesisTimestamp)),
		introducer: exchange.NewLoopback(),
		link:       engine.NewProducerLink(len(cfg.Devnet.Farmers) + 1),
	}
	for _, name := range cfg.Devnet.Farmers {
		f, err := NewFarmer(name, cfg.Devnet.PlotSize)
		if err != nil {
			return nil, err
		}
		d.farmers = append(d.farmers, f)
	}
	log.Infof("built %d plots of size %d", len(d.farmers), cfg.Devnet.PlotSize)

	var err error
	if d.Producer, err = d.newNode(ctx, ProducerID); err != nil {
		return nil, err
	}
	if d.Follower, err = d.newNode(ctx, FollowerID); err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	return d, nil
}

func (d *Devnet) newNode(ctx context.Context, id peer.ID) (*node.Node, error) {
	r := repo.NewInMemoryRepo()
	if err := r.ReplaceConfig(d.cfg); err != nil {
		return nil, err
	}
	n, err := node.New(ctx, id, r, d.clock, d.introducer)
	if err != nil {
		_ = r.Close()
		return nil, errors.Wrapf(err, "node %s", id)
	}
	d.repos = append(d.repos, r)
	d.introducer.Register(id, n.Server())
	return n, nil
}

func (d *Devnet) nodes() []*node.Node {
	return []*node.Node{d.Producer, d.Follower}
}

// Run produces blocks on the producer and returns once the follower has
// synced to the same head.
func (d *Devnet) Run(ctx context.Context, blocks int) (*Summary, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	for _, n := range d.nodes() {
		if err := n.Start(runCtx); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, n := range d.nodes() {
		n := n
		events := n.Engine().Events(gctx)
		g.Go(func() error {
			d.gossip(gctx, n, events)
			return nil
		})
	}
	g.Go(func() error {
		return farm(gctx, d.farmers, d.cfg.Consensus.ChallengeMatchBits, d.link)
	})
	g.Go(func() error {
		return timelord(gctx, d.link)
	})

	summary := &Summary{}
	g.Go(func() error {
		produced, err := d.produce(gctx, blocks)
		summary.Produced = produced
		if err != nil {
			return err
		}
		if err := d.awaitConvergence(gctx); err != nil {
			return err
		}
		stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	summary.ProducerHead = d.Producer.Engine().Head()
	summary.FollowerHead = d.Follower.Engine().Head()
	if n := len(summary.Produced); n > 0 {
		genesis := d.Producer.Index().Genesis()
		summary.Span = time.Duration(summary.Produced[n-1].Timestamp-genesis.Timestamp) * time.Second
	}
	return summary, nil
}

// produce drives the producer link until blocks blocks were accepted.
func (d *Devnet) produce(ctx context.Context, blocks int) ([]*types.BlockRecord, error) {
	eng := d.Producer.Engine()
	announce := func(head *types.BlockRecord) error {
		select {
		case d.link.Heads <- head:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var produced []*types.BlockRecord
	if blocks <= 0 {
		return produced, nil
	}
	if err := announce(eng.Head()); err != nil {
		return produced, err
	}
	for len(produced) < blocks {
		select {
		case <-ctx.Done():
			return produced, ctx.Err()
		case pos := <-d.link.Spaces:
			req, err := eng.PrepareTimeProof(pos)
			if err != nil {
				log.Warnf("dropping proof of space: %s", err)
				if err := announce(eng.Head()); err != nil {
					return produced, err
				}
				continue
			}
			select {
			case d.link.Requests <- req:
			case <-ctx.Done():
				return produced, ctx.Err()
			}
		case resp := <-d.link.TimeProofs:
			if resp.Err != nil {
				return produced, errors.Wrap(resp.Err, "timelord failed")
			}
			d.clock.Add(d.cfg.Devnet.BlockDelay.Duration())
			blk := eng.FinishBlock(resp.Request, resp.Proof, clock.UnixSeconds(d.clock.Now()))
			res, err := eng.Submit(ctx, blk)
			if err != nil {
				return produced, err
			}
			if res.Status != engine.Accepted {
				return produced, errors.Errorf("produced block %s was %s: %v", blk.Hash().ShortString(), res.Status, res.Err)
			}
			produced = append(produced, blk)
			if d.OnProduced != nil {
				d.OnProduced(blk)
			}
			log.Infof("produced block %s at height %d (%d iterations)", blk.Hash().ShortString(), blk.Height, blk.VDF.Iterations)
			if len(produced) < blocks {
				if err := announce(blk); err != nil {
					return produced, err
				}
			}
		}
	}
	return produced, nil
}

// gossip announces every head change of n to the other nodes.
func (d *Devnet) gossip(ctx context.Context, n *node.Node, events <-chan *engine.ReorgEvent) {
	for ev := range events {
		if len(ev.Rollback) > 0 {
			log.Infof("node %s reorged to %s (dropped %d, added %d)", n.ID, ev.NewHead.Hash().ShortString(), len(ev.Rollback), len(ev.Rollforward))
		}
		d.broadcast(ctx, n)
	}
}

func (d *Devnet) broadcast(ctx context.Context, from *node.Node) {
	claim, err := from.WeightClaim()
	if err != nil {
		log.Errorf("node %s cannot encode its claim: %s", from.ID, err)
		return
	}
	for _, to := range d.nodes() {
		if to == from {
			continue
		}
		if err := to.Syncer().HandleClaim(ctx, claim); err != nil && !errors.Is(err, chainsync.ErrNotHeavier) {
			log.Debugf("node %s refused claim from %s: %s", to.ID, from.ID, err)
		}
	}
}

// awaitConvergence waits for the follower to reach the producer's head,
// repeating the producer's claim in case an earlier session failed.
func (d *Devnet) awaitConvergence(ctx context.Context) error {
	ticker := time.NewTicker(convergencePoll)
	defer ticker.Stop()
	for {
		want := d.Producer.Engine().Head().Hash()
		if d.Follower.Engine().Head().Hash() == want {
			log.Infof("follower synced to %s", want.ShortString())
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.broadcast(ctx, d.Producer)
		}
	}
}

// Close stops both nodes and releases their repos.
func (d *Devnet) Close(ctx context.Context) error {
	var merr *multierror.Error
	for _, n := range d.nodes() {
		if n == nil {
			continue
		}
		if err := n.Stop(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	for _, r := range d.repos {
		if err := r.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
