// Package node assembles a full node from a repo: the chain index, the
// consensus engine, the sync coordinator and the server answering peers.
package node

import (
	"context"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/chain"
	"github.com/spacetime-network/chronos/pkg/chainsync"
	"github.com/spacetime-network/chronos/pkg/chainsync/exchange"
	"github.com/spacetime-network/chronos/pkg/clock"
	"github.com/spacetime-network/chronos/pkg/consensus"
	"github.com/spacetime-network/chronos/pkg/consensus/chainselector"
	"github.com/spacetime-network/chronos/pkg/engine"
	"github.com/spacetime-network/chronos/pkg/repo"
	"github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("node")

// Node represents a full chronos node.
type Node struct {
	ID peer.ID

	repo      repo.Repo
	index     *chain.Index
	validator *consensus.BlockValidator
	engine    *engine.Engine
	syncer    *chainsync.Coordinator
	server    *exchange.LocalServer

	cancelSync context.CancelFunc
}

// New loads the chain stored in r and builds the node's subsystems. Peers are
// reached through client. The node does not own r; the caller closes it
// after Stop.
func New(ctx context.Context, id peer.ID, r repo.Repo, c clock.Clock, client exchange.Client) (*Node, error) {
	cfg := r.Config()
	genesis, err := cfg.Consensus.Genesis()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build genesis")
	}

	validator, err := consensus.NewDefaultBlockValidator(cfg.Consensus, c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build block validator")
	}

	index := chain.NewIndex(r.ChainDatastore(), genesis, validator.Weight(), chainselector.NewForkChoice())
	if err := index.Load(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to load chain")
	}
	head := index.Head()
	log.Infof("node %s loaded chain, head %s at height %d", id, head.Hash().ShortString(), head.Height)

	eng := engine.NewEngine(index, validator, cfg.Consensus)
	return &Node{
		ID:        id,
		repo:      r,
		index:     index,
		validator: validator,
		engine:    eng,
		syncer:    chainsync.NewCoordinator(eng, validator, client, cfg.Consensus, cfg.Sync),
		server:    exchange.NewLocalServer(index, uint64(cfg.Sync.WeightProofInterval)),
	}, nil
}

func (node *Node) Repo() repo.Repo {
	return node.repo
}

func (node *Node) Index() *chain.Index {
	return node.index
}

func (node *Node) Engine() *engine.Engine {
	return node.engine
}

func (node *Node) Syncer() *chainsync.Coordinator {
	return node.syncer
}

// Server returns the handler of peer requests for this node's chain.
func (node *Node) Server() exchange.Server {
	return node.server
}

// ChainInfo returns the weight claim this node announces to peers.
func (node *Node) ChainInfo() *types.ChainInfo {
	ci := node.engine.ChainInfo()
	ci.Source = node.ID
	return ci
}

// WeightClaim returns ChainInfo in wire form.
func (node *Node) WeightClaim() (*exchange.WeightClaim, error) {
	return exchange.NewWeightClaim(node.ChainInfo())
}

// Start boots up the node's sync dispatcher.
func (node *Node) Start(ctx context.Context) error {
	if node.cancelSync != nil {
		return errors.New("node already started")
	}
	var syncCtx context.Context
	syncCtx, node.cancelSync = context.WithCancel(ctx)
	node.syncer.Start(syncCtx)
	return nil
}

// Stop shuts the node down. In-flight sync sessions are cancelled; the chain
// stays at the last valid head they applied.
func (node *Node) Stop(ctx context.Context) error {
	if node.cancelSync != nil {
		log.Infof("shutting down chain syncer...")
		node.cancelSync()
	}

	var merr *multierror.Error
	log.Infof("shutting down engine...")
	if err := node.engine.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "failed to close engine"))
	}
	log.Infof("closing chain index...")
	if err := node.index.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "failed to close chain index"))
	}

	log.Infof("flushing system logs...")
	for _, name := range logging.GetSubsystems() {
		_ = logging.Logger(name).Sync()
	}
	return merr.ErrorOrNil()
}
