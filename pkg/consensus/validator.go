package consensus

import (
	"context"
	"math"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/spacetime-network/chronos/pkg/clock"
	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/constants"
	"github.com/spacetime-network/chronos/pkg/metrics"
	"github.com/spacetime-network/chronos/pkg/metrics/tracing"
	"github.com/spacetime-network/chronos/pkg/proofs"
	"github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("consensus")

var validateTimer = metrics.NewTimerMs("consensus/validate_block_ms", "Duration of full block validation in milliseconds")

// BlockSyntaxValidator checks a block in isolation.
type BlockSyntaxValidator interface {
	ValidateSyntax(ctx context.Context, blk *types.BlockRecord) error
}

// BlockSemanticValidator checks a block against its parent.
type BlockSemanticValidator interface {
	Validate(ctx context.Context, blk, parent *types.BlockRecord) error
}

// BlockValidator decides whether a candidate block may extend its parent. It
// never mutates state and may be called from many goroutines at once.
type BlockValidator struct {
	cfg      config.ConsensusConfig
	verifier proofs.Verifier
	schedule IterationSchedule
	weight   WeightFunc
	clock    clock.Clock
}

var (
	_ BlockSyntaxValidator   = (*BlockValidator)(nil)
	_ BlockSemanticValidator = (*BlockValidator)(nil)
)

// NewBlockValidator creates a validator. The config is copied.
func NewBlockValidator(cfg *config.ConsensusConfig, verifier proofs.Verifier, schedule IterationSchedule, weight WeightFunc, c clock.Clock) *BlockValidator {
	return &BlockValidator{
		cfg:      *cfg,
		verifier: verifier,
		schedule: schedule,
		weight:   weight,
		clock:    c,
	}
}

// NewDefaultBlockValidator wires the reference verifiers, the default
// iteration schedule and the default weight function.
func NewDefaultBlockValidator(cfg *config.ConsensusConfig, c clock.Clock) (*BlockValidator, error) {
	verifier, err := proofs.NewProofVerifier(PlotParams(cfg))
	if err != nil {
		return nil, err
	}
	return NewBlockValidator(cfg, verifier, NewDefaultSchedule(cfg), DefaultWeight, c), nil
}

// Schedule returns the iteration schedule in use.
func (v *BlockValidator) Schedule() IterationSchedule {
	return v.schedule
}

// Weight returns the weight function in use.
func (v *BlockValidator) Weight() WeightFunc {
	return v.weight
}

// ValidateSyntax checks that the block is well formed without looking at any
// other block.
func (v *BlockValidator) ValidateSyntax(ctx context.Context, blk *types.BlockRecord) error {
	switch {
	case blk == nil:
		return Rejectf(MalformedBlock, "nil block")
	case blk.Height < 1 || !blk.Parent.Defined():
		return Rejectf(MalformedBlock, "non-genesis block must have a parent and positive height")
	case blk.ProofOfSpace == nil:
		return Rejectf(MalformedBlock, "missing proof of space")
	case blk.VDF == nil:
		return Rejectf(MalformedBlock, "missing time proof")
	case len(blk.ProofOfSpace.Proof) != constants.ProofOfSpaceProofSize:
		return Rejectf(MalformedBlock, "proof of space is %d bytes", len(blk.ProofOfSpace.Proof))
	case !blk.VDF.WellFormed():
		return Rejectf(MalformedBlock, "time proof elements must be %d bytes", constants.VDFElementSize)
	case blk.TotalWeight.Int == nil:
		return Rejectf(MalformedBlock, "missing total weight")
	}
	return nil
}

// Validate runs every check on blk against parent, short circuiting on the
// first failure. A nil parent means the parent is unknown.
func (v *BlockValidator) Validate(ctx context.Context, blk, parent *types.BlockRecord) (err error) {
	ctx, span := trace.StartSpan(ctx, "BlockValidator.Validate")
	defer tracing.AddErrorEndSpan(ctx, span, &err)
	sw := validateTimer.Start(ctx)
	defer sw.Stop(ctx)

	if err := v.ValidateSyntax(ctx, blk); err != nil {
		return err
	}
	if parent == nil {
		return Rejectf(OrphanBlock, "parent %s unknown", blk.Parent)
	}
	if parent.Hash() != blk.Parent {
		return Rejectf(MalformedBlock, "parent hash mismatch")
	}
	if blk.Height != parent.Height+1 {
		return Rejectf(MalformedBlock, "height %d does not follow parent height %d", blk.Height, parent.Height)
	}

	if want := types.DeriveChallenge(parent.VDF.Output); blk.Challenge != want {
		return Rejectf(InvalidProofOfSpace, "challenge %s does not derive from parent", blk.Challenge)
	}

	if err := v.VerifyProofs(ctx, blk, parent); err != nil {
		return err
	}

	if blk.Timestamp <= parent.Timestamp {
		return Rejectf(StaleOrFutureTimestamp, "timestamp %d not after parent %d", blk.Timestamp, parent.Timestamp)
	}
	limit := clock.UnixSeconds(v.clock.Now().Add(v.cfg.MaxFutureDrift.Duration()))
	if blk.Timestamp > limit {
		return Rejectf(StaleOrFutureTimestamp, "timestamp %d beyond %d", blk.Timestamp, limit)
	}

	if !blk.TxRoot.Defined() {
		return Rejectf(MalformedBlock, "zero transaction root")
	}

	iterations := blk.VDF.Iterations
	if parent.TotalIterations > math.MaxUint64-iterations {
		return Rejectf(MalformedBlock, "total iterations overflow")
	}
	if blk.TotalIterations != parent.TotalIterations+iterations {
		return Rejectf(MalformedBlock, "total iterations %d, want %d", blk.TotalIterations, parent.TotalIterations+iterations)
	}
	if want := ChildWeight(v.weight, parent.Weight(), iterations); !blk.TotalWeight.Equals(want) {
		return Rejectf(MalformedBlock, "total weight %s, want %s", blk.TotalWeight.String(), want.String())
	}

	log.Debugw("block valid", "height", blk.Height, "iterations", iterations)
	return nil
}

// VerifyProofs checks the proof of space and the time proof of blk, and that
// the time proof covers exactly the iterations the schedule requires. It
// trusts blk.Challenge; Validate checks it against the parent first. parent
// is handed to the schedule and may be nil.
func (v *BlockValidator) VerifyProofs(ctx context.Context, blk, parent *types.BlockRecord) error {
	if err := v.ValidateSyntax(ctx, blk); err != nil {
		return err
	}
	quality, err := v.verifier.VerifySpace(blk.Challenge, blk.ProofOfSpace)
	if err != nil {
		return Reject(InvalidProofOfSpace, err)
	}

	required, err := v.schedule.RequiredIterations(parent, blk.ProofOfSpace, quality)
	if err != nil {
		return Reject(InvalidProofOfSpace, errors.Wrap(err, "required iterations"))
	}
	if blk.VDF.Iterations != required {
		return Rejectf(InvalidTimeProof, "proof covers %d iterations, %d required", blk.VDF.Iterations, required)
	}

	vdfChallenge := types.DeriveVDFChallenge(blk.Challenge, blk.ProofOfSpace)
	if err := v.verifier.VerifyTime(vdfChallenge, required, blk.VDF); err != nil {
		return Reject(InvalidTimeProof, err)
	}
	return nil
}

// RequiredIterations checks that pos answers the challenge of parent and
// returns the iterations a time proof for a child of parent must cover.
// Full nodes use it to hand farmer proofs to a timelord.
func (v *BlockValidator) RequiredIterations(parent *types.BlockRecord, pos *types.ProofOfSpace) (uint64, error) {
	if pos == nil {
		return 0, Rejectf(MalformedBlock, "missing proof of space")
	}
	if want := types.DeriveChallenge(parent.VDF.Output); pos.Challenge != want {
		return 0, Rejectf(InvalidProofOfSpace, "challenge %s does not derive from parent", pos.Challenge)
	}
	quality, err := v.verifier.VerifySpace(pos.Challenge, pos)
	if err != nil {
		return 0, Reject(InvalidProofOfSpace, err)
	}
	required, err := v.schedule.RequiredIterations(parent, pos, quality)
	if err != nil {
		return 0, Reject(InvalidProofOfSpace, errors.Wrap(err, "required iterations"))
	}
	return required, nil
}
