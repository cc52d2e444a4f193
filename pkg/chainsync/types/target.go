package types

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spacetime-network/chronos/pkg/types"
)

// SyncStateStage is the stage of a sync session with one peer.
type SyncStateStage int

const (
	StageIdle = SyncStateStage(iota)
	StageRequestingWeightProof
	StageValidating
	StageFetchingBlocks
	StageApplying
	StagePenalized
)

func (v SyncStateStage) String() string {
	switch v {
	case StageIdle:
		return "idle"
	case StageRequestingWeightProof:
		return "requesting weight proof"
	case StageValidating:
		return "validating"
	case StageFetchingBlocks:
		return "fetching blocks"
	case StageApplying:
		return "applying"
	case StagePenalized:
		return "penalized"
	default:
		return fmt.Sprintf("<unknown: %d>", v)
	}
}

// Target tracks a logical request of the syncing subsystem to sync to the
// chain a peer claims.
type Target struct {
	ID    uuid.UUID
	Base  *types.BlockRecord
	Start time.Time
	types.ChainInfo

	lk      sync.Mutex
	state   SyncStateStage
	started bool
	current *types.BlockRecord
	end     time.Time
	err     error
}

// NewTarget creates an idle target for a claim, based on the local head.
func NewTarget(ci *types.ChainInfo, base *types.BlockRecord) *Target {
	return &Target{
		ID:        uuid.New(),
		Base:      base,
		Start:     time.Now(),
		ChainInfo: *ci,
	}
}

// State returns the current stage.
func (target *Target) State() SyncStateStage {
	target.lk.Lock()
	defer target.lk.Unlock()
	return target.state
}

// SetState moves the target to stage.
func (target *Target) SetState(stage SyncStateStage) {
	target.lk.Lock()
	defer target.lk.Unlock()
	if stage != StageIdle {
		target.started = true
	}
	target.state = stage
}

// Pending reports whether the target still waits for a session.
func (target *Target) Pending() bool {
	target.lk.Lock()
	defer target.lk.Unlock()
	return !target.started
}

// Current returns the last block applied for the target.
func (target *Target) Current() *types.BlockRecord {
	target.lk.Lock()
	defer target.lk.Unlock()
	return target.current
}

// SetCurrent records the last applied block.
func (target *Target) SetCurrent(blk *types.BlockRecord) {
	target.lk.Lock()
	defer target.lk.Unlock()
	target.current = blk
}

// Finish records the outcome of the session. A penalized target stays
// penalized; any other returns to idle.
func (target *Target) Finish(err error) {
	target.lk.Lock()
	defer target.lk.Unlock()
	target.started = true
	target.end = time.Now()
	target.err = err
	if target.state != StagePenalized {
		target.state = StageIdle
	}
}

// Err returns the error the session ended with.
func (target *Target) Err() error {
	target.lk.Lock()
	defer target.lk.Unlock()
	return target.err
}

// End returns when the session ended.
func (target *Target) End() time.Time {
	target.lk.Lock()
	defer target.lk.Unlock()
	return target.end
}

func (target *Target) String() string {
	return fmt.Sprintf("target %s %s (%s)", target.ID, target.ChainInfo.String(), target.State())
}
