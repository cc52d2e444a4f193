package constants

import "time"

// Version is the chronos protocol/software version string.
const Version = "0.3.0"

// DefaultGenesisChallenge seeds the genesis block's time proof output. Every
// node on a network must agree on it.
const DefaultGenesisChallenge = "6368726f6e6f732d67656e657369732d6368616c6c656e67652d303030303031"

// Plot size parameter bounds (k). A plot of size k holds 2^k entries.
const (
	DefaultMinPlotSize = uint8(12)
	DefaultMaxPlotSize = uint8(24)
	// MaxSupportedPlotSize bounds k so that table entries fit in a uint64.
	MaxSupportedPlotSize = uint8(40)
)

// DefaultChallengeMatchBits is the number of leading challenge bits a proof
// of space must match.
const DefaultChallengeMatchBits = uint8(4)

// Time proof parameters.
const (
	DefaultDifficulty         = uint64(256)
	DefaultMinBlockIterations = uint64(64)
)

// Block acceptance windows.
const (
	DefaultMaxFutureDrift = 2 * time.Minute
	DefaultOrphanTTL      = 10 * time.Minute
	DefaultOrphanPoolSize = 512
)

// Sync defaults.
const (
	DefaultMaxConcurrentSessions = 2
	DefaultBlockBatchSize        = 32
	DefaultRequestTimeout        = 30 * time.Second
	DefaultPenaltyThreshold      = 3
	DefaultBadBlockCacheSize     = 1 << 10
	DefaultWeightProofInterval   = 16
)

// Wire sizes.
const (
	HashSize               = 32
	ProofOfSpaceProofSize  = 16
	VDFElementSize         = 256
	ProofOfSpaceXValueSize = 8
)

// DefaultDevnetBlockDelay is the simulated wall-clock gap between devnet blocks.
const DefaultDevnetBlockDelay = 10 * time.Second
