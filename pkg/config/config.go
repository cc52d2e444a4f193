package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/constants"
	"github.com/spacetime-network/chronos/pkg/types"
)

// Config is an in memory representation of the chronos configuration file.
type Config struct {
	Consensus *ConsensusConfig `toml:"consensus"`
	Sync      *SyncConfig      `toml:"sync"`
	Datastore *DatastoreConfig `toml:"datastore"`
	Log       *LogConfig       `toml:"log"`
	Metrics   *MetricsConfig   `toml:"metrics"`
	Devnet    *DevnetConfig    `toml:"devnet"`
}

// Duration is a time.Duration that reads and writes as a string ("90s").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ConsensusConfig holds the protocol parameters every node of a network must
// agree on, plus local acceptance windows.
type ConsensusConfig struct {
	// GenesisChallenge is the hex encoded challenge genesis is built from.
	GenesisChallenge string `toml:"genesisChallenge"`
	// GenesisTimestamp is the unix time stamped on genesis.
	GenesisTimestamp   uint64 `toml:"genesisTimestamp"`
	MinPlotSize        uint8  `toml:"minPlotSize"`
	MaxPlotSize        uint8  `toml:"maxPlotSize"`
	ChallengeMatchBits uint8  `toml:"challengeMatchBits"`
	// Difficulty scales the iterations a proof of average quality requires.
	Difficulty         uint64 `toml:"difficulty"`
	MinBlockIterations uint64 `toml:"minBlockIterations"`
	// MaxFutureDrift is how far ahead of local time a block timestamp may be.
	MaxFutureDrift Duration `toml:"maxFutureDrift"`
	OrphanTTL      Duration `toml:"orphanTTL"`
	OrphanPoolSize int      `toml:"orphanPoolSize"`
}

func newDefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		GenesisChallenge:   constants.DefaultGenesisChallenge,
		GenesisTimestamp:   0,
		MinPlotSize:        constants.DefaultMinPlotSize,
		MaxPlotSize:        constants.DefaultMaxPlotSize,
		ChallengeMatchBits: constants.DefaultChallengeMatchBits,
		Difficulty:         constants.DefaultDifficulty,
		MinBlockIterations: constants.DefaultMinBlockIterations,
		MaxFutureDrift:     Duration(constants.DefaultMaxFutureDrift),
		OrphanTTL:          Duration(constants.DefaultOrphanTTL),
		OrphanPoolSize:     constants.DefaultOrphanPoolSize,
	}
}

// Genesis builds the genesis record described by the config.
func (cc *ConsensusConfig) Genesis() (*types.BlockRecord, error) {
	ch, err := types.ParseChallenge(cc.GenesisChallenge)
	if err != nil {
		return nil, errors.Wrap(err, "genesis challenge")
	}
	return types.NewGenesisBlock(ch, cc.GenesisTimestamp), nil
}

// SyncConfig controls chain synchronisation with peers.
type SyncConfig struct {
	MaxConcurrentSessions int      `toml:"maxConcurrentSessions"`
	BlockBatchSize        int      `toml:"blockBatchSize"`
	RequestTimeout        Duration `toml:"requestTimeout"`
	// PenaltyThreshold is the number of penalties after which a peer is dropped.
	PenaltyThreshold  int `toml:"penaltyThreshold"`
	BadBlockCacheSize int `toml:"badBlockCacheSize"`
	// WeightProofInterval is the height spacing of sampled headers in a weight proof.
	WeightProofInterval int `toml:"weightProofInterval"`
}

func newDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxConcurrentSessions: constants.DefaultMaxConcurrentSessions,
		BlockBatchSize:        constants.DefaultBlockBatchSize,
		RequestTimeout:        Duration(constants.DefaultRequestTimeout),
		PenaltyThreshold:      constants.DefaultPenaltyThreshold,
		BadBlockCacheSize:     constants.DefaultBadBlockCacheSize,
		WeightProofInterval:   constants.DefaultWeightProofInterval,
	}
}

// DatastoreConfig holds all the configuration options for the datastore.
type DatastoreConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

func newDefaultDatastoreConfig() *DatastoreConfig {
	return &DatastoreConfig{
		Type: "badgerds",
		Path: "badger",
	}
}

// LogConfig sets log levels.
type LogConfig struct {
	Level string `toml:"level"`
	// Subsystems overrides the level per logger name.
	Subsystems map[string]string `toml:"subsystems"`
}

func newDefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      "info",
		Subsystems: map[string]string{},
	}
}

// MetricsConfig holds all configuration options related to node metrics.
type MetricsConfig struct {
	Enabled            bool     `toml:"enabled"`
	PrometheusEndpoint string   `toml:"prometheusEndpoint"`
	ReportInterval     Duration `toml:"reportInterval"`
}

func newDefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:            false,
		PrometheusEndpoint: "127.0.0.1:9400",
		ReportInterval:     Duration(5 * time.Second),
	}
}

// DevnetConfig drives the in-process devnet.
type DevnetConfig struct {
	Farmers    []string `toml:"farmers"`
	PlotSize   uint8    `toml:"plotSize"`
	BlockDelay Duration `toml:"blockDelay"`
}

func newDefaultDevnetConfig() *DevnetConfig {
	return &DevnetConfig{
		Farmers:    []string{"farmer-0", "farmer-1"},
		PlotSize:   constants.DefaultMinPlotSize,
		BlockDelay: Duration(constants.DefaultDevnetBlockDelay),
	}
}

// NewDefaultConfig returns a config object with all the fields filled out to
// their default values.
func NewDefaultConfig() *Config {
	return &Config{
		Consensus: newDefaultConsensusConfig(),
		Sync:      newDefaultSyncConfig(),
		Datastore: newDefaultDatastoreConfig(),
		Log:       newDefaultLogConfig(),
		Metrics:   newDefaultMetricsConfig(),
		Devnet:    newDefaultDevnetConfig(),
	}
}

// Validate checks the config for values the node cannot run with.
func (cfg *Config) Validate() error {
	var merr *multierror.Error
	cc := cfg.Consensus
	if _, err := types.ParseChallenge(cc.GenesisChallenge); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "consensus.genesisChallenge"))
	}
	if cc.MinPlotSize == 0 || cc.MinPlotSize > cc.MaxPlotSize || cc.MaxPlotSize > constants.MaxSupportedPlotSize {
		merr = multierror.Append(merr, errors.Errorf("consensus: invalid plot size range [%d, %d]", cc.MinPlotSize, cc.MaxPlotSize))
	}
	if cc.ChallengeMatchBits > 16 || cc.ChallengeMatchBits >= cc.MinPlotSize {
		merr = multierror.Append(merr, errors.Errorf("consensus.challengeMatchBits %d out of range", cc.ChallengeMatchBits))
	}
	if cc.MinBlockIterations == 0 {
		merr = multierror.Append(merr, errors.New("consensus.minBlockIterations must be positive"))
	}
	if cc.OrphanPoolSize < 0 {
		merr = multierror.Append(merr, errors.New("consensus.orphanPoolSize must not be negative"))
	}
	sc := cfg.Sync
	if sc.MaxConcurrentSessions < 1 || sc.BlockBatchSize < 1 || sc.WeightProofInterval < 1 {
		merr = multierror.Append(merr, errors.New("sync: sessions, batch size and weight proof interval must be positive"))
	}
	if sc.PenaltyThreshold < 1 || sc.BadBlockCacheSize < 1 {
		merr = multierror.Append(merr, errors.New("sync: penalty threshold and bad block cache size must be positive"))
	}
	switch cfg.Datastore.Type {
	case "badgerds", "memory":
	default:
		merr = multierror.Append(merr, errors.Errorf("datastore.type %q unknown", cfg.Datastore.Type))
	}
	return merr.ErrorOrNil()
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(*cfg); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// ReadFile reads a config file from disk. Missing keys keep their defaults.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	cfg := NewDefaultConfig()
	if _, err := toml.DecodeReader(f, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", file)
	}

	return cfg, nil
}
