package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/constants"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
)

func TestDefaults(t *testing.T) {
	tf.UnitTest(t)

	cfg := NewDefaultConfig()

	assert.Equal(t, constants.DefaultGenesisChallenge, cfg.Consensus.GenesisChallenge)
	assert.Equal(t, constants.DefaultMaxFutureDrift, cfg.Consensus.MaxFutureDrift.Duration())
	assert.Equal(t, "badgerds", cfg.Datastore.Type)
	assert.NoError(t, cfg.Validate())
}

func TestConfigRoundtrip(t *testing.T) {
	tf.UnitTest(t)

	dir := t.TempDir()
	cfgpath := filepath.Join(dir, "config.toml")

	cfg := NewDefaultConfig()
	cfg.Consensus.Difficulty = 1234
	cfg.Sync.RequestTimeout = Duration(3 * time.Second)
	cfg.Log.Subsystems["chainsync"] = "debug"
	require.NoError(t, cfg.WriteFile(cfgpath))

	content, err := ioutil.ReadFile(cfgpath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `requestTimeout = "3s"`)

	cfgout, err := ReadFile(cfgpath)
	require.NoError(t, err)
	assert.Equal(t, cfg, cfgout)
}

func TestReadFileKeepsDefaults(t *testing.T) {
	tf.UnitTest(t)

	cfgpath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, ioutil.WriteFile(cfgpath, []byte("[consensus]\ndifficulty = 7\n"), 0644))

	cfg, err := ReadFile(cfgpath)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cfg.Consensus.Difficulty)
	assert.Equal(t, constants.DefaultMinBlockIterations, cfg.Consensus.MinBlockIterations)
	assert.Equal(t, constants.DefaultBlockBatchSize, cfg.Sync.BlockBatchSize)
}

func TestReadFileErrors(t *testing.T) {
	tf.UnitTest(t)

	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	cfgpath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, ioutil.WriteFile(cfgpath, []byte("[consensus\n"), 0644))
	_, err = ReadFile(cfgpath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tf.UnitTest(t)

	cfg := NewDefaultConfig()
	cfg.Consensus.GenesisChallenge = "zz"
	cfg.Consensus.MinPlotSize = 30
	cfg.Datastore.Type = "leveldb"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "genesisChallenge")
	assert.Contains(t, err.Error(), "plot size")
	assert.Contains(t, err.Error(), "leveldb")
}

func TestGenesisFromConfig(t *testing.T) {
	tf.UnitTest(t)

	cfg := NewDefaultConfig()
	a, err := cfg.Consensus.Genesis()
	require.NoError(t, err)
	b, err := cfg.Consensus.Genesis()
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())

	cfg.Consensus.GenesisChallenge = "00"
	_, err = cfg.Consensus.Genesis()
	assert.Error(t, err)
}
