package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/devnet"
	"github.com/spacetime-network/chronos/pkg/engine"
	"github.com/spacetime-network/chronos/pkg/testhelpers"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
)

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{"chronos"}, args...))
	return out.String(), err
}

func TestInitAndInspectChain(t *testing.T) {
	tf.UnitTest(t)
	dir := filepath.Join(t.TempDir(), "repo")

	out, err := run(t, "--repo", dir, "init", "--genesis-timestamp", "1600000000")
	require.NoError(t, err)
	cc := config.NewDefaultConfig().Consensus
	cc.GenesisTimestamp = 1600000000
	genesis, err := cc.Genesis()
	require.NoError(t, err)
	assert.Contains(t, out, "genesis "+genesis.Hash().String())

	out, err = run(t, "--repo", dir, "chain", "head")
	require.NoError(t, err)
	assert.Contains(t, out, "height:     0")
	assert.Contains(t, out, "ago)")

	out, err = run(t, "--repo", dir, "chain", "weight")
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))

	_, err = run(t, "--repo", dir, "chain", "get", strings.Repeat("00", 32))
	assert.Error(t, err)

	_, err = run(t, "--repo", dir, "init")
	assert.Error(t, err)
}

func TestChainRequiresRepo(t *testing.T) {
	tf.UnitTest(t)
	_, err := run(t, "--repo", t.TempDir(), "chain", "head")
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	tf.UnitTest(t)
	gen, err := testhelpers.TestConsensusConfig().Genesis()
	require.NoError(t, err)
	blocks := testhelpers.FakeChain(gen, 3, 100, "farmer")
	fork := testhelpers.FakeChild(gen, 100, "other")

	var out bytes.Buffer
	printSummary(&out, &devnet.Summary{
		Produced:     blocks,
		ProducerHead: blocks[2],
		FollowerHead: blocks[2],
		Span:         90 * time.Second,
	})
	text := stripansi.Strip(out.String())
	assert.Contains(t, text, "produced 3 blocks spanning 1 minute 30 seconds of chain time")
	assert.Contains(t, text, "follower head "+blocks[2].Hash().String()+" (converged)")

	out.Reset()
	printSummary(&out, &devnet.Summary{ProducerHead: blocks[2], FollowerHead: fork})
	assert.Contains(t, stripansi.Strip(out.String()), "(diverged)")
}

func TestBlockAge(t *testing.T) {
	tf.UnitTest(t)
	gen, err := testhelpers.TestConsensusConfig().Genesis()
	require.NoError(t, err)
	created := time.Unix(int64(gen.Timestamp), 0)

	assert.Equal(t, "3 hours", blockAge(gen, created.Add(3*time.Hour)))
	assert.Equal(t, "Less than a second", blockAge(gen, created.Add(-time.Minute)))
}

func TestJournalRecordsHeadChanges(t *testing.T) {
	tf.UnitTest(t)
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	j, err := newJournal(path)
	require.NoError(t, err)

	gen, err := testhelpers.TestConsensusConfig().Genesis()
	require.NoError(t, err)
	blocks := testhelpers.FakeChain(gen, 2, 100, "farmer")
	j.recordHeadChange(&engine.ReorgEvent{OldHead: gen, NewHead: blocks[1], Rollforward: blocks})
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() // nolint: errcheck
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
	assert.Equal(t, "head_changed", entry["_event"])
	assert.Equal(t, "chain", entry["_topic"])
	assert.Equal(t, blocks[1].Hash().String(), entry["new"])
	assert.EqualValues(t, 2, entry["height"])
	assert.EqualValues(t, 2, entry["rollforward"])
	assert.False(t, sc.Scan())
}
