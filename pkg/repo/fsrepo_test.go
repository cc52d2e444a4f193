package repo

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetime-network/chronos/pkg/config"
	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
)

func TestFSRepoInitAndOpen(t *testing.T) {
	tf.UnitTest(t)
	dir := filepath.Join(t.TempDir(), "repo")

	cfg := config.NewDefaultConfig()
	cfg.Sync.BlockBatchSize = 7
	require.NoError(t, InitFSRepo(dir, cfg))

	version, err := ReadVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	r, err := OpenFSRepo(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, r.Config().Sync.BlockBatchSize)
	assert.Equal(t, Version, r.Version())
	path, err := r.Path()
	require.NoError(t, err)
	assert.Equal(t, dir, path)

	ctx := context.Background()
	key := datastore.NewKey("/chain/head")
	require.NoError(t, r.ChainDatastore().Put(ctx, key, []byte("head")))
	require.NoError(t, r.Close())

	r, err = OpenFSRepo(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	val, err := r.ChainDatastore().Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("head"), val)
}

func TestFSRepoIsLocked(t *testing.T) {
	tf.UnitTest(t)
	dir := t.TempDir()
	require.NoError(t, InitFSRepo(dir, config.NewDefaultConfig()))

	r, err := OpenFSRepo(dir)
	require.NoError(t, err)
	_, err = OpenFSRepo(dir)
	assert.Error(t, err)
	require.NoError(t, r.Close())

	r, err = OpenFSRepo(dir)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestFSRepoRefusals(t *testing.T) {
	tf.UnitTest(t)

	t.Run("not initialized", func(t *testing.T) {
		dir := t.TempDir()
		_, err := OpenFSRepo(dir)
		var noRepo *NoRepoError
		require.ErrorAs(t, err, &noRepo)
		assert.Equal(t, dir, noRepo.Path)
	})

	t.Run("non-empty directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "junk"), []byte("x"), 0644))
		assert.Error(t, InitFSRepo(dir, config.NewDefaultConfig()))
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.Datastore.Type = "leveldb"
		assert.Error(t, InitFSRepo(t.TempDir(), cfg))
	})

	t.Run("newer version", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, InitFSRepo(dir, config.NewDefaultConfig()))
		require.NoError(t, WriteVersion(dir, Version+1))
		_, err := OpenFSRepo(dir)
		assert.Error(t, err)
	})
}

func TestFSRepoReplaceConfig(t *testing.T) {
	tf.UnitTest(t)
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Datastore.Type = "memory"
	require.NoError(t, InitFSRepo(dir, cfg))

	r, err := OpenFSRepo(dir)
	require.NoError(t, err)
	next := config.NewDefaultConfig()
	next.Datastore.Type = "memory"
	next.Log.Level = "debug"
	require.NoError(t, r.ReplaceConfig(next))
	require.NoError(t, r.Close())

	r, err = OpenFSRepo(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	assert.Equal(t, "debug", r.Config().Log.Level)
}

func TestMemRepo(t *testing.T) {
	tf.UnitTest(t)
	r := NewInMemoryRepo()
	assert.Equal(t, "memory", r.Config().Datastore.Type)
	assert.NoError(t, r.Config().Validate())

	cfg := config.NewDefaultConfig()
	cfg.Log.Level = "warn"
	require.NoError(t, r.ReplaceConfig(cfg))
	assert.Equal(t, "warn", r.Config().Log.Level)
	require.NoError(t, r.ChainDatastore().Put(context.Background(), datastore.NewKey("k"), []byte("v")))
	assert.NoError(t, r.Close())
}
