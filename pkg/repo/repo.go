// Package repo holds everything a node persists: its configuration and the
// datastore the chain index lives in.
package repo

import (
	"github.com/ipfs/go-datastore"

	"github.com/spacetime-network/chronos/pkg/config"
)

// Version is the version of the repo layout.
const Version uint = 1

// Datastore is the datastore interface provided by the repo
type Datastore interface {
	// NB: there are other more featureful interfaces we could require here, we
	// can either force it, or just do hopeful type checks. Not all datastores
	// implement every feature.
	datastore.Batching
}

// Repo is a representation of all persistent data in a chronos node.
type Repo interface {
	Config() *config.Config
	// ReplaceConfig replaces the current config, with the newly passed in one.
	ReplaceConfig(cfg *config.Config) error

	// ChainDatastore stores validated blocks and the head pointer.
	ChainDatastore() Datastore

	// Version returns the current repo version.
	Version() uint

	// Path returns the repo path.
	Path() (string, error)

	// Close shuts down the repo.
	Close() error
}
