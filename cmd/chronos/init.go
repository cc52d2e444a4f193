package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/repo"
)

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "initialize a chronos repo",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "genesis-challenge",
			Usage: "hex encoded challenge the genesis block is built from",
		},
		&cli.Uint64Flag{
			Name:  "genesis-timestamp",
			Usage: "unix time stamped on the genesis block",
		},
		&cli.StringFlag{
			Name:  "datastore",
			Usage: "chain datastore type, one of badgerds, memory",
			Value: "badgerds",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := config.NewDefaultConfig()
		if v := cctx.String("genesis-challenge"); v != "" {
			cfg.Consensus.GenesisChallenge = v
		}
		if cctx.IsSet("genesis-timestamp") {
			cfg.Consensus.GenesisTimestamp = cctx.Uint64("genesis-timestamp")
		}
		cfg.Datastore.Type = cctx.String("datastore")

		repoDir := cctx.String(repoFlag.Name)
		log.Infof("initializing repo at '%s'", repoDir)
		if err := repo.InitFSRepo(repoDir, cfg); err != nil {
			return err
		}
		genesis, err := cfg.Consensus.Genesis()
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "initialized repo at %s, genesis %s\n", repoDir, genesis.Hash()) // nolint: errcheck
		return nil
	},
}
