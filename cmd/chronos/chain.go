package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/spacetime-network/chronos/pkg/chainsync/exchange"
	"github.com/spacetime-network/chronos/pkg/clock"
	"github.com/spacetime-network/chronos/pkg/node"
	"github.com/spacetime-network/chronos/pkg/repo"
	"github.com/spacetime-network/chronos/pkg/types"
)

var chainCmd = &cli.Command{
	Name:  "chain",
	Usage: "inspect the chain stored in the repo",
	Subcommands: []*cli.Command{
		chainHeadCmd,
		chainGetCmd,
		chainWeightCmd,
	},
}

var chainHeadCmd = &cli.Command{
	Name:  "head",
	Usage: "print the canonical head",
	Action: func(cctx *cli.Context) error {
		return withNode(cctx, func(nd *node.Node) error {
			printBlock(cctx.App.Writer, nd.Engine().Head())
			return nil
		})
	},
}

var chainGetCmd = &cli.Command{
	Name:      "get",
	Usage:     "print an indexed block",
	ArgsUsage: "<hash>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return errors.New("expected one block hash")
		}
		h, err := types.ParseHash(cctx.Args().First())
		if err != nil {
			return err
		}
		return withNode(cctx, func(nd *node.Node) error {
			blk, err := nd.Engine().BlockByHash(h)
			if err != nil {
				return err
			}
			printBlock(cctx.App.Writer, blk)
			return nil
		})
	},
}

var chainWeightCmd = &cli.Command{
	Name:      "weight",
	Usage:     "print the weight of the canonical chain at a height, the head by default",
	ArgsUsage: "[height]",
	Action: func(cctx *cli.Context) error {
		return withNode(cctx, func(nd *node.Node) error {
			height := nd.Engine().Head().Height
			if cctx.NArg() > 0 {
				v, err := strconv.ParseInt(cctx.Args().First(), 10, 64)
				if err != nil {
					return errors.Wrap(err, "invalid height")
				}
				height = abi.ChainEpoch(v)
			}
			w, err := nd.Engine().WeightAtHeight(height)
			if err != nil {
				return err
			}
			fmt.Fprintln(cctx.App.Writer, w.String()) // nolint: errcheck
			return nil
		})
	},
}

// withNode loads the repo's chain without starting sync. It takes the repo
// lock, so it fails while a daemon runs on the same repo.
func withNode(cctx *cli.Context, fn func(nd *node.Node) error) error {
	rep, err := repo.OpenFSRepo(cctx.String(repoFlag.Name))
	if err != nil {
		return err
	}
	defer func() {
		_ = rep.Close()
	}()

	ctx := cctx.Context
	if ctx == nil {
		ctx = context.Background()
	}
	nd, err := node.New(ctx, "local", rep, clock.NewSystemClock(), exchange.NewLoopback())
	if err != nil {
		return err
	}
	defer func() {
		_ = nd.Stop(ctx)
	}()
	return fn(nd)
}

func printBlock(w io.Writer, blk *types.BlockRecord) {
	fmt.Fprintf(w, "hash:       %s\n", blk.Hash())                                        // nolint: errcheck
	fmt.Fprintf(w, "parent:     %s\n", blk.Parent)                                        // nolint: errcheck
	fmt.Fprintf(w, "height:     %d\n", blk.Height)                                        // nolint: errcheck
	fmt.Fprintf(w, "timestamp:  %d (%s ago)\n", blk.Timestamp, blockAge(blk, time.Now())) // nolint: errcheck
	fmt.Fprintf(w, "iterations: %d (total %d)\n", blk.Iterations(), blk.TotalIterations)  // nolint: errcheck
	fmt.Fprintf(w, "weight:     %s\n", blk.Weight())                                      // nolint: errcheck
}

func blockAge(blk *types.BlockRecord, now time.Time) string {
	age := now.Sub(time.Unix(int64(blk.Timestamp), 0))
	if age < 0 {
		age = 0
	}
	return units.HumanDuration(age)
}
