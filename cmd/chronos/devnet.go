package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/urfave/cli/v2"
	"gopkg.in/cheggaaa/pb.v1"

	"github.com/spacetime-network/chronos/pkg/config"
	"github.com/spacetime-network/chronos/pkg/devnet"
	"github.com/spacetime-network/chronos/pkg/types"
)

var devnetCmd = &cli.Command{
	Name:  "devnet",
	Usage: "run farmers, a timelord and two nodes in process",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "blocks",
			Usage: "number of blocks to produce",
			Value: 10,
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "config file to read instead of the defaults",
		},
		&cli.StringSliceFlag{
			Name:  "farmers",
			Usage: "farmer names, one plot each",
		},
		&cli.UintFlag{
			Name:  "plot-size",
			Usage: "plot size parameter k of every farmer",
		},
		&cli.BoolFlag{
			Name:  "no-progress",
			Usage: "do not draw a progress bar",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := config.NewDefaultConfig()
		if path := cctx.String("config"); path != "" {
			var err error
			if cfg, err = config.ReadFile(path); err != nil {
				return err
			}
		}
		cfg.Datastore.Type = "memory"
		if farmers := cctx.StringSlice("farmers"); len(farmers) > 0 {
			cfg.Devnet.Farmers = farmers
		}
		if cctx.IsSet("plot-size") {
			cfg.Devnet.PlotSize = uint8(cctx.Uint("plot-size"))
		}
		if err := setupLogging(cfg.Log); err != nil {
			return err
		}

		ctx := cctx.Context
		d, err := devnet.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := d.Close(ctx); err != nil {
				log.Errorf("closing devnet: %s", err)
			}
		}()

		blocks := cctx.Int("blocks")
		var bar *pb.ProgressBar
		if !cctx.Bool("no-progress") && blocks > 0 {
			bar = pb.New(blocks)
			bar.Output = cctx.App.ErrWriter
			bar.ShowTimeLeft = true
			bar.ShowPercent = true
			bar.Start()
			d.OnProduced = func(*types.BlockRecord) {
				bar.Increment()
			}
		}

		summary, err := d.Run(ctx, blocks)
		if bar != nil {
			bar.Finish()
		}
		if err != nil {
			return err
		}
		printSummary(cctx.App.Writer, summary)
		return nil
	},
}

func printSummary(w io.Writer, summary *devnet.Summary) {
	for _, blk := range summary.Produced {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", blk.Height, blk.Hash(), blk.VDF.Iterations, blk.Weight()) // nolint: errcheck
	}
	fmt.Fprintf(w, "produced %d blocks spanning %s of chain time\n", len(summary.Produced), durafmt.Parse(summary.Span)) // nolint: errcheck
	fmt.Fprintf(w, "producer head %s\n", summary.ProducerHead.Hash())                                                    // nolint: errcheck
	if summary.FollowerHead.Hash() == summary.ProducerHead.Hash() {
		color.New(color.FgGreen).Fprintf(w, "follower head %s (converged)\n", summary.FollowerHead.Hash()) // nolint: errcheck
	} else {
		color.New(color.FgRed).Fprintf(w, "follower head %s (diverged)\n", summary.FollowerHead.Hash()) // nolint: errcheck
	}
}
