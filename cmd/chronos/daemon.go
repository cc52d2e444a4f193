package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/spacetime-network/chronos/pkg/chainsync/exchange"
	"github.com/spacetime-network/chronos/pkg/clock"
	"github.com/spacetime-network/chronos/pkg/metrics"
	"github.com/spacetime-network/chronos/pkg/node"
	"github.com/spacetime-network/chronos/pkg/repo"
)

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "start a long-running full node",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "peer-id",
			Usage: "identity announced in weight claims, random when empty",
		},
		&cli.StringFlag{
			Name:  "journal",
			Usage: "file to append head changes to as ndjson",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, err := repo.OpenFSRepo(cctx.String(repoFlag.Name))
		if err != nil {
			return err
		}
		// The only error Close can return is that the repo has already been closed.
		defer func() {
			_ = rep.Close()
		}()

		cfg := rep.Config()
		if err := setupLogging(cfg.Log); err != nil {
			return errors.Wrap(err, "invalid log config")
		}

		id := peer.ID(cctx.String("peer-id"))
		if id == "" {
			id = peer.ID("chronos-" + uuid.New().String())
		}

		// Peers are reached through the loopback directory until a network
		// transport registers them; the node only serves itself here.
		network := exchange.NewLoopback()
		nd, err := node.New(ctx, id, rep, clock.NewSystemClock(), network)
		if err != nil {
			return err
		}
		network.Register(id, nd.Server())

		if cfg.Metrics.Enabled {
			srv, err := metrics.RegisterPrometheusEndpoint(cfg.Metrics)
			if err != nil {
				return errors.Wrap(err, "failed to setup metrics")
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics endpoint: %s", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Infof("serving metrics on %s/metrics", cfg.Metrics.PrometheusEndpoint)
		}

		var jrnl *journal
		if path := cctx.String("journal"); path != "" {
			if jrnl, err = newJournal(path); err != nil {
				return errors.Wrap(err, "failed to open journal")
			}
			defer func() {
				_ = jrnl.Close()
			}()
		}

		if err := nd.Start(ctx); err != nil {
			return err
		}
		head := nd.Engine().Head()
		log.Infof("node %s running, head %s at height %d", id, head.Hash().ShortString(), head.Height)

		for ev := range nd.Engine().Events(ctx) {
			log.Infof("new head %s at height %d (dropped %d, added %d)",
				ev.NewHead.Hash().ShortString(), ev.NewHead.Height, len(ev.Rollback), len(ev.Rollforward))
			if jrnl != nil {
				jrnl.recordHeadChange(ev)
			}
		}

		log.Infof("shutting down node %s", id)
		return nd.Stop(context.Background())
	},
}
