package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/spacetime-network/chronos/pkg/constants"
)

var log = logging.Logger("cmd")

// defaultRepoDir is used when neither --repo nor CHRONOS_PATH is set.
const defaultRepoDir = "~/.chronos"

var repoFlag = &cli.StringFlag{
	Name:    "repo",
	EnvVars: []string{"CHRONOS_PATH"},
	Value:   defaultRepoDir,
	Usage:   "set the repo directory",
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "chronos",
		Usage:                "proof of space and time full node",
		Version:              constants.Version,
		EnableBashCompletion: true,
		Flags:                []cli.Flag{repoFlag},
		Commands: []*cli.Command{
			initCmd,
			daemonCmd,
			devnetCmd,
			chainCmd,
		},
	}
}

func main() {
	app := newApp()
	app.Setup()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err) // nolint: errcheck
		os.Exit(1)
	}
}
