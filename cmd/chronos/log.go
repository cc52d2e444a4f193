package main

import (
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacetime-network/chronos/pkg/config"
)

// setupLogging applies the [log] section: the default level for every
// subsystem, then the per subsystem overrides.
func setupLogging(cfg *config.LogConfig) error {
	if cfg.Level != "" {
		lvl, err := logging.LevelFromString(strings.ToLower(cfg.Level))
		if err != nil {
			return err
		}
		logging.SetAllLoggers(lvl)
	}
	for system, level := range cfg.Subsystems {
		if err := logging.SetLogLevel(system, strings.ToLower(level)); err != nil {
			return err
		}
	}
	return nil
}
