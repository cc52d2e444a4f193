package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacetime-network/chronos/pkg/engine"
)

// journal records head changes as ndjson, one object per event.
type journal struct {
	logger *zap.Logger
}

func newJournal(path string) (*journal, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "json"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.LevelKey = ""
	zapCfg.EncoderConfig.CallerKey = ""
	zapCfg.EncoderConfig.StacktraceKey = ""
	zapCfg.EncoderConfig.MessageKey = "_event"
	zapCfg.EncoderConfig.NameKey = "_topic"
	zapCfg.OutputPaths = []string{path}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return &journal{logger: logger.Named("chain")}, nil
}

func (j *journal) recordHeadChange(ev *engine.ReorgEvent) {
	j.logger.Sugar().Infow("head_changed",
		"old", ev.OldHead.Hash().String(),
		"new", ev.NewHead.Hash().String(),
		"height", int64(ev.NewHead.Height),
		"rollback", len(ev.Rollback),
		"rollforward", len(ev.Rollforward),
	)
}

func (j *journal) Close() error {
	return j.logger.Sync()
}
