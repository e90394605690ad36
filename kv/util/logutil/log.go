// Package logutil sets up the process wide zap logger used through github.com/pingcap/log.
//
// The level comes from the config, which falls back to the `LOG_LEVEL` environment variable.
// When a log file is configured the output is rotated by size.
package logutil

import (
	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogMaxSize = 300 // MB

// InitLogger replaces the global logger according to conf.
func InitLogger(conf *config.Config) error {
	lg, props, err := log.InitLogger(newLogConfig(conf), zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Annotate(err, "initialize logger")
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

func newLogConfig(conf *config.Config) *log.Config {
	cfg := &log.Config{
		Level:  conf.LogLevel,
		Format: "text",
	}
	if conf.LogFile != "" {
		cfg.File = log.FileLogConfig{
			Filename: conf.LogFile,
			MaxSize:  defaultLogMaxSize,
		}
	}
	return cfg
}
