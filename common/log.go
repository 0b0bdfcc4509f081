package common

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var once sync.Once
var fallback *zap.Logger = nil

// ZkLoggerAdapter bridges the zookeeper client's printf-style logging into
// the structured logger its owning shard client was configured with, so
// ensemble chatter lands in the same stream as the client's own events.
type ZkLoggerAdapter struct {
	log *zap.SugaredLogger
}

// NewZkLoggerAdapter wraps log; a nil log falls back to the package
// default.
func NewZkLoggerAdapter(log *zap.Logger) *ZkLoggerAdapter {
	if log == nil {
		log = Log()
	}
	return &ZkLoggerAdapter{log: log.Sugar()}
}

func (a *ZkLoggerAdapter) Printf(fmt string, args ...interface{}) {
	a.log.Infof("[ZooKeeper] "+fmt, args...)
}

func EmptyTimeEncoder(_ time.Time, _ zapcore.PrimitiveArrayEncoder) {
	// do nothing
}

// Log returns the fallback logger, used wherever a configuration carries
// no logger of its own (the optional log config key).
func Log() *zap.Logger {
	once.Do(func() {
		loggerConfig := zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig.EncodeTime = EmptyTimeEncoder
		loggerConfig.EncoderConfig.EncodeCaller = nil
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err := loggerConfig.Build()
		if err != nil {
			panic(err)
		}
		fallback = l.Named("shardwatch")
	})
	return fallback
}
