package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ZapLogger struct {
	logger *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds the node logger. Both formats write to stdout.
func NewZapLogger(config Config) (Logger, error) {
	var zc zap.Config
	if config.Format == FormatConsole {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if config.File {
		logDir := config.fileDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		started := time.Now().UTC().Format("2006-01-02T15-04-05Z")
		zc.OutputPaths = append(zc.OutputPaths, filepath.Join(logDir, started+".log"))
	}

	return NewZapLoggerByConfig(zc, zap.AddCallerSkip(1))
}

// NewZapLoggerByConfig creates a logger from a raw zap config.
// Callers that want the real call site need zap.AddCallerSkip(1).
func NewZapLoggerByConfig(config zap.Config, options ...zap.Option) (Logger, error) {
	logger, err := config.Build(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return &ZapLogger{logger: logger}, nil
}

func (z *ZapLogger) Debug(msg string, tags ...any) { z.logger.Sugar().Debugw(msg, tags...) }
func (z *ZapLogger) Info(msg string, tags ...any)  { z.logger.Sugar().Infow(msg, tags...) }
func (z *ZapLogger) Warn(msg string, tags ...any)  { z.logger.Sugar().Warnw(msg, tags...) }
func (z *ZapLogger) Error(msg string, tags ...any) { z.logger.Sugar().Errorw(msg, tags...) }
func (z *ZapLogger) Fatal(msg string, tags ...any) { z.logger.Sugar().Fatalw(msg, tags...) }

func (z *ZapLogger) Debugf(template string, args ...interface{}) {
	z.logger.Sugar().Debugf(template, args...)
}

func (z *ZapLogger) Infof(template string, args ...interface{}) {
	z.logger.Sugar().Infof(template, args...)
}

func (z *ZapLogger) Warnf(template string, args ...interface{}) {
	z.logger.Sugar().Warnf(template, args...)
}

func (z *ZapLogger) Errorf(template string, args ...interface{}) {
	z.logger.Sugar().Errorf(template, args...)
}

func (z *ZapLogger) Fatalf(template string, args ...interface{}) {
	z.logger.Sugar().Fatalf(template, args...)
}

func (z *ZapLogger) With(tags ...any) Logger {
	return &ZapLogger{logger: z.logger.Sugar().With(tags...).Desugar()}
}

type loggerManager struct {
	serviceLogger Logger
	once          sync.Once
}

var manager = &loggerManager{}

// InitServiceLogger builds the process-wide logger once.
func InitServiceLogger(config Config) error {
	var err error
	manager.once.Do(func() {
		manager.serviceLogger, err = NewZapLogger(config)
	})
	return err
}

func GetServiceLogger() Logger {
	if manager.serviceLogger == nil {
		panic("logger not initialized")
	}
	return manager.serviceLogger
}

// Shutdown flushes buffered entries
func Shutdown() {
	if zl, ok := manager.serviceLogger.(*ZapLogger); ok && zl != nil {
		// sync errors on stdout are expected
		_ = zl.logger.Sync()
	}
}
