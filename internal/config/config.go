package config

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbose enables debug output when true
var Verbose bool

var (
	loggerOnce sync.Once
	logger     *zap.Logger
)

// Logger returns the process logger. It logs at debug level when Verbose is
// set and at warn level otherwise. The first call fixes the level.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if Verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}

// Debugf prints debug messages when Verbose is true
func Debugf(format string, args ...any) {
	if Verbose {
		Logger().Sugar().Debugf(format, args...)
	}
}

// Settings holds the tunables shared by the CLI and the TUI.
type Settings struct {
	// MTU is requested right after the link comes up.
	MTU int
	// ScanTimeout bounds a scan started from the command line.
	ScanTimeout time.Duration
	// OperationTimeout fails an in-flight GATT operation that never completes.
	// Zero disables the watchdog.
	OperationTimeout time.Duration
	// ProvisionTimeout bounds the whole connect/send/wait sequence.
	ProvisionTimeout time.Duration
}

// DefaultSettings returns the settings used when no flags override them.
func DefaultSettings() Settings {
	return Settings{
		MTU:              517,
		ScanTimeout:      10 * time.Second,
		OperationTimeout: 10 * time.Second,
		ProvisionTimeout: 60 * time.Second,
	}
}
