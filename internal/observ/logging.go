package observ

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout, logrus.InfoLevel)
)

func newLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "event",
		},
	})
	return l
}

// Init replaces the process logger. Output goes to stdout and, when
// cfg.File is set, to a size-rotated file.
func Init(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	var w io.Writer = os.Stdout
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return err
		}
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	SetLogger(newLogger(w, level))
	return nil
}

// SetLogger swaps the process logger. Tests use it to capture output.
func SetLogger(l *logrus.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Logger returns the process logger.
func Logger() *logrus.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log emits an info-level structured event.
func Log(event string, kv map[string]any) {
	Logger().WithFields(logrus.Fields(kv)).Info(event)
}

// Warn emits a warn-level structured event.
func Warn(event string, kv map[string]any) {
	Logger().WithFields(logrus.Fields(kv)).Warn(event)
}

// Error emits an error-level structured event.
func Error(event string, err error, kv map[string]any) {
	entry := Logger().WithFields(logrus.Fields(kv))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(event)
}
