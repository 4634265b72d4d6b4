// Package logging wraps logrus with the small interface used across
// gutsberry. Components log through a Logger carrying a "module" field.
//
//	log := logging.Base().With("module", "mempool")
//	log.WithFields(logging.Fields{"tx": id.Short()}).Debug("admitted")
package logging

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level refers to the log logging level
type Level uint32

const (
	// Panic level, highest level of severity.
	Panic Level = iota
	// Fatal level. Logs and then calls os.Exit(1).
	Fatal
	// Error level. Used for errors that should definitely be noted.
	Error
	// Warn level. Non-critical entries that deserve eyes.
	Warn
	// Info level. General operational entries.
	Info
	// Debug level. Very verbose logging.
	Debug
)

// Fields maps logrus fields
type Fields = logrus.Fields

// Logger is the interface for loggers.
type Logger interface {
	Debug(...interface{})
	Debugf(string, ...interface{})
	Info(...interface{})
	Infof(string, ...interface{})
	Warn(...interface{})
	Warnf(string, ...interface{})
	Error(...interface{})
	Errorf(string, ...interface{})
	Fatal(...interface{})
	Fatalf(string, ...interface{})

	// With adds one key-value to every later entry
	With(key string, value interface{}) Logger
	// WithFields adds several key-values to every later entry
	WithFields(Fields) Logger

	SetLevel(Level)
	GetLevel() Level
	IsLevelEnabled(level Level) bool
	SetOutput(io.Writer)
	SetJSONFormatter()
}

type logger struct {
	entry *logrus.Entry
}

var (
	baseLogger Logger
	once       sync.Once
)

// Init sets up the base logger: stderr, Info and above.
func Init() {
	once.Do(func() {
		baseLogger = NewLogger()
	})
}

func init() {
	Init()
}

// Base returns the process-wide logger.
func Base() Logger {
	return baseLogger
}

// NewLogger returns a new Logger writing text to stderr at Info level.
func NewLogger() Logger {
	l := logrus.New()
	if tf, ok := l.Formatter.(*logrus.TextFormatter); ok {
		tf.TimestampFormat = "2006-01-02T15:04:05.000000 -0700"
		tf.FullTimestamp = true
	}
	return logger{entry: logrus.NewEntry(l)}
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.Level = logrus.PanicLevel
	return logger{entry: logrus.NewEntry(l)}
}

// ParseLevel converts a level name such as "info" or "debug".
func ParseLevel(s string) (Level, error) {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return Info, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	if lvl == logrus.TraceLevel {
		lvl = logrus.DebugLevel
	}
	return Level(lvl), nil
}

func (l logger) With(key string, value interface{}) Logger {
	return logger{l.entry.WithField(key, value)}
}

func (l logger) WithFields(fields Fields) Logger {
	return logger{l.entry.WithFields(fields)}
}

func (l logger) Debug(args ...interface{}) {
	l.source().Debug(args...)
}

func (l logger) Debugf(format string, args ...interface{}) {
	l.source().Debugf(format, args...)
}

func (l logger) Info(args ...interface{}) {
	l.source().Info(args...)
}

func (l logger) Infof(format string, args ...interface{}) {
	l.source().Infof(format, args...)
}

func (l logger) Warn(args ...interface{}) {
	l.source().Warn(args...)
}

func (l logger) Warnf(format string, args ...interface{}) {
	l.source().Warnf(format, args...)
}

func (l logger) Error(args ...interface{}) {
	l.source().Error(args...)
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.source().Errorf(format, args...)
}

func (l logger) Fatal(args ...interface{}) {
	l.source().Fatal(args...)
}

func (l logger) Fatalf(format string, args ...interface{}) {
	l.source().Fatalf(format, args...)
}

func (l logger) SetLevel(lvl Level) {
	l.entry.Logger.SetLevel(logrus.Level(lvl))
}

func (l logger) GetLevel() Level {
	return Level(l.entry.Logger.GetLevel())
}

func (l logger) IsLevelEnabled(level Level) bool {
	return l.entry.Logger.IsLevelEnabled(logrus.Level(level))
}

func (l logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

func (l logger) SetJSONFormatter() {
	l.entry.Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000000Z07:00"})
}

// source adds the caller's file and line to the entry.
func (l logger) source() *logrus.Entry {
	if !l.entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return l.entry
	}
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return l.entry
	}
	file = file[strings.LastIndex(file, "/")+1:]
	return l.entry.WithFields(logrus.Fields{"file": file, "line": line})
}
