package core

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelOff:
		return "off"
	default:
		return "unknown"
	}
}

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	// File, when set, receives a copy of every log line.
	File string `yaml:"file,omitempty"`
}

// Logger provides per-component log level filtering.
// Components are free-form tags such as "Route", "DNS" or "Tunnel".
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	out         *log.Logger
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config writing to the standard logger's output.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{out: log.Default()}
	l.Configure(cfg)
	return l
}

// Configure replaces the level configuration in place. Used after the
// config file has been loaded, since Log exists before that.
func (l *Logger) Configure(cfg LogConfig) {
	components := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		components[strings.ToLower(name)] = ParseLevel(level)
	}
	l.mu.Lock()
	l.globalLevel = ParseLevel(cfg.Level)
	l.components = components
	l.mu.Unlock()
}

// SetOutput redirects log output. Tests use it to capture lines.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	l.mu.Unlock()
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

// Enabled reports whether a message at level would be written for tag.
func (l *Logger) Enabled(tag string, level LogLevel) bool {
	return l.levelFor(tag) <= level
}

func (l *Logger) printf(tag, format string, args ...any) {
	l.mu.RLock()
	out := l.out
	l.mu.RUnlock()
	out.Printf("["+tag+"] "+format, args...)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.Enabled(tag, LevelDebug) {
		l.printf(tag, format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	if l.Enabled(tag, LevelInfo) {
		l.printf(tag, format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.Enabled(tag, LevelWarn) {
		l.printf(tag, format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.Enabled(tag, LevelError) {
		l.printf(tag, format, args...)
	}
}

// Fatalf always logs and calls os.Exit(1).
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.printf(tag, format, args...)
	os.Exit(1)
}

// OpenLogFile makes the standard logger write to both stderr and path.
// The returned file must be closed by the caller on shutdown.
func OpenLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	Log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})
