// Package logging provides the structured, level-filtered logger shared by
// every component of this daemon, backed by logrus as the teacher's own
// logger package is.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Level mirrors the teacher's own Level enum, trimmed to the values this
// daemon actually emits.
type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) logrus() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger is the subset of logging operations used across this codebase.
type Logger interface {
	SetLevel(lvl Level)
	GetLevel() Level
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warning(msg string, args ...any)
	Error(msg string, args ...any)
	CheckError(lvlKO, lvlOK Level, msg string, err error) bool
	// Reopen closes and reopens the underlying file sink, used on SIGHUP.
	Reopen() error
}

type lgr struct {
	mu  sync.RWMutex
	log *logrus.Logger
	fields logrus.Fields
	sink   *fileSink
}

// fileSink wraps a reopenable file handle, the way the teacher's
// logger/hookfile.go reopens its sink on signal.
type fileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func (f *fileSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return len(p), nil
	}
	return f.file.Write(p)
}

func (f *fileSink) reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path == "" {
		return nil
	}
	nf, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	old := f.file
	f.file = nf
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// New builds a logger that writes colorized text to stdout and, when
// filePath is non-empty, also appends to a reopenable log file.
func New(level Level, filePath string) Logger {
	l := logrus.New()
	l.SetLevel(level.logrus())
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: color.NoColor,
	})

	var sink *fileSink
	if filePath != "" {
		sink = &fileSink{path: filePath}
		_ = sink.reopen()
		l.SetOutput(io.MultiWriter(os.Stdout, sink))
	} else {
		l.SetOutput(os.Stdout)
	}

	return &lgr{log: l, fields: logrus.Fields{}, sink: sink}
}

func (g *lgr) SetLevel(lvl Level) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.SetLevel(lvl.logrus())
}

func (g *lgr) GetLevel() Level {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch g.log.GetLevel() {
	case logrus.DebugLevel:
		return DebugLevel
	case logrus.WarnLevel:
		return WarnLevel
	case logrus.ErrorLevel:
		return ErrorLevel
	case logrus.FatalLevel:
		return FatalLevel
	default:
		return InfoLevel
	}
}

func (g *lgr) clone() *lgr {
	return &lgr{log: g.log, fields: g.fields, sink: g.sink}
}

func (g *lgr) WithField(key string, value any) Logger {
	n := g.clone()
	n.fields = logrus.Fields{}
	for k, v := range g.fields {
		n.fields[k] = v
	}
	n.fields[key] = value
	return n
}

func (g *lgr) WithFields(fields map[string]any) Logger {
	n := g.clone()
	n.fields = logrus.Fields{}
	for k, v := range g.fields {
		n.fields[k] = v
	}
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

func (g *lgr) entry() *logrus.Entry {
	return g.log.WithFields(g.fields)
}

func (g *lgr) Debug(msg string, args ...any)   { g.entry().Debugf(msg, args...) }
func (g *lgr) Info(msg string, args ...any)    { g.entry().Infof(msg, args...) }
func (g *lgr) Warning(msg string, args ...any) { g.entry().Warnf(msg, args...) }
func (g *lgr) Error(msg string, args ...any)   { g.entry().Errorf(msg, args...) }

// CheckError logs at lvlKO if err is non-nil and at lvlOK otherwise,
// returning whether err was nil.
func (g *lgr) CheckError(lvlKO, lvlOK Level, msg string, err error) bool {
	if err != nil {
		g.logAt(lvlKO, msg+": "+err.Error())
		return false
	}
	g.logAt(lvlOK, msg)
	return true
}

func (g *lgr) logAt(lvl Level, msg string) {
	switch lvl {
	case DebugLevel:
		g.Debug(msg)
	case WarnLevel:
		g.Warning(msg)
	case ErrorLevel:
		g.Error(msg)
	default:
		g.Info(msg)
	}
}

func (g *lgr) Reopen() error {
	if g.sink == nil {
		return nil
	}
	return g.sink.reopen()
}
