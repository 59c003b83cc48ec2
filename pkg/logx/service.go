package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects the sinks. With neither console nor file enabled, logs go
// to stderr in the console format.
type Config struct {
	Level string
	// Format is "console" (human readable, the default) or "json". It applies
	// to stderr only; the file sink always writes JSON lines.
	Format  string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./fanout.log"
)

func init() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}

// Service owns the sinks behind every Logger it hands out, so Apply can
// swap level and outputs without rebuilding loggers.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns its root logger. A file sink
// that cannot be opened is reported on the returned logger and skipped.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	zl := zerolog.New(stderrWriter(cfg.Format)).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
	l := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		l.Warn("log file sink disabled", Err(err))
	}
	return s, l
}

func (s *Service) current() *zerolog.Logger { return s.root.Load() }

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply replaces level and sinks. The previous file is closed after the new
// sinks are live. On a file error the other sinks are still applied.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sinks   []io.Writer
		openErr error
		file    *os.File
	)
	if cfg.Console {
		sinks = append(sinks, stderrWriter(cfg.Format))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = fmt.Errorf("logx: open %q: %w", path, err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, stderrWriter(cfg.Format))
	}

	var w io.Writer = sinks[0]
	if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	zl := zerolog.New(w).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)

	prev := s.file
	s.file = file
	if prev != nil {
		openErr = errors.Join(openErr, prev.Close())
	}
	return openErr
}

// Close releases the file sink. Loggers keep working on the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	zl := zerolog.New(stderrWriter("")).Level(s.root.Load().GetLevel()).With().Timestamp().Logger()
	s.root.Store(&zl)
	err := s.file.Close()
	s.file = nil
	return err
}

func stderrWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{
		Out:          os.Stderr,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// ParseLevel maps a config level name onto zerolog. Unknown names yield def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	if strings.EqualFold(s, "warning") {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
