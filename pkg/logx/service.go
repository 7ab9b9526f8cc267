package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./cartwatch.log"

// Service owns the sinks. Apply swaps them atomically; Loggers obtained from
// the Service pick up the change on their next line.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	file   *os.File
	alerts *alerter

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service, applies cfg and returns its root Logger. sender
// may be nil and set later with SetAlertSender.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	setGlobals()
	s := &Service{alerts: newAlerter(sender)}
	boot := zerolog.New(consoleWriter(os.Stdout)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{src: s.current} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetAlertSender swaps the alert destination. nil stops delivery.
func (s *Service) SetAlertSender(sender AlertSender) { s.alerts.setSender(sender) }

// Apply reconfigures level and sinks. A file that cannot be opened is
// reported on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.alerts.configure(cfg.Alerts)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.Alerts.Enabled {
		sinks = append(sinks, s.alerts)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close flushes pending alerts (bounded) and closes the log file. Loggers
// keep working afterwards and write to the console only.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts.close()
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	fallback := zerolog.New(consoleWriter(os.Stdout)).Level(parseLevel(s.cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&fallback)
	return err
}
