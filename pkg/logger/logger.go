// Package logger configures the process-wide zerolog logger.
// Components obtain a tagged sub-logger via WithComponent; every line
// comes out as "YYYY-MM-DDTHH:MM:SSZ LEVEL component event key=value ...".
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger initialization.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Out is the destination writer. Nil means stderr.
	Out io.Writer
}

var (
	mu   sync.RWMutex
	root zerolog.Logger = newRoot(Config{})
)

// Init installs the root logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) error {
	if cfg.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err != nil {
			return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	mu.Lock()
	root = newRoot(cfg)
	mu.Unlock()
	return nil
}

// WithComponent returns a sub-logger tagged with the component name.
func WithComponent(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

func newRoot(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			level = parsed
		}
	}

	w := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		// The timestamp field arrives as a TimeFieldFormat string; render it
		// in UTC so the trailing Z is accurate.
		FormatTimestamp: func(i interface{}) string {
			s, ok := i.(string)
			if !ok {
				return fmt.Sprint(i)
			}
			ts, err := time.Parse(zerolog.TimeFieldFormat, s)
			if err != nil {
				return s
			}
			return ts.UTC().Format("2006-01-02T15:04:05Z")
		},
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			"component",
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"component"},
		FormatLevel: func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return "INFO"
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("%v", i)
		},
	}

	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
