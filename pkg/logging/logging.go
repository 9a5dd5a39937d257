// Package logging configures the global zerolog logger and adapts it for the
// libraries that bring their own logger interfaces.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level string `yaml:"level"`
	// Format is "auto", "console" or "json". Auto picks console output when
	// stderr is a terminal.
	Format string `yaml:"format"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "auto"}
}

// Init sets the global level and output of the zerolog logger.
func Init(s Settings) error {
	return InitWithWriter(s, os.Stderr)
}

func InitWithWriter(s Settings, w io.Writer) error {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "auto":
		out = w
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	case "json":
		out = w
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}
