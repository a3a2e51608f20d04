package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Setup builds the root Logging; format is "json" or "terminal".
func Setup(output io.Writer, level zerolog.Level, format string, forceColor bool) *Logging {
	o := output

	if format == "terminal" {
		var useColor bool

		switch {
		case forceColor:
			useColor = true
		case isatty.IsTerminal(os.Stdout.Fd()):
			useColor = true
		}

		o = zerolog.ConsoleWriter{
			Out:        o,
			TimeFormat: time.RFC3339Nano,
			NoColor:    !useColor,
		}
	}

	z := zerolog.New(o).With().Timestamp()

	if level <= zerolog.DebugLevel {
		z = z.Caller().Stack()
	}

	return NewLogging(nil).SetLogger(z.Logger().Level(level))
}
