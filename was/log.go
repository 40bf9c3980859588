package was

import (
	"log"
	"os"
)

// Logger is the logging interface used throughout the was package.
//
// Mirrors fasthttp.Logger: a single printf-shaped method, so any
// existing structured logger can be adapted with a one-line shim.
type Logger interface {
	Printf(format string, args ...any)
}

// defaultLogger adapts the standard library logger to Logger, the
// same role fasthttp's defaultLogger plays for Server.Logger.
type defaultLogger struct {
	*log.Logger
}

func (d defaultLogger) Printf(format string, args ...any) {
	d.Logger.Printf(format, args...)
}

var stdLogger Logger = defaultLogger{log.New(os.Stderr, "", log.LstdFlags)}
