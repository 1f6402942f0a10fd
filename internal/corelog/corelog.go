// Package corelog provides the minimal logging seam the core runtime uses
// for diagnostics: request tracing under the debug option, unknown-option
// warnings, and message-loop exit reasons. It exists so embedders can
// redirect or silence this output without the core importing a specific
// structured-logging library.
package corelog

import (
	"log"
	"os"
)

// Logger is the subset of *log.Logger the core depends on.
type Logger interface {
	Printf(format string, v ...interface{})
	Print(v ...interface{})
}

// New returns the default Logger: stderr, standard flags, no prefix.
func New() Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}
