// Package log gives every MAC package a named, leveled logger backed by
// gopkg.in/op/go-logging.v1, configured once at process start.
package log

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var format = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} %{module}: %{color:reset}%{message}`,
)

func init() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.INFO, "")
	logging.SetBackend(leveled)
}

// New returns a logger for the given module name, e.g. "mac/phase/timesync".
func New(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

// SetLevel changes the global minimum log level, e.g. for tests that want
// DEBUG output or production builds that want to suppress it.
func SetLevel(level logging.Level) {
	logging.SetLevel(level, "")
}
