package core

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

// FatalError is the panic value raised by the test fatal handler.
type FatalError struct {
	Message string
}

func (e FatalError) Error() string {
	return e.Message
}

// FatalHandler receives the formatted message of every LogFatal call.
type FatalHandler func(msg string)

var fatalHandler FatalHandler = defaultFatalHandler

func defaultFatalHandler(msg string) {
	getLogger().Helper()
	getLogger().Fatal(msg)
}

// PanicOnFatal replaces process termination with a panic carrying FatalError.
func PanicOnFatal(msg string) {
	panic(FatalError{Message: msg})
}

func getLogger() *logger {
	if singleton == nil {
		once.Do(
			func() {
				l := log.NewWithOptions(os.Stderr, log.Options{
					ReportCaller:    true,
					ReportTimestamp: true,
					TimeFormat:      time.RFC3339,
					Prefix:          "RHI 🏎️ ",
				})
				l.SetLevel(log.DebugLevel)
				singleton = &logger{l}
			})
	}
	return singleton
}

// SetLogLevel accepts debug, info, warn, error or fatal.
func SetLogLevel(level string) error {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	getLogger().SetLevel(lvl)
	return nil
}

func SetLogOutput(w io.Writer) {
	getLogger().SetOutput(w)
}

// SetFatalHandler installs h and returns the previous handler. A nil h restores
// the default, which exits the process.
func SetFatalHandler(h FatalHandler) FatalHandler {
	prev := fatalHandler
	if h == nil {
		h = defaultFatalHandler
	}
	fatalHandler = h
	return prev
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Errorf(msg, args...)
}

func LogFatal(msg string, args ...interface{}) {
	getLogger().Helper()
	fatalHandler(fmt.Sprintf(msg, args...))
}
