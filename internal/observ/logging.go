package observ

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Logger returns the process-wide structured logger, initializing it with
// a JSON writer with Unix-millisecond timestamps on first use.
func Logger() zerolog.Logger {
	once.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
	return logger
}

// Log emits a structured event with a flat key/value bag, preserving the
// teacher's event+kv call shape (internal/observ/logging.go) on top of
// zerolog instead of fmt.Println(json.Marshal(...)).
func Log(event string, kv map[string]any) {
	evt := Logger().Info().Str("event", event)
	for k, v := range kv {
		evt = evt.Interface(k, v)
	}
	evt.Send()
}

// LogErr emits a structured event at error level with an attached cause.
func LogErr(event string, err error, kv map[string]any) {
	evt := Logger().Error().Str("event", event).Err(err)
	for k, v := range kv {
		evt = evt.Interface(k, v)
	}
	evt.Send()
}
