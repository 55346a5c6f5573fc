package testutil

import (
	"testing"

	"github.com/rs/zerolog"

	"holonet/internal/logging"
)

// StartLog configures test logging and returns a logger tagged with the
// running test.
func StartLog(t testing.TB) zerolog.Logger {
	t.Helper()
	logger := logging.ConfigureTests().With().Str("test", t.Name()).Logger()
	logger.Debug().Msg("test start")
	return logger
}
