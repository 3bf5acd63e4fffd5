package cli

import (
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// setMaxProcs configures runtime.GOMAXPROCS from the container CPU quota
// once at startup. Unlike a long-running server, this CLI is a single
// short-lived invocation, so there is no periodic re-poll: the quota is
// read once, before the command's Action runs, and that is the whole of
// its lifetime.
func setMaxProcs(log zerolog.Logger) {
	// undo is intentionally not deferred: GOMAXPROCS should stay at the
	// container-aware value for the rest of this process's short life.
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("failed to set GOMAXPROCS")
	}
}
