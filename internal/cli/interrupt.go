package cli

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/mrz1836/buildfarm/internal/signal"
)

// watchInterrupts logs the first interrupt and exits on the second one,
// skipping any cleanup still in progress.
func watchInterrupts(h *signal.Handler, logger zerolog.Logger) {
	go func() {
		select {
		case <-h.Interrupted():
		case <-h.Stopped():
			return
		}
		logger.Warn().Msg("interrupt received: aborting jobs and collecting artifacts (interrupt again to exit now)")

		select {
		case <-h.Forced():
			logger.Error().Msg("second interrupt received, exiting without cleanup")
			CloseLogFile()
			os.Exit(ExitInterrupted)
		case <-h.Stopped():
		}
	}()
}
