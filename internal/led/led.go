// Package led drives a status LED that mirrors the upstream connection.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package led

import (
	"log/slog"

	"github.com/sweeney/push-coordinator/internal/connection"
)

// Indicator is a single on/off output.
type Indicator interface {
	// Set drives the output high (on) or low.
	Set(on bool) error

	// Close turns the output off and releases it.
	Close() error
}

// Source reports connection state changes; *coordinator.Coordinator implements it.
type Source interface {
	State() connection.State
	OnStateChange(fn func(connection.State))
}

// Follow lights ind while src is STREAMING and turns it off otherwise.
// Set errors are logged, never returned: a broken LED must not stop ingestion.
func Follow(src Source, ind Indicator, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	apply := func(s connection.State) {
		if err := ind.Set(s == connection.StateStreaming); err != nil {
			logger.Warn("led update failed", "state", s.String(), "error", err)
		}
	}
	src.OnStateChange(apply)
	apply(src.State())
}
