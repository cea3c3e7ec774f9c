package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/saga-orchestrator/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev runs at debug,
// prod at info, and test discards output so assertions stay readable.
func SetupLogger(cfg config.Config) *slog.Logger {
	var out io.Writer = os.Stdout
	level := slog.LevelInfo
	switch {
	case cfg.IsDev():
		level = slog.LevelDebug
	case cfg.IsTest():
		out = io.Discard
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
