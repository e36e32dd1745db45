package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/source"
)

// Source kinds accepted by OpenSource.
const (
	SourceLive   = "live"
	SourceLegacy = "legacy"
)

// OpenSource opens the source named kind. file overrides the configured
// legacy export path.
func OpenSource(ctx context.Context, cfg *config.Config, kind, file string, logger *slog.Logger) (source.Source, error) {
	switch kind {
	case SourceLegacy:
		path := file
		if path == "" {
			path = cfg.Source.Legacy.Path
		}
		if path == "" {
			return nil, errors.New("app: legacy source needs a file (--file or source.legacy.path)")
		}
		src, err := source.NewLegacyExport(path, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	case SourceLive:
		live := cfg.Source.Live
		if live.DSN == "" {
			return nil, errors.New("app: live source needs source.live.dsn")
		}
		since, err := live.SinceTime()
		if err != nil {
			return nil, fmt.Errorf("app: source.live.since: %w", err)
		}
		src, err := source.NewLiveStore(ctx, source.LiveConfig{
			DSN:            live.DSN,
			SourceSystemID: live.SourceSystemID,
			ContextID:      live.ContextID,
			Since:          since,
			HintPlatform:   live.HintPlatform,
			Connect: retry.Config{
				MaxAttempts:  live.ConnectAttempts,
				InitialDelay: live.ConnectDelay,
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("app: unknown source %q (want %s or %s)", kind, SourceLive, SourceLegacy)
	}
}
