package app

import (
	"context"
	"fmt"
	"time"
)

// Prune trims snapshots older than the requested horizon, clamped so data a
// configured window still needs is never removed.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return fmt.Errorf("--older-than must be greater than zero")
	}

	now := time.Now().UTC()
	horizon := now.Add(-opts.OlderThan)
	if floor := a.Config.RetentionHorizon(now); horizon.After(floor) {
		a.Logger.Warn().
			Time("requested", horizon).
			Time("clamped", floor).
			Msg("horizon clamped to protect configured windows")
		horizon = floor
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	removed, err := store.Prune(ctx, horizon)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("rows", removed).Time("horizon", horizon).Msg("prune complete")
	return nil
}
