package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"quant-monitor/internal/storage"
)

type alertLister interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertEvent, error)
}

// Show prints recent snapshots for one instrument, or recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Alerts {
		return a.showAlerts(ctx, store, opts.Limit)
	}

	if opts.Code == "" {
		return fmt.Errorf("--code is required when listing snapshots")
	}

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Code, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tChange%\tVolume\tTurnover")

	for _, snap := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			snap.TS.UTC().Format(time.RFC3339),
			snap.Price.StringFixed(2),
			snap.ChangePct.StringFixed(2),
			snap.Volume.StringFixed(0),
			snap.Turnover.StringFixed(0),
		)
	}

	return writer.Flush()
}

func (a *App) showAlerts(ctx context.Context, store alertLister, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tCode\tRule\tPrice\tVelocity%\tVolRatio\tReason")

	for _, alert := range alerts {
		velocity := "-"
		if alert.VelocityPct != nil {
			velocity = alert.VelocityPct.StringFixed(2)
		}
		ratio := "-"
		if alert.VolumeRatio != nil {
			ratio = alert.VolumeRatio.StringFixed(2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.FiredAt.UTC().Format(time.RFC3339),
			alert.Code,
			alert.Rule,
			alert.Price.StringFixed(2),
			velocity,
			ratio,
			sanitizeInline(alert.Reason),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
