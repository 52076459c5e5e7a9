// Package display is the read-only presentation sink: once per cycle it
// receives a frame of current indicators and renders it best-effort.
// Dropped or failed frames never affect the monitoring loop.
package display

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-monitor/internal/metrics"
)

// Row is one instrument's line in a frame.
type Row struct {
	Code        string
	Name        string
	Price       decimal.Decimal
	ChangePct   decimal.Decimal
	Velocity    metrics.Value
	VolumeRatio metrics.Value
	Status      string
	// StaleCycles counts consecutive polls without an update; lets an
	// operator tell a quiet market from a feed problem.
	StaleCycles int
}

// Frame is the per-cycle view of the whole pool.
type Frame struct {
	At           time.Time
	SentimentPct metrics.Value
	Rows         []Row
}

// Sink receives frames.
type Sink interface {
	Render(frame Frame)
}

// Console writes frames as a table. Errors are swallowed; presentation is
// best-effort by contract.
type Console struct {
	out    io.Writer
	logger zerolog.Logger
}

// NewConsole constructs a console sink writing to stdout by default.
func NewConsole(out io.Writer, logger zerolog.Logger) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out, logger: logger.With().Str("component", "display").Logger()}
}

// Render prints one frame.
func (c *Console) Render(frame Frame) {
	writer := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)

	sentiment := "N/A"
	if frame.SentimentPct.Defined {
		sentiment = frame.SentimentPct.Val.StringFixed(2) + "%"
	}
	fmt.Fprintf(writer, "== %s  市场情绪 %s ==\n", frame.At.Format("15:04:05"), sentiment)
	fmt.Fprintln(writer, "代码\t名称\t现价\t涨跌幅\t3分涨速\t量比\t状态\t数据")

	for _, row := range frame.Rows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s%%\t%s\t%s\t%s\t%s\n",
			row.Code,
			row.Name,
			row.Price.StringFixed(2),
			row.ChangePct.StringFixed(2),
			formatValue(row.Velocity, "%"),
			formatValue(row.VolumeRatio, ""),
			row.Status,
			freshness(row.StaleCycles),
		)
	}

	if err := writer.Flush(); err != nil {
		c.logger.Debug().Err(err).Msg("frame dropped")
	}
}

func formatValue(v metrics.Value, suffix string) string {
	if !v.Defined {
		return "-"
	}
	return v.Val.StringFixed(2) + suffix
}

func freshness(staleCycles int) string {
	if staleCycles <= 0 {
		return "ok"
	}
	return fmt.Sprintf("无更新 x%d", staleCycles)
}

var _ Sink = (*Console)(nil)
