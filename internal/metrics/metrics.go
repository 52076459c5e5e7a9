// Package metrics derives trailing-window indicators from stored snapshot
// history. Every indicator is a pure function of the store contents at
// evaluation time; the engine performs one range scan per instrument per
// cycle and computes all indicator families from that slice.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-monitor/internal/storage"
)

// Value is an indicator result that may legitimately be undefined
// (insufficient history, session rollover, absent baseline). Rules that
// reference an undefined value must not fire; the value never carries
// NaN or infinity.
type Value struct {
	Val     decimal.Decimal
	Defined bool
}

// Defined wraps a concrete indicator value.
func Defined(v decimal.Decimal) Value {
	return Value{Val: v, Defined: true}
}

// Undefined is the silent "insufficient data" state.
func Undefined() Value {
	return Value{}
}

// DigestPoint is one sampled entry of the intraday trajectory digest.
// Offset is relative to evaluation time (non-positive).
type DigestPoint struct {
	Offset time.Duration
	Price  decimal.Decimal
	// Norm is the price relative to the first sampled point.
	Norm decimal.Decimal
}

// Indicators carries everything derived for one instrument in one cycle.
type Indicators struct {
	Code        string
	At          time.Time
	Price       decimal.Decimal
	ChangePct   decimal.Decimal
	Velocity    Value
	VolumeRatio Value
	Digest      []DigestPoint
}

// SnapshotReader is the slice of the store the engine needs.
type SnapshotReader interface {
	Range(ctx context.Context, code string, from, to time.Time) ([]storage.Snapshot, error)
}

// Options fix the indicator windows.
type Options struct {
	VelocityWindow time.Duration
	BaselineWindow time.Duration
	DigestWindow   time.Duration
	SampleInterval time.Duration
	// MaxBaselineSamples caps how many per-interval volume deltas feed the
	// trailing average baseline.
	MaxBaselineSamples int
}

// Engine computes indicators against a SnapshotReader.
type Engine struct {
	reader SnapshotReader
	opts   Options
	logger zerolog.Logger
}

// NewEngine constructs a metric engine.
func NewEngine(reader SnapshotReader, opts Options, logger zerolog.Logger) *Engine {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Minute
	}
	if opts.MaxBaselineSamples <= 0 {
		opts.MaxBaselineSamples = 30
	}
	return &Engine{
		reader: reader,
		opts:   opts,
		logger: logger.With().Str("component", "metric_engine").Logger(),
	}
}

func (e *Engine) referenceWindow() time.Duration {
	ref := e.opts.VelocityWindow
	if e.opts.BaselineWindow > ref {
		ref = e.opts.BaselineWindow
	}
	if e.opts.DigestWindow > ref {
		ref = e.opts.DigestWindow
	}
	return ref + e.opts.SampleInterval
}

// Compute derives all indicator families for one instrument at `now`.
// Missing history never errors; affected indicators come back undefined.
func (e *Engine) Compute(ctx context.Context, code string, now time.Time) (Indicators, error) {
	history, err := e.reader.Range(ctx, code, now.Add(-e.referenceWindow()), now.Add(time.Nanosecond))
	if err != nil {
		return Indicators{}, fmt.Errorf("scan history for %s: %w", code, err)
	}

	ind := Indicators{Code: code, At: now}
	if len(history) == 0 {
		return ind, nil
	}

	latest := history[len(history)-1]
	ind.Price = latest.Price
	ind.ChangePct = latest.ChangePct
	ind.Velocity = velocity(history, now.Add(-e.opts.VelocityWindow))
	ind.VolumeRatio = volumeRatio(resample(history, e.opts.SampleInterval), e.opts.SampleInterval, e.opts.MaxBaselineSamples)
	ind.Digest = digest(resample(history, e.opts.SampleInterval), now, e.opts.DigestWindow, e.opts.SampleInterval)
	return ind, nil
}

// velocity is the percent price change versus the snapshot with the greatest
// timestamp at or before the reference point. No such snapshot (first W after
// start) means undefined, never zero.
func velocity(history []storage.Snapshot, refPoint time.Time) Value {
	idx := sort.Search(len(history), func(i int) bool {
		return history[i].TS.After(refPoint)
	})
	if idx == 0 {
		// no snapshot at or before now-W: insufficient history
		return Undefined()
	}

	refPrice := history[idx-1].Price
	if refPrice.IsZero() {
		return Undefined()
	}

	latest := history[len(history)-1].Price
	pct := latest.Sub(refPrice).Div(refPrice).Mul(decimal.NewFromInt(100))
	return Defined(pct)
}

type bucket struct {
	ts     time.Time
	price  decimal.Decimal
	volume decimal.Decimal
}

// resample keeps the last observation per sample interval, ascending.
func resample(history []storage.Snapshot, interval time.Duration) []bucket {
	buckets := make([]bucket, 0, len(history))
	for _, snap := range history {
		ts := snap.TS.Truncate(interval)
		if n := len(buckets); n > 0 && buckets[n-1].ts.Equal(ts) {
			buckets[n-1].price = snap.Price
			buckets[n-1].volume = snap.Volume
			continue
		}
		buckets = append(buckets, bucket{ts: ts, price: snap.Price, volume: snap.Volume})
	}
	return buckets
}

// volumeRatio divides the latest per-interval volume delta by the trailing
// average of the preceding deltas. Deltas only exist between adjacent sample
// intervals; a negative delta is a session rollover and restarts the
// baseline instead of producing a negative rate.
func volumeRatio(buckets []bucket, interval time.Duration, maxBaseline int) Value {
	deltas := make([]decimal.Decimal, 0, len(buckets))
	for i := 1; i < len(buckets); i++ {
		if buckets[i].volume.LessThan(buckets[i-1].volume) {
			// session rollover: cumulative volume reset upstream. Checked
			// before adjacency so a rollover hidden inside a feed gap still
			// drops the old session's deltas from the baseline.
			deltas = deltas[:0]
			continue
		}
		if !buckets[i].ts.Equal(buckets[i-1].ts.Add(interval)) {
			// feed gap: the delta would span more than one interval
			continue
		}
		deltas = append(deltas, buckets[i].volume.Sub(buckets[i-1].volume))
	}

	if len(deltas) < 2 {
		return Undefined()
	}

	latest := deltas[len(deltas)-1]
	past := deltas[:len(deltas)-1]
	if len(past) > maxBaseline {
		past = past[len(past)-maxBaseline:]
	}

	sum := decimal.Zero
	for _, d := range past {
		sum = sum.Add(d)
	}
	baseline := sum.Div(decimal.NewFromInt(int64(len(past))))
	if !baseline.IsPositive() {
		return Undefined()
	}

	return Defined(latest.Div(baseline))
}

// digest samples the trailing window into (offset, normalized price) pairs.
// Context for narrative analysis only; never threshold-evaluated.
func digest(buckets []bucket, now time.Time, window, interval time.Duration) []DigestPoint {
	start := now.Add(-window)
	points := make([]DigestPoint, 0, int(window/interval)+1)

	var first decimal.Decimal
	for _, b := range buckets {
		if b.ts.Before(start) {
			continue
		}
		if first.IsZero() {
			first = b.price
		}
		norm := decimal.NewFromInt(1)
		if !first.IsZero() {
			norm = b.price.Div(first)
		}
		points = append(points, DigestPoint{
			Offset: b.ts.Sub(now),
			Price:  b.price,
			Norm:   norm,
		})
	}
	return points
}

// TrendLabel classifies a velocity value for display and advisor context.
func TrendLabel(v Value) string {
	if !v.Defined {
		return "数据不足"
	}
	switch {
	case v.Val.GreaterThan(decimal.NewFromInt(1)):
		return "快速上行"
	case v.Val.GreaterThan(decimal.NewFromFloat(0.5)):
		return "稳步推升"
	case v.Val.LessThan(decimal.NewFromInt(-1)):
		return "快速下行"
	case v.Val.LessThan(decimal.NewFromFloat(-0.5)):
		return "阴跌"
	default:
		return "震荡"
	}
}
