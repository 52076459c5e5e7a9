package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-monitor/internal/storage"
)

type sliceReader struct {
	snapshots []storage.Snapshot
}

func (r *sliceReader) Range(_ context.Context, code string, from, to time.Time) ([]storage.Snapshot, error) {
	out := make([]storage.Snapshot, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		if s.Code != code || s.TS.Before(from) || !s.TS.Before(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func snap(code string, ts time.Time, price, volume float64) storage.Snapshot {
	return storage.Snapshot{
		Code:   code,
		TS:     ts,
		Price:  decimal.NewFromFloat(price),
		Volume: decimal.NewFromFloat(volume),
	}
}

func testEngine(reader SnapshotReader) *Engine {
	return NewEngine(reader, Options{
		VelocityWindow: 3 * time.Minute,
		BaselineWindow: 30 * time.Minute,
		DigestWindow:   15 * time.Minute,
		SampleInterval: time.Minute,
	}, zerolog.Nop())
}

func TestVelocityThreeMinuteChange(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reader := &sliceReader{snapshots: []storage.Snapshot{
		snap("sh600000", now.Add(-4*time.Minute), 100, 1000),
		snap("sh600000", now.Add(-3*time.Minute), 100, 2000),
		snap("sh600000", now, 101.2, 3000),
	}}

	ind, err := testEngine(reader).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("Compute 不应报错: %v", err)
	}
	if !ind.Velocity.Defined {
		t.Fatal("三分钟前存在快照, 涨速应有定义")
	}
	want := decimal.NewFromFloat(1.2)
	if !ind.Velocity.Val.Round(4).Equal(want) {
		t.Fatalf("期望涨速 1.2%%, 实际 %s", ind.Velocity.Val.String())
	}
}

func TestVelocityUndefinedWithoutReferencePoint(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reader := &sliceReader{snapshots: []storage.Snapshot{
		snap("sh600000", now.Add(-2*time.Minute), 100, 1000),
		snap("sh600000", now, 105, 2000),
	}}

	ind, err := testEngine(reader).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("Compute 不应报错: %v", err)
	}
	if ind.Velocity.Defined {
		t.Fatalf("历史不足窗口长度时涨速应未定义, 实际 %s", ind.Velocity.Val.String())
	}
}

func TestComputeEmptyHistory(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ind, err := testEngine(&sliceReader{}).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("空历史不应报错: %v", err)
	}
	if ind.Velocity.Defined || ind.VolumeRatio.Defined {
		t.Fatal("空历史下所有指标应未定义")
	}
	if len(ind.Digest) != 0 {
		t.Fatal("空历史下走势摘要应为空")
	}
}

func TestVolumeRatioTrailingAverage(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	// cumulative volume climbing 1000 per minute, then 3000 in the last minute
	var snaps []storage.Snapshot
	volume := 0.0
	for i := 10; i >= 1; i-- {
		if i == 1 {
			volume += 3000
		} else {
			volume += 1000
		}
		snaps = append(snaps, snap("sh600000", now.Add(-time.Duration(i-1)*time.Minute), 100, volume))
	}
	reader := &sliceReader{snapshots: snaps}

	ind, err := testEngine(reader).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("Compute 不应报错: %v", err)
	}
	if !ind.VolumeRatio.Defined {
		t.Fatal("量比应有定义")
	}
	if !ind.VolumeRatio.Val.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("期望量比 3, 实际 %s", ind.VolumeRatio.Val.String())
	}
}

func TestVolumeRatioSessionRolloverResetsBaseline(t *testing.T) {
	now := time.Date(2026, 3, 2, 13, 5, 0, 0, time.UTC)
	reader := &sliceReader{snapshots: []storage.Snapshot{
		snap("sh600000", now.Add(-5*time.Minute), 100, 90000),
		snap("sh600000", now.Add(-4*time.Minute), 100, 91000),
		// cumulative volume drops: upstream session reset
		snap("sh600000", now.Add(-3*time.Minute), 100, 1000),
		snap("sh600000", now.Add(-2*time.Minute), 100, 2000),
		snap("sh600000", now.Add(-1*time.Minute), 100, 3000),
		snap("sh600000", now, 100, 4000),
	}}

	ind, err := testEngine(reader).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("Compute 不应报错: %v", err)
	}
	if !ind.VolumeRatio.Defined {
		t.Fatal("重置后积累了足够增量, 量比应有定义")
	}
	// only the post-reset deltas (1000, 1000, 1000) feed the baseline
	if !ind.VolumeRatio.Val.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("期望量比 1, 实际 %s", ind.VolumeRatio.Val.String())
	}
}

func TestVolumeRatioRolloverInsideFeedGap(t *testing.T) {
	now := time.Date(2026, 3, 2, 13, 10, 0, 0, time.UTC)
	reader := &sliceReader{snapshots: []storage.Snapshot{
		// morning session, heavy per-minute deltas
		snap("sh600000", now.Add(-12*time.Minute), 100, 400000),
		snap("sh600000", now.Add(-11*time.Minute), 100, 500000),
		snap("sh600000", now.Add(-10*time.Minute), 100, 600000),
		snap("sh600000", now.Add(-9*time.Minute), 100, 700000),
		// two silent minutes, and the session reset hides inside them:
		// cumulative volume resumes far below the morning level
		snap("sh600000", now.Add(-6*time.Minute), 100, 1000),
		snap("sh600000", now.Add(-5*time.Minute), 100, 2000),
		snap("sh600000", now.Add(-4*time.Minute), 100, 3000),
		snap("sh600000", now.Add(-3*time.Minute), 100, 4000),
		snap("sh600000", now.Add(-2*time.Minute), 100, 5000),
		snap("sh600000", now.Add(-1*time.Minute), 100, 6000),
		snap("sh600000", now, 100, 9000),
	}}

	ind, err := testEngine(reader).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("Compute 不应报错: %v", err)
	}
	if !ind.VolumeRatio.Defined {
		t.Fatal("重置后积累了足够增量, 量比应有定义")
	}
	// baseline must come from the new session only (1000/min), never the
	// morning's 100000/min deltas
	if !ind.VolumeRatio.Val.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("跨数据缺口的会话重置应清空旧基准, 期望量比 3, 实际 %s", ind.VolumeRatio.Val.String())
	}
}

func TestVolumeRatioUndefinedOnZeroBaseline(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reader := &sliceReader{snapshots: []storage.Snapshot{
		snap("sh600000", now.Add(-3*time.Minute), 100, 5000),
		snap("sh600000", now.Add(-2*time.Minute), 100, 5000),
		snap("sh600000", now.Add(-1*time.Minute), 100, 5000),
		snap("sh600000", now, 100, 9000),
	}}

	ind, err := testEngine(reader).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("Compute 不应报错: %v", err)
	}
	if ind.VolumeRatio.Defined {
		t.Fatalf("基准为零时量比应未定义, 实际 %s", ind.VolumeRatio.Val.String())
	}
}

func TestDigestNormalization(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reader := &sliceReader{snapshots: []storage.Snapshot{
		snap("sh600000", now.Add(-10*time.Minute), 100, 1000),
		snap("sh600000", now.Add(-5*time.Minute), 102, 2000),
		snap("sh600000", now, 104, 3000),
	}}

	ind, err := testEngine(reader).Compute(context.Background(), "sh600000", now)
	if err != nil {
		t.Fatalf("Compute 不应报错: %v", err)
	}
	if len(ind.Digest) != 3 {
		t.Fatalf("期望 3 个摘要点, 实际 %d", len(ind.Digest))
	}
	if !ind.Digest[0].Norm.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("首个摘要点归一化值应为 1, 实际 %s", ind.Digest[0].Norm.String())
	}
	if !ind.Digest[2].Norm.Equal(decimal.NewFromFloat(1.04)) {
		t.Fatalf("末尾摘要点归一化值应为 1.04, 实际 %s", ind.Digest[2].Norm.String())
	}
	if ind.Digest[2].Offset != 0 {
		t.Fatalf("末尾摘要点偏移应为 0, 实际 %s", ind.Digest[2].Offset)
	}
}

func TestTrendLabel(t *testing.T) {
	cases := []struct {
		value Value
		want  string
	}{
		{Undefined(), "数据不足"},
		{Defined(decimal.NewFromFloat(1.5)), "快速上行"},
		{Defined(decimal.NewFromFloat(0.8)), "稳步推升"},
		{Defined(decimal.NewFromFloat(0.1)), "震荡"},
		{Defined(decimal.NewFromFloat(-0.8)), "阴跌"},
		{Defined(decimal.NewFromFloat(-2)), "快速下行"},
	}

	for _, tc := range cases {
		if got := TrendLabel(tc.value); got != tc.want {
			t.Fatalf("TrendLabel(%v) = %s, 期望 %s", tc.value, got, tc.want)
		}
	}
}
