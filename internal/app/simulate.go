package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"quant-monitor/internal/metrics"
	sig "quant-monitor/internal/signal"
	"quant-monitor/internal/storage"
)

// SimulateAlert 构造一段足以触发火箭规则的合成行情，并走完整的
// 分析/推送链路。不读写数据库。
func (a *App) SimulateAlert(ctx context.Context, code string) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道 (feishu.enabled=false)")
	}

	now := time.Now().UTC().Truncate(time.Minute)
	reader := &memReader{snapshots: syntheticRally(code, now)}

	engine := a.newEngine(reader)
	ind, err := engine.Compute(ctx, code, now)
	if err != nil {
		return err
	}

	detector := sig.NewDetector(sig.RulesFromConfig(a.Config.Rules), a.Logger)
	events := detector.Evaluate(ind, now)
	if len(events) == 0 {
		return errors.New("合成行情未触发任何规则，请检查阈值配置")
	}

	sentiment := sig.Sentiment([]metrics.Indicators{ind})

	for _, event := range events {
		event.Name = "模拟标的"
		if sentiment.Defined {
			event.SentimentPct = sentiment.Val
		}
		event.DailyTrend = "模拟数据"

		narrative := ""
		if narrator := a.newNarrator(); narrator != nil {
			text, narrateErr := narrator.Narrate(ctx, event)
			if narrateErr != nil {
				a.Logger.Warn().Err(narrateErr).Msg("模拟流程中 AI 分析失败，使用降级文本")
			} else {
				narrative = text
			}
		}

		if err := notifier.Notify(ctx, event, narrative); err != nil {
			return err
		}
	}

	a.Logger.Info().Int("events", len(events)).Msg("模拟告警已发送")
	return nil
}

// syntheticRally yields 36 minute-resolution snapshots: flat volume and
// price, then a +2% ramp over the last three minutes with a volume burst in
// the final minute so both rocket conditions hold.
func syntheticRally(code string, now time.Time) []storage.Snapshot {
	const total = 36
	base := decimal.NewFromFloat(100.0)

	snapshots := make([]storage.Snapshot, 0, total)
	volume := decimal.Zero
	for i := 0; i < total; i++ {
		offset := total - 1 - i
		ts := now.Add(-time.Duration(offset) * time.Minute)

		price := base
		if offset <= 2 {
			progress := decimal.NewFromInt(int64(3 - offset)).Div(decimal.NewFromInt(3))
			price = base.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(0.02).Mul(progress)))
		}

		step := decimal.NewFromInt(6000)
		if offset == 0 {
			step = decimal.NewFromInt(30000)
		}
		volume = volume.Add(step)

		snapshots = append(snapshots, storage.Snapshot{
			Code:      code,
			TS:        ts,
			Price:     price,
			ChangePct: price.Sub(base).Div(base).Mul(decimal.NewFromInt(100)),
			Volume:    volume,
		})
	}
	return snapshots
}

// memReader serves synthetic snapshots to the metric engine.
type memReader struct {
	snapshots []storage.Snapshot
}

func (m *memReader) Range(_ context.Context, code string, from, to time.Time) ([]storage.Snapshot, error) {
	out := make([]storage.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		if snap.Code != code {
			continue
		}
		if snap.TS.Before(from) || !snap.TS.Before(to) {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

var _ metrics.SnapshotReader = (*memReader)(nil)
