// Package signal evaluates pattern rules over derived indicators and owns
// the per-(instrument, rule) alert state machine: IDLE -> FIRED on a true
// predicate, back to IDLE only after the cooldown has elapsed AND the
// predicate has been observed false at least once since firing.
package signal

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-monitor/internal/config"
	"quant-monitor/internal/metrics"
)

// Rule is one configurable pattern predicate. Nil thresholds are
// unreferenced; a referenced indicator that is undefined short-circuits the
// rule to not-fire.
type Rule struct {
	Name           string
	MinVelocityPct *decimal.Decimal
	MaxVelocityPct *decimal.Decimal
	MinVolumeRatio *decimal.Decimal
	Cooldown       time.Duration
}

// Eval returns (fired, determinate). determinate is false when a referenced
// indicator is undefined for this cycle.
func (r Rule) Eval(ind metrics.Indicators) (bool, bool) {
	if r.MinVelocityPct != nil || r.MaxVelocityPct != nil {
		if !ind.Velocity.Defined {
			return false, false
		}
	}
	if r.MinVolumeRatio != nil && !ind.VolumeRatio.Defined {
		return false, false
	}

	if r.MinVelocityPct != nil && !ind.Velocity.Val.GreaterThan(*r.MinVelocityPct) {
		return false, true
	}
	if r.MaxVelocityPct != nil && !ind.Velocity.Val.LessThan(*r.MaxVelocityPct) {
		return false, true
	}
	if r.MinVolumeRatio != nil && !ind.VolumeRatio.Val.GreaterThan(*r.MinVolumeRatio) {
		return false, true
	}
	return true, true
}

func (r Rule) describe(ind metrics.Indicators) string {
	switch {
	case r.MinVelocityPct != nil && r.MinVolumeRatio != nil:
		return fmt.Sprintf("3分钟涨速 %s%% > %s%% 且 量比 %s > %s",
			ind.Velocity.Val.StringFixed(2), r.MinVelocityPct.StringFixed(2),
			ind.VolumeRatio.Val.StringFixed(2), r.MinVolumeRatio.StringFixed(2))
	case r.MaxVelocityPct != nil:
		return fmt.Sprintf("3分钟跌幅 %s%% < %s%%",
			ind.Velocity.Val.StringFixed(2), r.MaxVelocityPct.StringFixed(2))
	default:
		return fmt.Sprintf("规则 %s 触发", r.Name)
	}
}

// RulesFromConfig builds the enabled built-in rules.
func RulesFromConfig(cfg config.RulesConfig) []Rule {
	rules := make([]Rule, 0, 2)
	if cfg.Rocket.Enabled {
		minVel := decimal.NewFromFloat(cfg.Rocket.MinVelocityPct)
		minRatio := decimal.NewFromFloat(cfg.Rocket.MinVolumeRatio)
		rules = append(rules, Rule{
			Name:           "rocket",
			MinVelocityPct: &minVel,
			MinVolumeRatio: &minRatio,
			Cooldown:       cfg.Rocket.Cooldown,
		})
	}
	if cfg.HighDive.Enabled {
		maxVel := decimal.NewFromFloat(cfg.HighDive.MaxVelocityPct)
		rules = append(rules, Rule{
			Name:           "high_dive",
			MaxVelocityPct: &maxVel,
			Cooldown:       cfg.HighDive.Cooldown,
		})
	}
	return rules
}

// RuleTitle maps a rule name to its display label.
func RuleTitle(name string) string {
	switch name {
	case "rocket":
		return "🚀 火箭发射"
	case "high_dive":
		return "🌊 高台跳水"
	default:
		return name
	}
}

// Event is one fired alert, handed off immediately and retained only as
// cooldown bookkeeping.
type Event struct {
	Code         string
	Name         string
	Rule         string
	FiredAt      time.Time
	Price        decimal.Decimal
	ChangePct    decimal.Decimal
	Velocity     metrics.Value
	VolumeRatio  metrics.Value
	SentimentPct decimal.Decimal
	Reason       string
	Digest       []metrics.DigestPoint
	DailyTrend   string
}

type stateKey struct {
	code string
	rule string
}

type ruleState struct {
	fired     bool
	firedAt   time.Time
	seenFalse bool
}

// Detector owns alert state for the whole pool. Not safe for concurrent
// use; the cycle coordinator drives it from a single goroutine.
type Detector struct {
	rules  []Rule
	states map[stateKey]*ruleState
	logger zerolog.Logger
}

// NewDetector constructs a detector over the given rules.
func NewDetector(rules []Rule, logger zerolog.Logger) *Detector {
	return &Detector{
		rules:  rules,
		states: make(map[stateKey]*ruleState),
		logger: logger.With().Str("component", "signal_detector").Logger(),
	}
}

// Rules exposes the configured rules.
func (d *Detector) Rules() []Rule {
	return d.rules
}

// Seed rehydrates cooldown state from the persisted ledger so a restart
// cannot immediately re-fire inside a rule's cooldown window.
func (d *Detector) Seed(code, rule string, lastFired time.Time) {
	d.states[stateKey{code: code, rule: rule}] = &ruleState{
		fired:   true,
		firedAt: lastFired,
		// hysteresis state is not durable; require only the cooldown
		seenFalse: true,
	}
}

// Evaluate runs every rule against one instrument's indicators and returns
// newly fired events. At most one event per (code, rule) per cooldown.
func (d *Detector) Evaluate(ind metrics.Indicators, now time.Time) []Event {
	var events []Event

	for _, rule := range d.rules {
		key := stateKey{code: ind.Code, rule: rule.Name}
		st := d.states[key]
		if st == nil {
			st = &ruleState{}
			d.states[key] = st
		}

		fired, determinate := rule.Eval(ind)

		if st.fired {
			if determinate && !fired {
				st.seenFalse = true
			}
			if st.seenFalse && !now.Before(st.firedAt.Add(rule.Cooldown)) {
				st.fired = false
				st.seenFalse = false
			} else {
				// 冷却期内或条件未曾回落，跳过重新评估
				continue
			}
		}

		if !determinate || !fired {
			continue
		}

		st.fired = true
		st.firedAt = now
		st.seenFalse = false

		d.logger.Info().
			Str("code", ind.Code).
			Str("rule", rule.Name).
			Time("fired_at", now).
			Msg("信号触发")

		events = append(events, Event{
			Code:        ind.Code,
			Rule:        rule.Name,
			FiredAt:     now,
			Price:       ind.Price,
			ChangePct:   ind.ChangePct,
			Velocity:    ind.Velocity,
			VolumeRatio: ind.VolumeRatio,
			Reason:      rule.describe(ind),
			Digest:      ind.Digest,
		})
	}

	return events
}

// Sentiment is the pool-wide mean of defined velocities, attached to every
// event as contextual metadata. Undefined when no instrument has a defined
// velocity this cycle.
func Sentiment(pool []metrics.Indicators) metrics.Value {
	sum := decimal.Zero
	count := 0
	for _, ind := range pool {
		if ind.Velocity.Defined {
			sum = sum.Add(ind.Velocity.Val)
			count++
		}
	}
	if count == 0 {
		return metrics.Undefined()
	}
	return metrics.Defined(sum.Div(decimal.NewFromInt(int64(count))))
}
