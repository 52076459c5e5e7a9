package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is one persisted price/volume observation for an instrument.
// Immutable once written; keyed by (Code, TS).
type Snapshot struct {
	Code      string
	TS        time.Time
	Price     decimal.Decimal
	ChangePct decimal.Decimal
	// Volume is the session-cumulative traded volume reported by the feed.
	Volume    decimal.Decimal
	Turnover  decimal.Decimal
	CreatedAt time.Time
}

// AlertEvent captures an emitted alert for auditing and cooldown rehydration.
type AlertEvent struct {
	ID           int64
	Code         string
	Rule         string
	FiredAt      time.Time
	Price        decimal.Decimal
	VelocityPct  *decimal.Decimal
	VolumeRatio  *decimal.Decimal
	SentimentPct decimal.Decimal
	Reason       string
	CreatedAt    time.Time
}

// LastFired is the most recent firing time for one (code, rule) pair.
type LastFired struct {
	Code    string
	Rule    string
	FiredAt time.Time
}
