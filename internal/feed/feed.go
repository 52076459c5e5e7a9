package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFeedUnavailable marks a whole-batch fetch failure (timeout, connection
// refused). The cycle skips and retries at the next interval; never fatal.
var ErrFeedUnavailable = errors.New("feed: quote gateway unavailable")

// Quote is one validated realtime observation from the gateway.
type Quote struct {
	Code      string
	Name      string
	Price     decimal.Decimal
	ChangePct decimal.Decimal
	// Volume is cumulative for the trading session; a decrease between
	// polls signals a session rollover downstream.
	Volume   decimal.Decimal
	Turnover decimal.Decimal
	TS       time.Time
}

// Validate enforces the ingestion-boundary schema. Records failing here are
// rejected and logged rather than propagated as partial data.
func (q Quote) Validate() error {
	if q.Code == "" {
		return fmt.Errorf("quote missing code")
	}
	if q.TS.IsZero() {
		return fmt.Errorf("quote %s missing timestamp", q.Code)
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("quote %s has non-positive price %s", q.Code, q.Price)
	}
	if q.Volume.IsNegative() {
		return fmt.Errorf("quote %s has negative volume %s", q.Code, q.Volume)
	}
	return nil
}

// QuoteFetcher supplies one batch of realtime quotes per poll. Instruments
// missing from the result simply had no update this cycle.
type QuoteFetcher interface {
	FetchBatch(ctx context.Context, codes []string) ([]Quote, error)
}

// DayBar is one historical daily bar.
type DayBar struct {
	Date      string
	Close     decimal.Decimal
	ChangePct decimal.Decimal
}

// DayBarFetcher preloads recent daily bars at startup; absence of the data
// degrades advisor context but must never crash the engine.
type DayBarFetcher interface {
	FetchDayBars(ctx context.Context, code string, days int) ([]DayBar, error)
}
