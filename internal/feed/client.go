package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	quotesPath  = "/quotes"
	dayBarsPath = "/daily"
)

// Options parameterise the quote gateway client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client fetches realtime quote batches and daily bars over HTTP.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a quote gateway client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "quote_feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type quoteRecord struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	ChangePct string `json:"change_pct"`
	Volume    string `json:"volume"`
	Turnover  string `json:"turnover"`
	Time      string `json:"time"`
}

type quotesResponse struct {
	Quotes []quoteRecord `json:"quotes"`
}

type dayBarRecord struct {
	Date      string `json:"date"`
	Close     string `json:"close"`
	ChangePct string `json:"change_pct"`
}

type dayBarsResponse struct {
	Bars []dayBarRecord `json:"bars"`
}

// FetchBatch retrieves a snapshot batch for the given instrument pool.
// Records failing boundary validation are dropped with a warning; a
// transport failure surfaces as ErrFeedUnavailable.
func (c *Client) FetchBatch(ctx context.Context, codes []string) ([]Quote, error) {
	if c.baseURL == "" {
		return nil, errors.New("feed base url not configured")
	}
	if len(codes) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s%s?codes=%s", c.baseURL, quotesPath, url.QueryEscape(strings.Join(codes, ",")))
	payload, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var res quotesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode quotes response: %w", err)
	}

	quotes := make([]Quote, 0, len(res.Quotes))
	for _, rec := range res.Quotes {
		quote, parseErr := parseQuote(rec)
		if parseErr == nil {
			parseErr = quote.Validate()
		}
		if parseErr != nil {
			c.logger.Warn().Err(parseErr).Str("code", rec.Code).Msg("丢弃非法行情记录")
			continue
		}
		quotes = append(quotes, quote)
	}
	return quotes, nil
}

// FetchDayBars retrieves recent daily bars for one instrument.
func (c *Client) FetchDayBars(ctx context.Context, code string, days int) ([]DayBar, error) {
	if c.baseURL == "" {
		return nil, errors.New("feed base url not configured")
	}

	endpoint := fmt.Sprintf("%s%s?code=%s&days=%d", c.baseURL, dayBarsPath, url.QueryEscape(code), days)
	payload, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var res dayBarsResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode day bars response: %w", err)
	}

	bars := make([]DayBar, 0, len(res.Bars))
	for _, rec := range res.Bars {
		closePrice, convErr := decimal.NewFromString(rec.Close)
		if convErr != nil {
			return nil, fmt.Errorf("parse day bar close: %w", convErr)
		}
		change := decimal.Zero
		if rec.ChangePct != "" {
			if change, convErr = decimal.NewFromString(rec.ChangePct); convErr != nil {
				return nil, fmt.Errorf("parse day bar change pct: %w", convErr)
			}
		}
		bars = append(bars, DayBar{Date: rec.Date, Close: closePrice, ChangePct: change})
	}
	return bars, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFeedUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrFeedUnavailable, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func parseQuote(rec quoteRecord) (Quote, error) {
	price, err := decimal.NewFromString(rec.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("parse price: %w", err)
	}

	change := decimal.Zero
	if rec.ChangePct != "" {
		if change, err = decimal.NewFromString(rec.ChangePct); err != nil {
			return Quote{}, fmt.Errorf("parse change pct: %w", err)
		}
	}

	volume := decimal.Zero
	if rec.Volume != "" {
		if volume, err = decimal.NewFromString(rec.Volume); err != nil {
			return Quote{}, fmt.Errorf("parse volume: %w", err)
		}
	}

	turnover := decimal.Zero
	if rec.Turnover != "" {
		if turnover, err = decimal.NewFromString(rec.Turnover); err != nil {
			return Quote{}, fmt.Errorf("parse turnover: %w", err)
		}
	}

	// Source clock; monotonic per instrument, may repeat across polls.
	ts, err := time.Parse(time.RFC3339, rec.Time)
	if err != nil {
		return Quote{}, fmt.Errorf("parse time: %w", err)
	}

	return Quote{
		Code:      rec.Code,
		Name:      rec.Name,
		Price:     price,
		ChangePct: change,
		Volume:    volume,
		Turnover:  turnover,
		TS:        ts,
	}, nil
}

var _ QuoteFetcher = (*Client)(nil)
var _ DayBarFetcher = (*Client)(nil)

// RenderDailyTrend formats day bars the way the advisor prompt expects:
// "[08-22:23.10(+0.8%)] -> [08-25:23.40(+1.3%)]".
func RenderDailyTrend(bars []DayBar) string {
	if len(bars) == 0 {
		return "无历史数据"
	}
	parts := make([]string, 0, len(bars))
	for _, bar := range bars {
		date := bar.Date
		if len(date) >= 10 {
			date = date[5:10]
		}
		parts = append(parts, fmt.Sprintf("[%s:%s(%s%%)]", date, bar.Close.StringFixed(2), bar.ChangePct.StringFixed(1)))
	}
	return strings.Join(parts, " -> ")
}
