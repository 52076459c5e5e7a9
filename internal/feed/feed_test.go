package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFetchBatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("codes"); got != "sh600000,sz000001" {
			t.Fatalf("codes 参数不正确: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quotes": []map[string]string{
				{
					"code": "sh600000", "name": "浦发银行",
					"price": "10.52", "change_pct": "1.25",
					"volume": "123456", "turnover": "1298765.40",
					"time": "2026-03-02T10:00:00+08:00",
				},
				{
					"code": "sz000001", "name": "平安银行",
					"price": "8.80", "change_pct": "-0.34",
					"volume": "654321", "turnover": "5758024.80",
					"time": "2026-03-02T10:00:00+08:00",
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	quotes, err := c.FetchBatch(context.Background(), []string{"sh600000", "sz000001"})
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("期望 2 条行情, 实际 %d", len(quotes))
	}
	if !quotes[0].Price.Equal(decimal.NewFromFloat(10.52)) {
		t.Fatalf("价格解析不正确: %s", quotes[0].Price.String())
	}
	if quotes[1].Name != "平安银行" {
		t.Fatalf("名称解析不正确: %s", quotes[1].Name)
	}
}

func TestFetchBatchDropsInvalidRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quotes": []map[string]string{
				// price not positive: boundary validation must drop it
				{"code": "sh600000", "price": "0", "time": "2026-03-02T10:00:00+08:00"},
				// unparseable price
				{"code": "sh600001", "price": "abc", "time": "2026-03-02T10:00:00+08:00"},
				// missing code
				{"code": "", "price": "10.52", "time": "2026-03-02T10:00:00+08:00"},
				{"code": "sz000001", "price": "8.80", "time": "2026-03-02T10:00:00+08:00"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	quotes, err := c.FetchBatch(context.Background(), []string{"sh600000", "sh600001", "sz000001"})
	if err != nil {
		t.Fatalf("个别坏记录不应使整批失败: %v", err)
	}
	if len(quotes) != 1 || quotes[0].Code != "sz000001" {
		t.Fatalf("应仅保留合法记录, 实际 %#v", quotes)
	}
}

func TestFetchBatchUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := c.FetchBatch(context.Background(), []string{"sh600000"})
	if !errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("HTTP 502 应包装为 ErrFeedUnavailable, 实际 %v", err)
	}
}

func TestFetchBatchEmptyPool(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://gateway.invalid", Timeout: time.Second}, noopLogger())
	quotes, err := c.FetchBatch(context.Background(), nil)
	if err != nil || quotes != nil {
		t.Fatalf("空池不应发起请求: quotes=%v err=%v", quotes, err)
	}
}

func TestFetchDayBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("code"); got != "sh600000" {
			t.Fatalf("code 参数不正确: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bars": []map[string]string{
				{"date": "2026-02-27", "close": "23.10", "change_pct": "0.8"},
				{"date": "2026-03-02", "close": "23.40", "change_pct": "1.3"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	bars, err := c.FetchDayBars(context.Background(), "sh600000", 2)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("期望 2 根日线, 实际 %d", len(bars))
	}

	got := RenderDailyTrend(bars)
	want := "[02-27:23.10(0.8%)] -> [03-02:23.40(1.3%)]"
	if got != want {
		t.Fatalf("日线趋势渲染不正确:\n期望 %s\n实际 %s", want, got)
	}
}

func TestRenderDailyTrendEmpty(t *testing.T) {
	if got := RenderDailyTrend(nil); got != "无历史数据" {
		t.Fatalf("空日线应返回占位文案, 实际 %s", got)
	}
}

func TestQuoteValidate(t *testing.T) {
	base := Quote{
		Code:   "sh600000",
		Price:  decimal.NewFromFloat(10.5),
		Volume: decimal.NewFromInt(1000),
		TS:     time.Now(),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("合法行情不应报错: %v", err)
	}

	bad := base
	bad.Volume = decimal.NewFromInt(-1)
	if err := bad.Validate(); err == nil {
		t.Fatal("负成交量应校验失败")
	}

	bad = base
	bad.TS = time.Time{}
	if err := bad.Validate(); err == nil {
		t.Fatal("零时间戳应校验失败")
	}
}
