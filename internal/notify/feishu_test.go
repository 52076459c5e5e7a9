package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-monitor/internal/metrics"
	"quant-monitor/internal/signal"
)

func testEvent() signal.Event {
	return signal.Event{
		Code:        "sh600000",
		Name:        "浦发银行",
		Rule:        "rocket",
		FiredAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Price:       decimal.NewFromFloat(10.52),
		ChangePct:   decimal.NewFromFloat(2.1),
		Velocity:    metrics.Defined(decimal.NewFromFloat(1.8)),
		VolumeRatio: metrics.Defined(decimal.NewFromFloat(3.2)),
		Reason:      "3分钟涨速 1.80% > 1.00% 且 量比 3.20 > 1.50",
	}
}

func TestFeishuNotifySuccess(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "success"})
	}))
	defer srv.Close()

	f := NewFeishu(Options{WebhookURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Notify(context.Background(), testEvent(), "资金快速流入，短线动能充足"); err != nil {
		t.Fatalf("Notify 应成功: %v", err)
	}

	if payload["msg_type"] != "interactive" {
		t.Fatalf("应发送交互式卡片, 实际 %v", payload["msg_type"])
	}
	if _, hasSign := payload["sign"]; hasSign {
		t.Fatal("未配置密钥时不应携带签名")
	}

	raw, _ := json.Marshal(payload["card"])
	card := string(raw)
	if !strings.Contains(card, "浦发银行") || !strings.Contains(card, "🚀 火箭发射") {
		t.Fatalf("卡片标题缺少标的或标签: %s", card)
	}
	if !strings.Contains(card, "资金快速流入") {
		t.Fatalf("卡片正文应为 AI 叙述: %s", card)
	}
}

func TestFeishuNotifySignedWhenSecretSet(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0})
	}))
	defer srv.Close()

	f := NewFeishu(Options{WebhookURL: srv.URL, Secret: "s3cret", Timeout: time.Second}, zerolog.Nop())
	f.now = func() time.Time { return time.Unix(1750000000, 0) }

	if err := f.Notify(context.Background(), testEvent(), ""); err != nil {
		t.Fatalf("Notify 应成功: %v", err)
	}

	sign, _ := payload["sign"].(string)
	if sign == "" {
		t.Fatal("配置密钥后应携带签名")
	}
	if want := genSign(1750000000, "s3cret"); sign != want {
		t.Fatalf("签名不匹配: 期望 %s, 实际 %s", want, sign)
	}
	if payload["timestamp"] != "1750000000" {
		t.Fatalf("时间戳不正确: %v", payload["timestamp"])
	}
}

func TestFeishuNotifyFallbackWithoutNarrative(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0})
	}))
	defer srv.Close()

	f := NewFeishu(Options{WebhookURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Notify(context.Background(), testEvent(), ""); err != nil {
		t.Fatalf("Notify 应成功: %v", err)
	}

	raw, _ := json.Marshal(payload["card"])
	if !strings.Contains(string(raw), "3分钟涨速") {
		t.Fatalf("无叙述时应退化为指标摘要: %s", raw)
	}
}

func TestFeishuNotifyBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 19021, "msg": "sign match fail"})
	}))
	defer srv.Close()

	f := NewFeishu(Options{WebhookURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Notify(context.Background(), testEvent(), ""); err == nil {
		t.Fatal("code!=0 应报错")
	}
}

func TestFeishuNotifyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFeishu(Options{WebhookURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Notify(context.Background(), testEvent(), ""); err == nil {
		t.Fatal("HTTP 500 应报错")
	}
}

func TestFeishuNotifyMissingWebhook(t *testing.T) {
	f := NewFeishu(Options{}, zerolog.Nop())
	if err := f.Notify(context.Background(), testEvent(), ""); err == nil {
		t.Fatal("缺少 webhook 地址应报错")
	}
}
