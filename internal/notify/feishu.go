package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quant-monitor/internal/signal"
)

// Options parameterise the Feishu webhook notifier.
type Options struct {
	WebhookURL string
	Secret     string
	Timeout    time.Duration
}

// Feishu 通过群机器人 Webhook 推送交互式卡片。
type Feishu struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewFeishu 构造飞书告警器。
func NewFeishu(opts Options, logger zerolog.Logger) *Feishu {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Feishu{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_feishu").Logger(),
		now:    time.Now,
	}
}

// genSign 按飞书签名规范生成 HMAC-SHA256 签名。
func genSign(timestamp int64, secret string) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, secret)
	mac := hmac.New(sha256.New, []byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Notify 推送一条告警卡片；narrative 为空时退化为指标摘要。
func (f *Feishu) Notify(ctx context.Context, event signal.Event, narrative string) error {
	if f.opts.WebhookURL == "" {
		return fmt.Errorf("feishu webhook url not configured")
	}

	timestamp := f.now().Unix()

	title := fmt.Sprintf("🚨 预警: %s 触发 %s", displayName(event), signal.RuleTitle(event.Rule))
	content := narrative
	if content == "" {
		content = renderFallback(event)
	}

	payload := map[string]any{
		"timestamp": strconv.FormatInt(timestamp, 10),
		"msg_type":  "interactive",
		"card": map[string]any{
			"config": map[string]any{"wide_screen_mode": true},
			"header": map[string]any{
				"template": "red",
				"title":    map[string]any{"tag": "plain_text", "content": title},
			},
			"elements": []any{
				map[string]any{
					"tag":  "div",
					"text": map[string]any{"tag": "lark_md", "content": content},
				},
				map[string]any{"tag": "hr"},
				map[string]any{
					"tag": "note",
					"elements": []any{
						map[string]any{
							"tag":     "plain_text",
							"content": fmt.Sprintf("Time: %s", event.FiredAt.Format("2006-01-02 15:04:05")),
						},
					},
				},
			},
		},
	}
	if f.opts.Secret != "" {
		payload["sign"] = genSign(timestamp, f.opts.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal feishu payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create feishu request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("send feishu request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feishu 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if result.Code != 0 {
			return fmt.Errorf("feishu 返回 code=%d: %s", result.Code, result.Msg)
		}
	}

	f.logger.Info().
		Str("code", event.Code).
		Str("rule", event.Rule).
		Msg("告警已发送 (Feishu)")
	return nil
}

func displayName(event signal.Event) string {
	if event.Name != "" {
		return event.Name
	}
	return event.Code
}

func renderFallback(event signal.Event) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("**%s (%s)**\n", displayName(event), event.Code))
	builder.WriteString(fmt.Sprintf("触发逻辑: %s\n", event.Reason))
	builder.WriteString(fmt.Sprintf("当前价格: %s | 今日涨跌: %s%%\n", event.Price.StringFixed(2), event.ChangePct.StringFixed(2)))
	if event.Velocity.Defined {
		builder.WriteString(fmt.Sprintf("3分钟涨速: %s%%\n", event.Velocity.Val.StringFixed(2)))
	}
	if event.VolumeRatio.Defined {
		builder.WriteString(fmt.Sprintf("动态量比: %s\n", event.VolumeRatio.Val.StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("市场情绪: %s%%", event.SentimentPct.StringFixed(2)))
	return builder.String()
}
