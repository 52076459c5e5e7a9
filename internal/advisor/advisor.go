package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quant-monitor/internal/metrics"
	"quant-monitor/internal/signal"
)

const chatCompletionsPath = "/chat/completions"

// Options parameterise the Kimi (Moonshot) advisor client.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Kimi 调用 Moonshot 兼容的 chat-completions 接口生成告警叙述。
type Kimi struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewKimi constructs the advisor client.
func NewKimi(opts Options, logger zerolog.Logger) *Kimi {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.moonshot.cn/v1"
	}

	if opts.Model == "" {
		opts.Model = "kimi-k2.5"
	}

	return &Kimi{
		opts:    opts,
		logger:  logger.With().Str("component", "kimi_advisor").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Narrate asks the model for a short verdict on one fired alert.
func (k *Kimi) Narrate(ctx context.Context, event signal.Event) (string, error) {
	if k.opts.APIKey == "" {
		return "", errors.New("advisor api key not configured")
	}

	reqPayload := chatRequest{
		Model: k.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "你是资深A股交易员，请简短输出分析结果。"},
			{Role: "user", Content: buildPrompt(event)},
		},
		Temperature: 1,
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return "", err
	}

	endpoint := k.baseURL + chatCompletionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+k.opts.APIKey)

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call advisor api: %w", err)
	}
	defer resp.Body.Close()

	var chatRes chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatRes); err != nil {
		return "", fmt.Errorf("decode advisor response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if chatRes.Error != nil && chatRes.Error.Message != "" {
			return "", fmt.Errorf("advisor api error (%d): %s", resp.StatusCode, chatRes.Error.Message)
		}
		return "", fmt.Errorf("advisor api error (%d)", resp.StatusCode)
	}

	if len(chatRes.Choices) == 0 || chatRes.Choices[0].Message.Content == "" {
		return "", errors.New("advisor returned no content")
	}

	content := chatRes.Choices[0].Message.Content
	k.logger.Info().Str("code", event.Code).Str("rule", event.Rule).Msg("AI 分析完成")
	return content, nil
}

func buildPrompt(event signal.Event) string {
	builder := strings.Builder{}
	builder.WriteString("# Role\n资深 A 股交易员 & 风险控制专家\n\n")
	builder.WriteString("# Context\n")
	builder.WriteString(fmt.Sprintf("股票代码: %s (%s)\n", event.Code, event.Name))
	builder.WriteString(fmt.Sprintf("触发类型: %s\n", event.Rule))
	builder.WriteString(fmt.Sprintf("触发时间: %s\n\n", event.FiredAt.Format("15:04:05")))

	builder.WriteString("# Real-time Data\n")
	builder.WriteString(fmt.Sprintf("1. 价格动态:\n   - 当前价: %s\n   - 今日涨跌幅: %s%%\n   - 3分钟涨速: %s\n",
		event.Price.StringFixed(2), event.ChangePct.StringFixed(2), formatValue(event.Velocity, "%")))
	builder.WriteString(fmt.Sprintf("2. 资金博弈:\n   - 动态量比: %s (最近1分钟量 / 前30分钟均量)\n",
		formatValue(event.VolumeRatio, "")))
	builder.WriteString(fmt.Sprintf("3. 历史时空背景:\n   - 市场情绪(监控池): %s%%\n   - 短期形态(15分): %s\n   - 中期趋势(5日): %s\n\n",
		event.SentimentPct.StringFixed(2), renderDigest(event), event.DailyTrend))

	builder.WriteString("# Task\n请分析上述数据，判断当前异动的原因：\n")
	builder.WriteString("A. 主力真金白银拉升，建议跟进（买入）。\n")
	builder.WriteString("B. 主力诱多/拉高出货，建议观望或卖出（风险）。\n")
	builder.WriteString("C. 市场恐慌错杀，建议抄底（反转）。\n")
	builder.WriteString("D. 杂音波动，忽略。\n\n")
	builder.WriteString("请输出结论 (A/B/C/D) 并给出 50 字以内的简述。\n")
	return builder.String()
}

func formatValue(v metrics.Value, suffix string) string {
	if !v.Defined {
		return "N/A"
	}
	return v.Val.StringFixed(2) + suffix
}

// renderDigest turns the trajectory digest into "10:00(10.50) -> 10:01(10.60)".
func renderDigest(event signal.Event) string {
	if len(event.Digest) == 0 {
		return "无日内数据"
	}
	parts := make([]string, 0, len(event.Digest))
	for _, point := range event.Digest {
		at := event.FiredAt.Add(point.Offset)
		parts = append(parts, fmt.Sprintf("%s(%s)", at.Format("15:04"), point.Price.StringFixed(2)))
	}
	return strings.Join(parts, " -> ")
}
