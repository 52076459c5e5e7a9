package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}

	if cfg.Monitor.Interval != 5*time.Second {
		t.Fatalf("默认轮询间隔应为 5s, 实际 %s", cfg.Monitor.Interval)
	}
	if cfg.Windows.Velocity != 3*time.Minute {
		t.Fatalf("默认涨速窗口应为 3m, 实际 %s", cfg.Windows.Velocity)
	}
	if !cfg.Rules.Rocket.Enabled || !cfg.Rules.HighDive.Enabled {
		t.Fatal("内置规则应默认启用")
	}
	if cfg.Dispatch.QueueSize != 16 {
		t.Fatalf("默认队列容量应为 16, 实际 %d", cfg.Dispatch.QueueSize)
	}
	if cfg.Advisor.Enabled || cfg.Feishu.Enabled {
		t.Fatal("外部下游默认应关闭")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"零轮询间隔", func(c *Config) { c.Monitor.Interval = 0 }},
		{"涨速窗口短于轮询间隔", func(c *Config) { c.Windows.Velocity = time.Second }},
		{"火箭阈值非正", func(c *Config) { c.Rules.Rocket.MinVelocityPct = 0 }},
		{"跳水阈值非负", func(c *Config) { c.Rules.HighDive.MaxVelocityPct = 1 }},
		{"启用 AI 但缺少 key", func(c *Config) { c.Advisor.Enabled = true; c.Advisor.APIKey = "" }},
		{"启用飞书但缺少 webhook", func(c *Config) { c.Feishu.Enabled = true; c.Feishu.WebhookURL = "" }},
		{"清理周期非正", func(c *Config) { c.Retention.EveryCycles = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("默认配置应通过校验: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("非法配置应校验失败")
			}
		})
	}
}

func TestReferenceWindow(t *testing.T) {
	cfg := &Config{}
	cfg.Windows.Velocity = 3 * time.Minute
	cfg.Windows.VolumeBaseline = 30 * time.Minute
	cfg.Windows.Digest = 15 * time.Minute
	cfg.Windows.SampleInterval = time.Minute

	if got := cfg.ReferenceWindow(); got != 31*time.Minute {
		t.Fatalf("参考窗口应为最长窗口加一个采样间隔, 实际 %s", got)
	}

	cfg.Retention.SafetyMargin = 30 * time.Minute
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if got := cfg.RetentionHorizon(now); !got.Equal(now.Add(-61 * time.Minute)) {
		t.Fatalf("清理水位不正确: %s", got)
	}
}
