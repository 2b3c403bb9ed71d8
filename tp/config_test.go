package tp

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置应有效: %v", err)
	}
	if cfg.MaxPairs != DefaultMaxPairs || cfg.EscapePadding != 0xCC || !cfg.DebugChannel {
		t.Errorf("默认配置与固件不一致: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"MaxPairs 为 0", func(c *Config) { c.MaxPairs = 0 }},
		{"MaxPairs 超过上限", func(c *Config) { c.MaxPairs = MaxPairsLimit + 1 }},
		{"MaxMessageSize 为 0", func(c *Config) { c.MaxMessageSize = 0 }},
		{"MaxMessageSize 超过 4095", func(c *Config) { c.MaxMessageSize = 4096 }},
		{"N_Bs 为 0", func(c *Config) { c.TimeoutN_Bs = 0 }},
		{"MaxWaitFrames 为负", func(c *Config) { c.MaxWaitFrames = -1 }},
		{"TxBacklog 为负", func(c *Config) { c.TxBacklog = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("期望校验失败: %+v", cfg)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.MaxPairs = MaxPairsLimit
	cfg.TimeoutN_Bs = time.Millisecond
	cfg.MaxWaitFrames = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("边界值应有效: %v", err)
	}
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPairs = 0
	r := newRecorder()
	if _, err := NewEngine(cfg, r, r, r); err == nil {
		t.Error("无效配置不应创建引擎")
	}
	if _, err := NewEngine(DefaultConfig(), nil, r, r); err == nil {
		t.Error("缺少 FrameWriter 不应创建引擎")
	}
}

func TestParseMismatchPolicy(t *testing.T) {
	for in, expected := range map[string]MismatchPolicy{"": MismatchIgnore, "ignore": MismatchIgnore, "abort": MismatchAbort} {
		got, err := ParseMismatchPolicy(in)
		if err != nil || got != expected {
			t.Errorf("ParseMismatchPolicy(%q) = %v, %v", in, got, err)
		}
		if in != "" && got.String() != in {
			t.Errorf("String() 期望 %q，实际 %q", in, got.String())
		}
	}
	if _, err := ParseMismatchPolicy("retry"); err == nil {
		t.Error("未知策略应返回错误")
	}
}
