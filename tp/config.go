package tp

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxPairs 与固件一致：同时激活两组地址对
	DefaultMaxPairs = 2
	// MaxPairsLimit 是可配置的上限
	MaxPairsLimit = 8
	// MaxMessageSize 是 12 位 FF_DL 能表示的最大长度
	MaxMessageSize = 4095
)

// MismatchPolicy 决定连续帧序号不匹配时的处理方式
type MismatchPolicy uint8

const (
	// MismatchIgnore 丢弃该帧，保留重组状态等待序号重新对齐
	MismatchIgnore MismatchPolicy = iota
	// MismatchAbort 丢弃该帧并放弃当前重组
	MismatchAbort
)

func (p MismatchPolicy) String() string {
	if p == MismatchAbort {
		return "abort"
	}
	return "ignore"
}

// ParseMismatchPolicy 解析命令行/配置中的策略名
func ParseMismatchPolicy(s string) (MismatchPolicy, error) {
	switch s {
	case "", "ignore":
		return MismatchIgnore, nil
	case "abort":
		return MismatchAbort, nil
	}
	return MismatchIgnore, fmt.Errorf("unknown sequence mismatch policy %q", s)
}

// Config defines the configuration for the ISO-TP engine.
type Config struct {
	// MaxPairs 是地址对表的槽位数
	MaxPairs int

	// MaxMessageSize 限制重组和发送的负载长度 (不含 4 字节消息头)
	MaxMessageSize int

	// EscapePadding 用于未匹配消息直接按单帧发送时的填充字节
	EscapePadding byte

	TimeoutN_Bs time.Duration // Time until reception of FlowControl

	// MaxWaitFrames (WFTMax) 发送方允许连续收到的 WAIT 流控帧数量
	MaxWaitFrames int

	SequenceMismatch MismatchPolicy

	// DebugChannel 启用保留 ID 上的诊断旁路
	DebugChannel bool

	// TxBacklog 是发送忙时排队等待的消息数量
	TxBacklog int

	// FilterFrames 重配置后把接收 ID 下发给支持硬件过滤的驱动
	FilterFrames bool
}

// DefaultConfig returns the defaults used by the bridge firmware.
func DefaultConfig() Config {
	return Config{
		MaxPairs:         DefaultMaxPairs,
		MaxMessageSize:   MaxMessageSize,
		EscapePadding:    0xCC,
		TimeoutN_Bs:      1000 * time.Millisecond,
		MaxWaitFrames:    10,
		SequenceMismatch: MismatchIgnore,
		DebugChannel:     true,
		TxBacklog:        4,
	}
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	if c.MaxPairs < 1 || c.MaxPairs > MaxPairsLimit {
		return fmt.Errorf("MaxPairs must be in 1..%d, got %d", MaxPairsLimit, c.MaxPairs)
	}
	if c.MaxMessageSize < 1 || c.MaxMessageSize > MaxMessageSize {
		return fmt.Errorf("MaxMessageSize must be in 1..%d, got %d", MaxMessageSize, c.MaxMessageSize)
	}
	if c.TimeoutN_Bs <= 0 {
		return fmt.Errorf("TimeoutN_Bs must be positive, got %v", c.TimeoutN_Bs)
	}
	if c.MaxWaitFrames < 0 {
		return fmt.Errorf("MaxWaitFrames must not be negative, got %d", c.MaxWaitFrames)
	}
	if c.TxBacklog < 0 {
		return fmt.Errorf("TxBacklog must not be negative, got %d", c.TxBacklog)
	}
	return nil
}
