package gateway

import (
	"fmt"

	"github.com/LoveWonYoung/isotpbridge/tp"
)

// Config 汇总网关的全部配置
type Config struct {
	Engine tp.Config

	// 三个有损队列的深度，0 表示使用 tp.DefaultQueueDepth
	EventQueueDepth     int
	MessageQueueDepth   int
	UnmatchedQueueDepth int

	// ListenAddr 为空时不启动 HTTP 服务，控制通道只能通过 Handler() 挂载
	ListenAddr string
	Path       string
	Username   string
	Password   string

	// 启动时下发的地址对 (n×12 字节) 和流控参数
	InitialPairs []byte
	BlockSize    byte
	STmin        byte
}

func DefaultConfig() Config {
	return Config{
		Engine:              tp.DefaultConfig(),
		EventQueueDepth:     tp.DefaultQueueDepth,
		MessageQueueDepth:   tp.DefaultQueueDepth,
		UnmatchedQueueDepth: tp.DefaultQueueDepth,
		Path:                "/ws",
	}
}

func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.EventQueueDepth < 0 || c.MessageQueueDepth < 0 || c.UnmatchedQueueDepth < 0 {
		return fmt.Errorf("queue depths must not be negative")
	}
	if len(c.InitialPairs) > 0 {
		if _, err := tp.ParsePairs(c.InitialPairs, c.Engine.MaxPairs); err != nil {
			return fmt.Errorf("invalid initial pairs: %w", err)
		}
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	return nil
}
