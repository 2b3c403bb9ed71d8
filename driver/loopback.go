package driver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LoveWonYoung/isotpbridge/tp"
	"go.uber.org/zap"
)

// Loopback 是内存中的虚拟 CAN 驱动，用于开发和测试，不依赖实际硬件。
// 通过 Link 连接的两个设备互为总线上的对端；预设响应可以模拟简单的 ECU。
type Loopback struct {
	mu        sync.Mutex
	rxChan    chan UnifiedCANMessage
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	stopped   bool
	peers     []*Loopback
	filters   []tp.Filter
	writeLog  []WriteRecord      // 记录写入的数据
	responses []LoopbackResponse // 预设的自动响应
	logger    *zap.SugaredLogger
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Message   UnifiedCANMessage
	Timestamp time.Time
}

// LoopbackResponse 定义预设的自动响应
type LoopbackResponse struct {
	TriggerID   uint32        // 触发响应的请求 ID
	TriggerData []byte        // 触发响应的数据前缀 (可选)
	Response    UnifiedCANMessage
	Delay       time.Duration // 响应延迟
}

// NewLoopback 创建一个新的虚拟 CAN 设备实例
func NewLoopback() *Loopback {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loopback{
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
		logger: zap.NewNop().Sugar(),
	}
}

// Link 把两个虚拟设备连到同一条总线上
func Link(a, b *Loopback) {
	a.mu.Lock()
	a.peers = append(a.peers, b)
	a.mu.Unlock()
	b.mu.Lock()
	b.peers = append(b.peers, a)
	b.mu.Unlock()
}

func (c *Loopback) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
}

// Init 初始化虚拟设备 (总是成功)
func (c *Loopback) Init() error {
	c.logger.Debug("[Loopback] CAN device initialised")
	return nil
}

// Start 启动虚拟设备
func (c *Loopback) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.stopped {
		return
	}
	c.running = true
	c.logger.Debug("[Loopback] CAN device started")
}

// Stop 停止虚拟设备，之后 RxChan 被关闭
func (c *Loopback) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.stopped = true
	c.cancel()
	close(c.rxChan)
	c.logger.Debug("[Loopback] CAN device stopped")
}

// Write 记录报文，投递给对端并触发预设响应
func (c *Loopback) Write(msg UnifiedCANMessage) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("设备未启动")
	}
	c.writeLog = append(c.writeLog, WriteRecord{Message: msg, Timestamp: time.Now()})
	peers := append([]*Loopback(nil), c.peers...)
	var triggered []LoopbackResponse
	for _, resp := range c.responses {
		if resp.TriggerID == msg.ID && bytes.HasPrefix(msg.Payload(), resp.TriggerData) {
			triggered = append(triggered, resp)
		}
	}
	c.mu.Unlock()

	c.logger.Debugf("[Loopback] TX %s", msg)

	for _, p := range peers {
		if err := p.InjectMessage(msg); err != nil {
			c.logger.Debugf("[Loopback] peer dropped %s: %v", msg, err)
		}
	}

	for _, resp := range triggered {
		go func(r LoopbackResponse) {
			if r.Delay > 0 {
				time.Sleep(r.Delay)
			}
			if err := c.InjectMessage(r.Response); err != nil {
				c.logger.Debugf("[Loopback] response dropped: %v", err)
			}
		}(resp)
	}
	return nil
}

// RxChan 返回接收通道
func (c *Loopback) RxChan() <-chan UnifiedCANMessage {
	return c.rxChan
}

// Context 返回设备上下文
func (c *Loopback) Context() context.Context {
	return c.ctx
}

// SetFilters 设置接收过滤，空列表表示全部接收
func (c *Loopback) SetFilters(filters []tp.Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append([]tp.Filter(nil), filters...)
	return nil
}

// ============================================================================
// 测试辅助方法
// ============================================================================

// InjectMessage 向接收通道注入一条消息 (模拟接收)，通道满时丢弃
func (c *Loopback) InjectMessage(msg UnifiedCANMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("设备未启动")
	}
	if !acceptFilters(c.filters, msg) {
		return nil
	}

	select {
	case c.rxChan <- msg:
		c.logger.Debugf("[Loopback] RX %s", msg)
		return nil
	default:
		return fmt.Errorf("接收通道已满")
	}
}

// AddResponse 添加一个预设响应
func (c *Loopback) AddResponse(triggerID uint32, triggerData []byte, response UnifiedCANMessage, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, LoopbackResponse{
		TriggerID:   triggerID,
		TriggerData: triggerData,
		Response:    response,
		Delay:       delay,
	})
}

// ClearResponses 清除所有预设响应
func (c *Loopback) ClearResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = nil
}

// GetWriteLog 获取写入日志
func (c *Loopback) GetWriteLog() []WriteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteRecord{}, c.writeLog...)
}

// ClearWriteLog 清除写入日志
func (c *Loopback) ClearWriteLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLog = nil
}

// IsRunning 检查设备是否正在运行
func (c *Loopback) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
