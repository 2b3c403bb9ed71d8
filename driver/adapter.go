package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/LoveWonYoung/isotpbridge/tp"
	"go.uber.org/zap"
)

// BusAdapter 是连接 CAN 驱动和 ISO-TP 引擎的适配器。
// 它实现 tp.FrameWriter 和 tp.FilterSetter，并把驱动收到的报文推入事件队列。
type BusAdapter struct {
	driver CANDriver // 使用接口，支持 loopback / SocketCAN / SLCAN
	rxChan <-chan UnifiedCANMessage
	logger *zap.SugaredLogger
}

// NewBusAdapter 初始化并启动驱动
func NewBusAdapter(dev CANDriver) (*BusAdapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()

	return &BusAdapter{
		driver: dev,
		rxChan: dev.RxChan(),
		logger: zap.NewNop().Sugar(),
	}, nil
}

func (a *BusAdapter) SetLogger(logger *zap.SugaredLogger) {
	a.logger = logger
}

// Close 用于停止驱动并释放资源
func (a *BusAdapter) Close() {
	a.logger.Info("closing bus adapter")
	a.driver.Stop()
}

// WriteFrame 把引擎输出的报文交给驱动发送
func (a *BusAdapter) WriteFrame(f tp.Frame) error {
	return a.driver.Write(FromFrame(f))
}

// WriteRaw 绕过协议引擎直接发送一帧
func (a *BusAdapter) WriteRaw(msg UnifiedCANMessage) error {
	return a.driver.Write(msg)
}

// SetFilters 转发给支持硬件过滤的驱动，其它驱动忽略
func (a *BusAdapter) SetFilters(filters []tp.Filter) error {
	fd, ok := a.driver.(Filterable)
	if !ok {
		a.logger.Debugf("driver %T has no receive filters, ignoring %d filters", a.driver, len(filters))
		return nil
	}
	return fd.SetFilters(filters)
}

// Pump 把驱动收到的报文转换为 IncomingCan 事件。
// 队列满时丢弃最新报文，不阻塞驱动。驱动通道关闭或 ctx 取消时返回。
func (a *BusAdapter) Pump(ctx context.Context, events *tp.Queue[tp.Event]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-a.rxChan:
			if !ok {
				return nil
			}
			if msg.DLC > maxDataLength {
				a.logger.Warnf("DLC %d of frame %03X exceeds %d, truncating", msg.DLC, msg.ID, maxDataLength)
				msg.DLC = maxDataLength
			}
			if err := events.TryPush(tp.IncomingCan(ToFrame(msg))); err != nil {
				a.logger.Warnf("dropped incoming frame %s: %v", msg, err)
			}
		}
	}
}
