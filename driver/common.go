package driver

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/LoveWonYoung/isotpbridge/tp"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024
	maxDataLength       = 8
)

// UnifiedCANMessage 是驱动层通用的经典 CAN 报文，用于在 channel 中传递。
type UnifiedCANMessage struct {
	ID       uint32
	Extended bool // 29 位 ID
	DLC      byte
	Data     [8]byte
}

// CANDriver 定义了 CAN 驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(msg UnifiedCANMessage) error
	RxChan() <-chan UnifiedCANMessage
	Context() context.Context
}

// Filterable 由支持接收过滤的驱动实现
type Filterable interface {
	SetFilters(filters []tp.Filter) error
}

// NewMessage 根据数据切片创建报文
func NewMessage(id uint32, extended bool, data []byte) (UnifiedCANMessage, error) {
	if len(data) > maxDataLength {
		return UnifiedCANMessage{}, fmt.Errorf("CAN数据长度 %d 超过 %d", len(data), maxDataLength)
	}
	limit := uint32(0x7FF)
	if extended {
		limit = 0x1FFFFFFF
	}
	if id > limit {
		return UnifiedCANMessage{}, fmt.Errorf("CAN ID 0x%X 超出范围 (extended=%t)", id, extended)
	}
	msg := UnifiedCANMessage{ID: id, Extended: extended, DLC: byte(len(data))}
	copy(msg.Data[:], data)
	return msg, nil
}

// Payload 返回 DLC 范围内的数据
func (m UnifiedCANMessage) Payload() []byte {
	n := int(m.DLC)
	if n > maxDataLength {
		n = maxDataLength
	}
	return m.Data[:n]
}

// WireBytes 编码为 4 字节大端 ID (29 位 ID 带 bit31) + 数据，与控制通道格式一致
func (m UnifiedCANMessage) WireBytes() []byte {
	buf := make([]byte, 4, 4+maxDataLength)
	id := m.ID
	if m.Extended {
		id |= 0x80000000
	}
	binary.BigEndian.PutUint32(buf, id)
	return append(buf, m.Payload()...)
}

// ParseWireBytes 是 WireBytes 的逆操作
func ParseWireBytes(b []byte) (UnifiedCANMessage, error) {
	if len(b) < 4 {
		return UnifiedCANMessage{}, fmt.Errorf("原始报文长度 %d 小于 4", len(b))
	}
	id := binary.BigEndian.Uint32(b)
	return NewMessage(id&0x1FFFFFFF, id&0x80000000 != 0, b[4:])
}

// ToFrame 转换为协议引擎的报文，Raw 保存线上格式供未匹配时透传
func ToFrame(m UnifiedCANMessage) tp.Frame {
	f := tp.NewFrame(m.ID, m.Extended, m.Payload())
	f.Raw = m.WireBytes()
	return f
}

// FromFrame 把协议引擎的报文转换为驱动报文
func FromFrame(f tp.Frame) UnifiedCANMessage {
	msg := UnifiedCANMessage{ID: f.ID, Extended: f.Extended, DLC: f.DLC, Data: f.Data}
	if msg.DLC > maxDataLength {
		msg.DLC = maxDataLength
	}
	return msg
}

func (m UnifiedCANMessage) String() string {
	if m.Extended {
		return fmt.Sprintf("%08X [%d] % 02X", m.ID, m.DLC, m.Payload())
	}
	return fmt.Sprintf("%03X [%d] % 02X", m.ID, m.DLC, m.Payload())
}

// acceptFilters 判断报文是否通过过滤规则，规则为空时全部接收
func acceptFilters(filters []tp.Filter, msg UnifiedCANMessage) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.ID == msg.ID && f.Extended == msg.Extended {
			return true
		}
	}
	return false
}
