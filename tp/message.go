package tp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// wireExtendedFlag 标记 29 位 ID (bit31)，与控制通道及消息头格式一致
	wireExtendedFlag = 0x80000000
	// canIDMask 取出 29 位数值 ID
	canIDMask = 0x1FFFFFFF
	// messageHeaderSize 是每条上送消息前的 4 字节大端 CAN ID
	messageHeaderSize = 4
	maxCANDataLength  = 8
)

// Frame 代表一个经典 CAN 报文 (ISO-11898)。
type Frame struct {
	ID       uint32
	Extended bool
	DLC      uint8
	Data     [8]byte

	// Raw 保存驱动层的原始报文，未匹配时原样交给 UnmatchedSink
	Raw []byte
}

// NewFrame 根据数据切片创建报文，超过 8 字节的部分被截断
func NewFrame(id uint32, extended bool, data []byte) Frame {
	f := Frame{ID: id & canIDMask, Extended: extended}
	n := copy(f.Data[:], data)
	f.DLC = uint8(n)
	return f
}

// WireID 返回带 29 位标志的 ID
func (f Frame) WireID() uint32 {
	if f.Extended {
		return f.ID | wireExtendedFlag
	}
	return f.ID
}

// Payload 返回 DLC 范围内的数据
func (f *Frame) Payload() []byte {
	n := int(f.DLC)
	if n > maxCANDataLength {
		n = maxCANDataLength
	}
	return f.Data[:n]
}

func (f *Frame) String() string {
	var idStr string
	if f.Extended {
		idStr = fmt.Sprintf("%08x", f.ID)
	} else {
		idStr = fmt.Sprintf("%03x", f.ID)
	}
	return fmt.Sprintf("<Frame %s [%d] \"%s\">", idStr, f.DLC, hex.EncodeToString(f.Payload()))
}

// Message 是上送给消费者的完整应用消息。
// Data 的前 4 字节是大端 CAN ID (29 位 ID 带 bit31)，其后是可选的扩展地址字节和负载。
type Message struct {
	Data    []byte
	Channel uint32
}

// ID 返回消息头中的 CAN ID (含 bit31 标志)
func (m Message) ID() uint32 {
	if len(m.Data) < messageHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint32(m.Data)
}

// Body 返回消息头之后的内容
func (m Message) Body() []byte {
	if len(m.Data) < messageHeaderSize {
		return nil
	}
	return m.Data[messageHeaderSize:]
}

// State 定义了收发状态机的状态。
type State uint8

const (
	StateIdle State = iota
	StateWaitFC
	StateWaitCF
	StateTransmit
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitFC:
		return "wait-fc"
	case StateWaitCF:
		return "wait-cf"
	case StateTransmit:
		return "transmit"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)
