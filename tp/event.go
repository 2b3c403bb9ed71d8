package tp

import "fmt"

// EventKind 标识调度器处理的事件类型
type EventKind uint8

const (
	EventReconfigurePairs EventKind = iota + 1
	EventReconfigureFlowControl
	EventWriteMessage
	EventIncomingCan
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventReconfigurePairs:
		return "reconfigure-pairs"
	case EventReconfigureFlowControl:
		return "reconfigure-flow-control"
	case EventWriteMessage:
		return "write-message"
	case EventIncomingCan:
		return "incoming-can"
	case EventShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event 是调度器逐个消费的事件。
//   - ReconfigurePairs: Data 为 n×12 字节配置，Channels 可选
//   - ReconfigureFlowControl: Data 为 [BS, STmin]
//   - WriteMessage: Data 为 4 字节大端目标 ID + [ext] + 负载
//   - IncomingCan: Frame
type Event struct {
	Kind     EventKind
	Data     []byte
	Channels []uint32
	Frame    Frame
}

func ReconfigurePairs(raw []byte, channels ...uint32) Event {
	return Event{Kind: EventReconfigurePairs, Data: raw, Channels: channels}
}

func ReconfigureFlowControl(blockSize, stMin byte) Event {
	return Event{Kind: EventReconfigureFlowControl, Data: []byte{blockSize, stMin}}
}

func WriteMessage(raw []byte) Event {
	return Event{Kind: EventWriteMessage, Data: raw}
}

func IncomingCan(f Frame) Event {
	return Event{Kind: EventIncomingCan, Frame: f}
}

func Shutdown() Event {
	return Event{Kind: EventShutdown}
}
