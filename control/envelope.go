package control

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind 标识控制通道上的报文类型
type Kind uint8

const (
	KindHello        Kind = 0x01
	KindPairs        Kind = 0x02
	KindFlowControl  Kind = 0x03
	KindWriteMessage Kind = 0x04
	KindRawFrame     Kind = 0x05

	KindMessage   Kind = 0x84
	KindUnmatched Kind = 0x85
	// KindEngineError 是引擎异步上报的错误，广播给所有客户端，与某个请求无关
	KindEngineError Kind = 0x86
	// KindError 只回给发出被拒绝请求的客户端
	KindError Kind = 0xEE
)

// 负载 map 的整数键
const (
	keyData    = 0
	keyChannel = 1
)

const (
	pairRecordSize = 12
	// maxPairsPayload 与单次 GATT 写入上限一致
	maxPairsPayload = 252
	wireIDSize      = 4
	maxRawFrameSize = wireIDSize + 8
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindPairs:
		return "pairs"
	case KindFlowControl:
		return "flow-control"
	case KindWriteMessage:
		return "write-message"
	case KindRawFrame:
		return "raw-frame"
	case KindMessage:
		return "message"
	case KindUnmatched:
		return "unmatched"
	case KindEngineError:
		return "engine-error"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(0x%02X)", uint8(k))
}

// Envelope 是一条控制通道报文，编码为 CBOR 数组 [kind, {0: data, 1: channel}]，
// 没有数据和通道时负载为 nil。
type Envelope struct {
	Kind    Kind
	Data    []byte
	Channel uint32
}

// Marshal 编码为 CBOR
func (e Envelope) Marshal() ([]byte, error) {
	var payload interface{}
	if len(e.Data) > 0 || e.Channel != 0 {
		// nil 切片会被编码为 CBOR null
		data := e.Data
		if data == nil {
			data = []byte{}
		}
		m := map[int]interface{}{keyData: data}
		if e.Channel != 0 {
			m[keyChannel] = e.Channel
		}
		payload = m
	}
	data, err := cbor.Marshal([]interface{}{uint8(e.Kind), payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Unmarshal 解析 [kind, payload] 格式的 CBOR 报文
func Unmarshal(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("empty CBOR payload")
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	if len(msg) != 2 {
		return Envelope{}, fmt.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	var env Envelope
	switch v := msg[0].(type) {
	case uint64:
		if v > 255 {
			return Envelope{}, fmt.Errorf("envelope kind out of range: %d", v)
		}
		env.Kind = Kind(v)
	default:
		return Envelope{}, fmt.Errorf("expected uint for envelope kind, got %T", msg[0])
	}

	if msg[1] == nil {
		return env, nil
	}
	payload, ok := msg[1].(map[interface{}]interface{})
	if !ok {
		return Envelope{}, fmt.Errorf("expected map or nil for payload, got %T", msg[1])
	}
	for key, val := range payload {
		k, ok := key.(uint64)
		if !ok {
			return Envelope{}, fmt.Errorf("expected unsigned map key, got %T", key)
		}
		switch k {
		case keyData:
			b, ok := val.([]byte)
			if !ok {
				return Envelope{}, fmt.Errorf("expected byte string for data, got %T", val)
			}
			env.Data = b
		case keyChannel:
			c, ok := val.(uint64)
			if !ok || c > 0xFFFFFFFF {
				return Envelope{}, fmt.Errorf("invalid channel %v", val)
			}
			env.Channel = uint32(c)
		}
		// 未知键忽略，便于以后扩展
	}
	return env, nil
}

// Validate 按类型检查负载长度
func (e Envelope) Validate() error {
	n := len(e.Data)
	switch e.Kind {
	case KindHello, KindMessage, KindUnmatched, KindEngineError, KindError:
		return nil
	case KindPairs:
		if n%pairRecordSize != 0 || n > maxPairsPayload {
			return fmt.Errorf("pairs payload must be a multiple of %d bytes up to %d, got %d", pairRecordSize, maxPairsPayload, n)
		}
	case KindFlowControl:
		if n != 2 {
			return fmt.Errorf("flow control payload must be 2 bytes, got %d", n)
		}
	case KindWriteMessage:
		if n < wireIDSize {
			return fmt.Errorf("message payload must start with a %d-byte id, got %d bytes", wireIDSize, n)
		}
	case KindRawFrame:
		if n < wireIDSize || n > maxRawFrameSize {
			return fmt.Errorf("raw frame payload must be %d..%d bytes, got %d", wireIDSize, maxRawFrameSize, n)
		}
	default:
		return fmt.Errorf("unknown envelope kind %s", e.Kind)
	}
	return nil
}
