package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Linux struct can_frame 布局 (16 字节，can_id 为主机字节序):
//
//	0..3  can_id (EFF/RTR/ERR 标志)
//	4     can_dlc
//	5..7  填充
//	8..15 数据
const (
	canFrameSize = 16
	canEffFlag   = 0x80000000
	canRtrFlag   = 0x40000000
	canErrFlag   = 0x20000000
	canEffMask   = 0x1FFFFFFF
	canSffMask   = 0x7FF
)

var errSkipFrame = errors.New("remote or error frame")

func marshalCANFrame(msg UnifiedCANMessage) []byte {
	buf := make([]byte, canFrameSize)
	id := msg.ID & canSffMask
	if msg.Extended {
		id = msg.ID&canEffMask | canEffFlag
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	payload := msg.Payload()
	buf[4] = byte(len(payload))
	copy(buf[8:], payload)
	return buf
}

func unmarshalCANFrame(buf []byte) (UnifiedCANMessage, error) {
	if len(buf) < canFrameSize {
		return UnifiedCANMessage{}, fmt.Errorf("can_frame needs %d bytes, got %d", canFrameSize, len(buf))
	}
	id := binary.NativeEndian.Uint32(buf[0:4])
	if id&(canRtrFlag|canErrFlag) != 0 {
		return UnifiedCANMessage{}, errSkipFrame
	}
	msg := UnifiedCANMessage{Extended: id&canEffFlag != 0, DLC: buf[4]}
	if msg.Extended {
		msg.ID = id & canEffMask
	} else {
		msg.ID = id & canSffMask
	}
	if msg.DLC > maxDataLength {
		msg.DLC = maxDataLength
	}
	copy(msg.Data[:], buf[8:16])
	return msg, nil
}
