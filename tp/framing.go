package tp

import (
	"errors"
	"fmt"
)

const (
	// pciTypeSingleFrame (SF) 是 0
	pciTypeSingleFrame = 0x00
	// pciTypeFirstFrame (FF) 是 1
	pciTypeFirstFrame = 0x10
	// pciTypeConsecutiveFrame (CF) 是 2
	pciTypeConsecutiveFrame = 0x20
	// pciTypeFlowControl (FC) 是 3
	pciTypeFlowControl = 0x30
)

// singleFrameCapacity 单帧最大负载：普通寻址 7 字节，扩展寻址 6 字节
func singleFrameCapacity(ep Endpoint) int {
	return maxCANDataLength - 1 - ep.prefixSize()
}

func firstFrameCapacity(ep Endpoint) int {
	return maxCANDataLength - 2 - ep.prefixSize()
}

func consecutiveFrameCapacity(ep Endpoint) int {
	return maxCANDataLength - 1 - ep.prefixSize()
}

// buildFrame 加上地址扩展前缀，按需填充到 8 字节
func buildFrame(ep Endpoint, body []byte) Frame {
	f := Frame{ID: ep.ID, Extended: ep.ExtendedID}
	n := 0
	if ep.ExtAddr {
		f.Data[0] = ep.Ext
		n = 1
	}
	n += copy(f.Data[n:], body)
	if ep.FixedLength {
		for i := n; i < maxCANDataLength; i++ {
			f.Data[i] = ep.Pad
		}
		n = maxCANDataLength
	}
	f.DLC = uint8(n)
	return f
}

// createFlowControlFrame 创建流控帧：[ext] 30|FS BS STmin [pad...]
func createFlowControlFrame(ep Endpoint, status FlowStatus, blockSize, stMin byte) Frame {
	return buildFrame(ep, []byte{pciTypeFlowControl | byte(status), blockSize, stMin})
}

// createSingleFrame 创建单帧：[ext] 0L payload [pad...]
func createSingleFrame(ep Endpoint, payload []byte) (Frame, error) {
	if len(payload) > singleFrameCapacity(ep) {
		return Frame{}, fmt.Errorf("单帧负载长度 (%d) 超过最大限制 (%d)", len(payload), singleFrameCapacity(ep))
	}
	body := make([]byte, 0, 1+len(payload))
	body = append(body, pciTypeSingleFrame|byte(len(payload)))
	body = append(body, payload...)
	return buildFrame(ep, body), nil
}

// createFirstFrame 创建首帧，返回帧和实际放入的负载字节数
func createFirstFrame(ep Endpoint, payload []byte) (Frame, int, error) {
	total := len(payload)
	if total > MaxMessageSize {
		return Frame{}, 0, fmt.Errorf("消息长度 (%d) 超过 12 位 FF_DL 上限 (%d)", total, MaxMessageSize)
	}
	chunk := firstFrameCapacity(ep)
	if total <= chunk {
		return Frame{}, 0, fmt.Errorf("消息长度 (%d) 不足以使用首帧", total)
	}
	body := make([]byte, 0, 2+chunk)
	body = append(body, pciTypeFirstFrame|byte(total>>8&0x0F), byte(total&0xFF))
	body = append(body, payload[:chunk]...)
	return buildFrame(ep, body), chunk, nil
}

// createConsecutiveFrame 创建连续帧：[ext] 2N chunk [pad...]
func createConsecutiveFrame(ep Endpoint, sequenceNumber int, chunk []byte) (Frame, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return Frame{}, errors.New("序列号必须在0到15之间")
	}
	if len(chunk) > consecutiveFrameCapacity(ep) {
		return Frame{}, fmt.Errorf("连续帧负载长度 (%d) 超过最大限制 (%d)", len(chunk), consecutiveFrameCapacity(ep))
	}
	body := make([]byte, 0, 1+len(chunk))
	body = append(body, pciTypeConsecutiveFrame|byte(sequenceNumber))
	body = append(body, chunk...)
	return buildFrame(ep, body), nil
}

// createEscapeFrame 未匹配地址对时直接按填充单帧发送到字面 ID
func createEscapeFrame(id uint32, extendedID bool, payload []byte, pad byte) (Frame, error) {
	ep := Endpoint{ID: id & canIDMask, ExtendedID: extendedID, FixedLength: true, Pad: pad}
	return createSingleFrame(ep, payload)
}
