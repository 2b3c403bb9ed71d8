package tp

import (
	"fmt"
	"time"
)

type ISOTPFrame interface{}
type SingleFrame struct{ Data []byte }
type FirstFrame struct {
	TotalSize int
	Data      []byte
}
type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}
type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
	RawSTmin   byte
}

func decodeSTmin(stMinByte byte) time.Duration {
	if stMinByte <= 0x7F {
		return time.Duration(stMinByte) * time.Millisecond
	}
	if stMinByte >= 0xF1 && stMinByte <= 0xF9 {
		return time.Duration(stMinByte-0xF0) * 100 * time.Microsecond
	}
	// Per standard, other values are reserved and should be interpreted as the max (127ms)
	return 127 * time.Millisecond
}

// ParseFrame 解码经典 CAN 上的 ISO-TP 帧，prefixSize 为扩展地址字节数
func ParseFrame(f *Frame, prefixSize int) (ISOTPFrame, error) {
	data := f.Payload()
	if len(data) <= prefixSize {
		return nil, fmt.Errorf("CAN数据长度 (%d) 小于等于前缀长度 (%d)", len(data), prefixSize)
	}

	payload := data[prefixSize:]
	pciType := payload[0] & 0xF0

	switch pciType {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		if length > maxCANDataLength-1-prefixSize {
			return nil, fmt.Errorf("SF长度 %d 超过单帧容量 %d", length, maxCANDataLength-1-prefixSize)
		}
		if len(payload)-1 < length {
			return nil, fmt.Errorf("SF数据不完整")
		}
		return &SingleFrame{Data: payload[1 : 1+length]}, nil
	case pciTypeFirstFrame:
		if len(payload) < 2 {
			return nil, fmt.Errorf("FF长度不足2字节")
		}
		totalSize := (int(payload[0]&0x0F) << 8) | int(payload[1])
		if totalSize == 0 {
			// 32 位 FF_DL 只用于 CAN-FD
			return nil, fmt.Errorf("不支持的FF长度转义")
		}
		// 单帧放得下的长度不能用首帧发送
		if sfMax := maxCANDataLength - 1 - prefixSize; totalSize <= sfMax {
			return nil, fmt.Errorf("FF长度 %d 不超过单帧容量 %d", totalSize, sfMax)
		}
		return &FirstFrame{TotalSize: totalSize, Data: payload[2:]}, nil
	case pciTypeConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil
	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, fmt.Errorf("FC长度不足3字节")
		}
		return &FlowControlFrame{
			FlowStatus: FlowStatus(payload[0] & 0x0F),
			BlockSize:  int(payload[1]),
			STmin:      decodeSTmin(payload[2]),
			RawSTmin:   payload[2],
		}, nil
	}
	return nil, fmt.Errorf("未知PCI类型: 0x%02X", pciType)
}
