package tp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// SplitBlock 把数据按 blockSize 拆分，最后一块可能不足 blockSize
func SplitBlock(data []byte, blockSize int) [][]byte {
	if blockSize <= 0 {
		return nil
	}
	var blocks [][]byte
	for i := 0; i < len(data); i += blockSize {
		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

// IntToBig 返回 4 字节大端编码
func IntToBig(num uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, num)
	return buf
}

// BigToInt 解码最多 4 字节的大端整数，不足 4 字节时高位补零
func BigToInt(buf []byte) uint32 {
	if len(buf) < 4 {
		padded := make([]byte, 4)
		copy(padded[4-len(buf):], buf)
		buf = padded
	}
	return binary.BigEndian.Uint32(buf)
}

// ParseHexBytes 解析 "00 00 07 E0 09 02" 或 "000007E00902" 形式的十六进制串
func ParseHexBytes(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string %q has odd length", s)
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return data, nil
}
