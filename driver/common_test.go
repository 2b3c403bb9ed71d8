package driver

import (
	"bytes"
	"testing"

	"github.com/LoveWonYoung/isotpbridge/tp"
)

func mustMessage(t *testing.T, id uint32, extended bool, data []byte) UnifiedCANMessage {
	t.Helper()
	msg, err := NewMessage(id, extended, data)
	if err != nil {
		t.Fatalf("创建报文失败: %v", err)
	}
	return msg
}

func TestNewMessage(t *testing.T) {
	if _, err := NewMessage(0x800, false, nil); err == nil {
		t.Error("11 位 ID 超出范围应失败")
	}
	if _, err := NewMessage(0x20000000, true, nil); err == nil {
		t.Error("29 位 ID 超出范围应失败")
	}
	if _, err := NewMessage(0x7E0, false, make([]byte, 9)); err == nil {
		t.Error("9 字节数据应失败")
	}
	msg := mustMessage(t, 0x18DAF110, true, []byte{0x01, 0x02})
	if msg.DLC != 2 || !bytes.Equal(msg.Payload(), []byte{0x01, 0x02}) {
		t.Errorf("报文内容错误: %s", msg)
	}
}

func TestWireBytes(t *testing.T) {
	tests := []struct {
		name     string
		msg      UnifiedCANMessage
		expected []byte
	}{
		{"标准帧", mustMessage(t, 0x7E8, false, []byte{0x02, 0x50, 0x01}), []byte{0x00, 0x00, 0x07, 0xE8, 0x02, 0x50, 0x01}},
		{"扩展帧", mustMessage(t, 0x1FFFFFFE, true, []byte{0x01}), []byte{0x9F, 0xFF, 0xFF, 0xFE, 0x01}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.msg.WireBytes()
			if !bytes.Equal(got, tc.expected) {
				t.Errorf("线上格式不匹配\n期望: % 02X\n实际: % 02X", tc.expected, got)
			}
			back, err := ParseWireBytes(got)
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}
			if back != tc.msg {
				t.Errorf("往返不一致\n期望: %s\n实际: %s", tc.msg, back)
			}
		})
	}

	if _, err := ParseWireBytes([]byte{0x00, 0x07}); err == nil {
		t.Error("少于 4 字节应失败")
	}
}

func TestFrameConversion(t *testing.T) {
	msg := mustMessage(t, 0x18DAF110, true, []byte{0x03, 0x7F, 0x22, 0x78})
	f := ToFrame(msg)
	if f.ID != 0x18DAF110 || !f.Extended || !bytes.Equal(f.Payload(), msg.Payload()) {
		t.Errorf("转换为引擎报文错误: %s", &f)
	}
	if !bytes.Equal(f.Raw, msg.WireBytes()) {
		t.Errorf("Raw 应为线上格式\n期望: % 02X\n实际: % 02X", msg.WireBytes(), f.Raw)
	}
	if back := FromFrame(f); back != msg {
		t.Errorf("转换回驱动报文不一致\n期望: %s\n实际: %s", msg, back)
	}
}

func TestAcceptFilters(t *testing.T) {
	filters := []tp.Filter{{ID: 0x7E8}, {ID: 0x1FFFFFFF, Extended: true}}
	tests := []struct {
		msg      UnifiedCANMessage
		expected bool
	}{
		{mustMessage(t, 0x7E8, false, nil), true},
		{mustMessage(t, 0x7E8, true, nil), false},
		{mustMessage(t, 0x7E9, false, nil), false},
		{mustMessage(t, 0x1FFFFFFF, true, nil), true},
	}
	for _, tc := range tests {
		if got := acceptFilters(filters, tc.msg); got != tc.expected {
			t.Errorf("%s 过滤结果期望 %t，实际 %t", tc.msg, tc.expected, got)
		}
	}
	if !acceptFilters(nil, mustMessage(t, 0x123, false, nil)) {
		t.Error("没有过滤规则时应全部接收")
	}
}

func TestCANFrameLayout(t *testing.T) {
	msg := mustMessage(t, 0x18DAF110, true, []byte{0x02, 0x3E, 0x00})
	buf := marshalCANFrame(msg)
	if len(buf) != canFrameSize || buf[4] != 3 || !bytes.Equal(buf[8:11], []byte{0x02, 0x3E, 0x00}) {
		t.Fatalf("can_frame 布局错误: % 02X", buf)
	}
	back, err := unmarshalCANFrame(buf)
	if err != nil {
		t.Fatalf("解析 can_frame 失败: %v", err)
	}
	if back != msg {
		t.Errorf("can_frame 往返不一致\n期望: %s\n实际: %s", msg, back)
	}

	std := mustMessage(t, 0x7E0, false, []byte{0x01})
	if back, err := unmarshalCANFrame(marshalCANFrame(std)); err != nil || back != std {
		t.Errorf("标准帧往返不一致: %s %v", back, err)
	}

	if _, err := unmarshalCANFrame(buf[:8]); err == nil {
		t.Error("不足 16 字节应失败")
	}
}
