package control

import (
	"bytes"
	"testing"
)

func TestEnvelope_Encoding(t *testing.T) {
	tests := []struct {
		name     string
		env      Envelope
		expected []byte
	}{
		// [1, null]
		{"空负载", Envelope{Kind: KindHello}, []byte{0x82, 0x01, 0xF6}},
		// [3, {0: h'0014'}]
		{"流控参数", Envelope{Kind: KindFlowControl, Data: []byte{0x00, 0x14}}, []byte{0x82, 0x03, 0xA1, 0x00, 0x42, 0x00, 0x14}},
		// [0x85, {0: h'000007E8'}]
		{"未匹配报文", Envelope{Kind: KindUnmatched, Data: []byte{0x00, 0x00, 0x07, 0xE8}}, []byte{0x82, 0x18, 0x85, 0xA1, 0x00, 0x44, 0x00, 0x00, 0x07, 0xE8}},
		{"引擎错误", Envelope{Kind: KindEngineError, Data: []byte("x")}, []byte{0x82, 0x18, 0x86, 0xA1, 0x00, 0x41, 0x78}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.env.Marshal()
			if err != nil {
				t.Fatalf("编码失败: %v", err)
			}
			if !bytes.Equal(got, tc.expected) {
				t.Errorf("CBOR 编码不匹配\n期望: % 02X\n实际: % 02X", tc.expected, got)
			}
			back, err := Unmarshal(got)
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if back.Kind != tc.env.Kind || !bytes.Equal(back.Data, tc.env.Data) || back.Channel != tc.env.Channel {
				t.Errorf("往返不一致\n期望: %+v\n实际: %+v", tc.env, back)
			}
		})
	}
}

func TestEnvelope_Channel(t *testing.T) {
	env := Envelope{Kind: KindMessage, Data: []byte{0x00, 0x00, 0x07, 0xE8, 0x62}, Channel: 7}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.Channel != 7 || !bytes.Equal(back.Data, env.Data) {
		t.Errorf("通道号往返不一致: %+v", back)
	}

	// 只有通道号时 data 编码为空字节串
	raw, err = Envelope{Kind: KindPairs, Channel: 3}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err = Unmarshal(raw)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if back.Channel != 3 || len(back.Data) != 0 {
		t.Errorf("仅通道号的报文解码错误: %+v", back)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"空数据", nil},
		{"非数组", []byte{0x01}},
		{"三个元素", []byte{0x83, 0x01, 0xF6, 0xF6}},
		{"类型为字符串", []byte{0x82, 0x61, 0x41, 0xF6}},
		{"类型超出范围", []byte{0x82, 0x19, 0x01, 0x00, 0xF6}},
		{"负载为整数", []byte{0x82, 0x01, 0x05}},
		{"data 非字节串", []byte{0x82, 0x04, 0xA1, 0x00, 0x05}},
		{"负数键", []byte{0x82, 0x04, 0xA1, 0x20, 0x40}},
		{"截断", []byte{0x82, 0x04, 0xA1, 0x00, 0x44, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if env, err := Unmarshal(tc.raw); err == nil {
				t.Errorf("期望解码失败，实际 %+v", env)
			}
		})
	}
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name  string
		env   Envelope
		valid bool
	}{
		{"hello", Envelope{Kind: KindHello}, true},
		{"一组地址对", Envelope{Kind: KindPairs, Data: make([]byte, 12)}, true},
		{"清空地址对", Envelope{Kind: KindPairs}, true},
		{"21 组地址对", Envelope{Kind: KindPairs, Data: make([]byte, 252)}, true},
		{"地址对长度不是 12 的倍数", Envelope{Kind: KindPairs, Data: make([]byte, 13)}, false},
		{"地址对超过 252 字节", Envelope{Kind: KindPairs, Data: make([]byte, 264)}, false},
		{"流控 2 字节", Envelope{Kind: KindFlowControl, Data: []byte{0, 0}}, true},
		{"流控 3 字节", Envelope{Kind: KindFlowControl, Data: []byte{0, 0, 0}}, false},
		{"消息仅有 ID", Envelope{Kind: KindWriteMessage, Data: make([]byte, 4)}, true},
		{"消息不足 4 字节", Envelope{Kind: KindWriteMessage, Data: make([]byte, 3)}, false},
		{"原始帧 12 字节", Envelope{Kind: KindRawFrame, Data: make([]byte, 12)}, true},
		{"原始帧 13 字节", Envelope{Kind: KindRawFrame, Data: make([]byte, 13)}, false},
		{"原始帧缺 ID", Envelope{Kind: KindRawFrame, Data: make([]byte, 2)}, false},
		{"未知类型", Envelope{Kind: 0x42}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if (err == nil) != tc.valid {
				t.Errorf("期望 valid=%t，实际错误 %v", tc.valid, err)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	if KindWriteMessage.String() != "write-message" {
		t.Errorf("类型名称错误: %s", KindWriteMessage)
	}
	if KindEngineError.String() != "engine-error" {
		t.Errorf("类型名称错误: %s", KindEngineError)
	}
	if Kind(0x42).String() != "kind(0x42)" {
		t.Errorf("未知类型名称错误: %s", Kind(0x42))
	}
}
