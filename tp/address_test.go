package tp

import (
	"bytes"
	"errors"
	"testing"
)

func TestParsePairs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		tx   Endpoint
		rx   Endpoint
	}{
		{
			name: "普通寻址 填充",
			raw:  "20 00 07 E0 00 CC 20 00 07 E8 00 CC",
			tx:   Endpoint{ID: 0x7E0, FixedLength: true, Pad: 0xCC},
			rx:   Endpoint{ID: 0x7E8, FixedLength: true, Pad: 0xCC},
		},
		{
			name: "扩展寻址 填充",
			raw:  "60 00 07 E0 FE 42 60 00 07 E8 EF 24",
			tx:   Endpoint{ID: 0x7E0, ExtAddr: true, FixedLength: true, Ext: 0xFE, Pad: 0x42},
			rx:   Endpoint{ID: 0x7E8, ExtAddr: true, FixedLength: true, Ext: 0xEF, Pad: 0x24},
		},
		{
			name: "29位ID",
			raw:  "98 DA 10 F1 00 00 98 DA F1 10 00 00",
			tx:   Endpoint{ID: 0x18DA10F1, ExtendedID: true},
			rx:   Endpoint{ID: 0x18DAF110, ExtendedID: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := mustHex(t, tc.raw)
			pairs, err := ParsePairs(raw, DefaultMaxPairs)
			if err != nil {
				t.Fatalf("解析地址对失败: %v", err)
			}
			if len(pairs) != 1 {
				t.Fatalf("应解析出 1 组地址对，实际 %d 组", len(pairs))
			}
			if pairs[0].Tx != tc.tx {
				t.Errorf("发送端不匹配\n期望: %+v\n实际: %+v", tc.tx, pairs[0].Tx)
			}
			if pairs[0].Rx != tc.rx {
				t.Errorf("接收端不匹配\n期望: %+v\n实际: %+v", tc.rx, pairs[0].Rx)
			}
			if encoded := EncodePairs(pairs); !bytes.Equal(encoded, raw) {
				t.Errorf("重新编码不一致\n期望: % 02X\n实际: % 02X", raw, encoded)
			}
		})
	}
}

func TestParsePairs_Errors(t *testing.T) {
	var invalid InvalidPairConfigError
	if _, err := ParsePairs(make([]byte, 11), DefaultMaxPairs); !errors.As(err, &invalid) {
		t.Errorf("期望 InvalidPairConfigError，实际 %v", err)
	}

	var tooMany TooManyPairsError
	if _, err := ParsePairs(make([]byte, 3*PairRecordSize), DefaultMaxPairs); !errors.As(err, &tooMany) {
		t.Errorf("期望 TooManyPairsError，实际 %v", err)
	}

	pairs, err := ParsePairs(nil, DefaultMaxPairs)
	if err != nil || len(pairs) != 0 {
		t.Errorf("空配置应清空地址对: %v %v", pairs, err)
	}
}

func TestParsePairs_DefaultChannel(t *testing.T) {
	raw := mustHex(t, "00 00 07 E0 00 00 00 00 07 E8 00 00 00 00 07 E1 00 00 00 00 07 E9 00 00")
	pairs, err := ParsePairs(raw, DefaultMaxPairs)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range pairs {
		if p.Channel != uint32(i) {
			t.Errorf("第 %d 组通道号期望 %d，实际 %d", i, i, p.Channel)
		}
	}
}

func TestEndpointMatches(t *testing.T) {
	normal := Endpoint{ID: 0x7E8}
	extended := Endpoint{ID: 0x7E8, ExtAddr: true, Ext: 0xEF}
	wide := Endpoint{ID: 0x18DAF110, ExtendedID: true}

	tests := []struct {
		name     string
		ep       Endpoint
		id       uint32
		ext      bool
		data     []byte
		expected bool
	}{
		{"普通寻址 匹配", normal, 0x7E8, false, []byte{0x02}, true},
		{"普通寻址 ID 不同", normal, 0x7E9, false, []byte{0x02}, false},
		{"11位配置不匹配29位报文", normal, 0x7E8, true, []byte{0x02}, false},
		{"扩展地址匹配", extended, 0x7E8, false, []byte{0xEF, 0x02}, true},
		{"扩展地址不同", extended, 0x7E8, false, []byte{0xEE, 0x02}, false},
		{"扩展寻址空数据", extended, 0x7E8, false, nil, false},
		{"29位匹配", wide, 0x18DAF110, true, nil, true},
		{"29位配置不匹配11位报文", wide, 0x18DAF110, false, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ep.matches(tc.id, tc.ext, tc.data); got != tc.expected {
				t.Errorf("匹配结果期望 %t，实际 %t", tc.expected, got)
			}
		})
	}
}

func TestPairTable(t *testing.T) {
	table := NewPairTable(2)
	if table.Len() != 2 || len(table.Active()) != 0 {
		t.Fatalf("新表应有 2 个空槽位")
	}

	raw := mustHex(t, "00 00 07 E0 00 00 00 00 07 E8 00 00 40 00 07 E1 AA 00 40 00 07 E9 BB 00")
	if err := table.Reconfigure(raw, []uint32{5}); err != nil {
		t.Fatalf("重配置失败: %v", err)
	}
	if len(table.Active()) != 2 {
		t.Fatalf("应激活 2 组地址对")
	}
	if table.Pair(0).Channel != 5 || table.Pair(1).Channel != 1 {
		t.Errorf("通道号覆盖错误: %d %d", table.Pair(0).Channel, table.Pair(1).Channel)
	}

	if slot, ok := table.FindByTx(0x7E1, false, []byte{0xAA, 0x01}); !ok || slot != 1 {
		t.Errorf("按发送 ID 查找失败: slot=%d ok=%t", slot, ok)
	}
	if slot, ok := table.FindByRx(0x7E8, false, []byte{0x01}); !ok || slot != 0 {
		t.Errorf("按接收 ID 查找失败: slot=%d ok=%t", slot, ok)
	}
	if _, ok := table.FindByRx(0x7E9, false, []byte{0xAA}); ok {
		t.Error("扩展地址不匹配时不应命中")
	}

	// 失败的重配置不改变已有地址对
	if err := table.Reconfigure(make([]byte, 3*PairRecordSize), nil); err == nil {
		t.Fatal("超过槽位数应返回错误")
	}
	if len(table.Active()) != 2 {
		t.Error("失败的重配置不应清空地址对")
	}

	// Set 截断超出部分
	pairs, _ := ParsePairs(raw, 2)
	table = NewPairTable(1)
	table.Set(pairs)
	if len(table.Active()) != 1 {
		t.Errorf("Set 应截断到槽位数，实际 %d", len(table.Active()))
	}

	table.SetFlowControl(8, 0x14)
	if table.BlockSize != 8 || table.STmin != 0x14 {
		t.Errorf("流控参数未更新")
	}
}
