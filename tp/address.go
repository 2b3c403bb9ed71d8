package tp

import (
	"encoding/binary"
	"fmt"
)

const (
	// 地址对记录中 ID 高位的模式标志
	flagExtendedAddressing = 0x40000000
	flagFixedLength        = 0x20000000

	// PairRecordSize 是一条地址对配置记录的字节数
	PairRecordSize = 12
	endpointSize   = 6
)

// Endpoint 描述地址对中一个方向的寻址方式
type Endpoint struct {
	ID          uint32 // 29 位数值 ID
	ExtendedID  bool   // 29 位 CAN ID
	ExtAddr     bool   // 扩展寻址：数据首字节为地址扩展
	FixedLength bool   // 填充到 DLC 8
	Ext         byte   // 地址扩展字节
	Pad         byte   // 填充字节
}

// prefixSize 返回 PCI 前的地址字节数
func (ep Endpoint) prefixSize() int {
	if ep.ExtAddr {
		return 1
	}
	return 0
}

// WireID 编码为配置记录中的 32 位 ID
func (ep Endpoint) WireID() uint32 {
	id := ep.ID & canIDMask
	if ep.ExtendedID {
		id |= wireExtendedFlag
	}
	if ep.ExtAddr {
		id |= flagExtendedAddressing
	}
	if ep.FixedLength {
		id |= flagFixedLength
	}
	return id
}

// matches 比较 ID 和 11/29 位标志；扩展寻址时还要求首字节等于 Ext
func (ep Endpoint) matches(id uint32, extendedID bool, data []byte) bool {
	if ep.ID != id&canIDMask || ep.ExtendedID != extendedID {
		return false
	}
	if !ep.ExtAddr {
		return true
	}
	return len(data) > 0 && data[0] == ep.Ext
}

func decodeEndpoint(b []byte) Endpoint {
	id := binary.BigEndian.Uint32(b)
	return Endpoint{
		ID:          id & canIDMask,
		ExtendedID:  id&wireExtendedFlag != 0,
		ExtAddr:     id&flagExtendedAddressing != 0,
		FixedLength: id&flagFixedLength != 0,
		Ext:         b[4],
		Pad:         b[5],
	}
}

func (ep Endpoint) encode(b []byte) {
	binary.BigEndian.PutUint32(b, ep.WireID())
	b[4] = ep.Ext
	b[5] = ep.Pad
}

func (ep Endpoint) String() string {
	s := fmt.Sprintf("%03X", ep.ID)
	if ep.ExtendedID {
		s = fmt.Sprintf("%08X", ep.ID)
	}
	if ep.ExtAddr {
		s += fmt.Sprintf("/ext=%02X", ep.Ext)
	}
	if ep.FixedLength {
		s += fmt.Sprintf("/pad=%02X", ep.Pad)
	}
	return s
}

// AddressPair 是一组请求/响应寻址配置
type AddressPair struct {
	Tx      Endpoint
	Rx      Endpoint
	Channel uint32 // 随重组消息一起返回的通道标签
}

func (p AddressPair) String() string {
	return fmt.Sprintf("tx=%s rx=%s ch=%d", p.Tx, p.Rx, p.Channel)
}

// ParsePairs 解析 n×12 字节的地址对配置，通道号默认为记录序号
func ParsePairs(raw []byte, maxPairs int) ([]AddressPair, error) {
	if len(raw)%PairRecordSize != 0 {
		return nil, InvalidPairConfigError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("地址对配置长度 %d 不是 %d 的整数倍", len(raw), PairRecordSize))}
	}
	n := len(raw) / PairRecordSize
	if n > maxPairs {
		return nil, TooManyPairsError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("地址对数量 %d 超过上限 %d", n, maxPairs))}
	}
	pairs := make([]AddressPair, 0, n)
	for i := 0; i < n; i++ {
		rec := raw[i*PairRecordSize : (i+1)*PairRecordSize]
		pairs = append(pairs, AddressPair{
			Tx:      decodeEndpoint(rec[:endpointSize]),
			Rx:      decodeEndpoint(rec[endpointSize:]),
			Channel: uint32(i),
		})
	}
	return pairs, nil
}

// EncodePairs 是 ParsePairs 的逆操作 (通道号不在线上格式中)
func EncodePairs(pairs []AddressPair) []byte {
	raw := make([]byte, len(pairs)*PairRecordSize)
	for i, p := range pairs {
		rec := raw[i*PairRecordSize:]
		p.Tx.encode(rec[:endpointSize])
		p.Rx.encode(rec[endpointSize:PairRecordSize])
	}
	return raw
}

type pairSlot struct {
	active bool
	pair   AddressPair
	rx     reassembly
}

// PairTable 保存激活的地址对、每个槽位的重组状态以及共享的流控参数
type PairTable struct {
	slots     []pairSlot
	BlockSize byte
	STmin     byte
}

func NewPairTable(maxPairs int) *PairTable {
	return &PairTable{slots: make([]pairSlot, maxPairs)}
}

// Reconfigure 原子地替换全部地址对；失败时旧配置保持不变。
// channels 非空时按序覆盖默认通道号。
func (t *PairTable) Reconfigure(raw []byte, channels []uint32) error {
	pairs, err := ParsePairs(raw, len(t.slots))
	if err != nil {
		return err
	}
	for i := range channels {
		if i < len(pairs) {
			pairs[i].Channel = channels[i]
		}
	}
	t.Set(pairs)
	return nil
}

// Set 清空所有槽位并激活给定地址对，超出槽位数的部分被截断
func (t *PairTable) Set(pairs []AddressPair) {
	for i := range t.slots {
		t.slots[i] = pairSlot{}
		if i < len(pairs) {
			t.slots[i].active = true
			t.slots[i].pair = pairs[i]
		}
	}
}

// SetFlowControl 更新接收方向流控帧中回显的 BS/STmin
func (t *PairTable) SetFlowControl(bs, stmin byte) {
	t.BlockSize = bs
	t.STmin = stmin
}

// FindByTx 按发送 ID 匹配，data 为 ID 之后的消息内容
func (t *PairTable) FindByTx(id uint32, extendedID bool, data []byte) (int, bool) {
	for i := range t.slots {
		if t.slots[i].active && t.slots[i].pair.Tx.matches(id, extendedID, data) {
			return i, true
		}
	}
	return -1, false
}

// FindByRx 按接收 ID 匹配，data 为 CAN 数据域
func (t *PairTable) FindByRx(id uint32, extendedID bool, data []byte) (int, bool) {
	for i := range t.slots {
		if t.slots[i].active && t.slots[i].pair.Rx.matches(id, extendedID, data) {
			return i, true
		}
	}
	return -1, false
}

// Pair 返回槽位上的地址对
func (t *PairTable) Pair(slot int) AddressPair {
	return t.slots[slot].pair
}

// Active 返回当前激活的地址对
func (t *PairTable) Active() []AddressPair {
	var pairs []AddressPair
	for _, s := range t.slots {
		if s.active {
			pairs = append(pairs, s.pair)
		}
	}
	return pairs
}

// Len 返回槽位数
func (t *PairTable) Len() int {
	return len(t.slots)
}
