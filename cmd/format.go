package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/LoveWonYoung/isotpbridge/control"
	"github.com/LoveWonYoung/isotpbridge/tp"
)

const (
	wireExtendedFlag = 0x80000000
	canIDMask        = 0x1FFFFFFF
)

// parseWireID 解析十六进制 CAN ID。超过 3 位或大于 0x7FF 的 ID 视为 29 位，
// 返回值的 bit31 标记 29 位 ID。
func parseWireID(s string) (uint32, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if digits == "" || len(digits) > 8 {
		return 0, fmt.Errorf("invalid CAN id %q", s)
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CAN id %q: %w", s, err)
	}
	id := uint32(v)
	if id&wireExtendedFlag != 0 {
		if id&^(wireExtendedFlag|canIDMask) != 0 {
			return 0, fmt.Errorf("CAN id %q uses reserved bits", s)
		}
		return id, nil
	}
	if id > canIDMask {
		return 0, fmt.Errorf("CAN id %q exceeds 29 bits", s)
	}
	if len(digits) > 3 || id > 0x7FF {
		id |= wireExtendedFlag
	}
	return id, nil
}

// parseEndpoint 解析 "ID[/ext=XX][/pad=XX]"，与 tp.Endpoint.String 的输出格式一致
func parseEndpoint(s string) (tp.Endpoint, error) {
	parts := strings.Split(s, "/")
	id, err := parseWireID(parts[0])
	if err != nil {
		return tp.Endpoint{}, err
	}
	ep := tp.Endpoint{ID: id & canIDMask, ExtendedID: id&wireExtendedFlag != 0}
	for _, opt := range parts[1:] {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return tp.Endpoint{}, fmt.Errorf("invalid endpoint option %q", opt)
		}
		b, err := strconv.ParseUint(value, 16, 8)
		if err != nil {
			return tp.Endpoint{}, fmt.Errorf("invalid %s byte %q", key, value)
		}
		switch strings.ToLower(key) {
		case "ext":
			ep.ExtAddr = true
			ep.Ext = byte(b)
		case "pad":
			ep.FixedLength = true
			ep.Pad = byte(b)
		default:
			return tp.Endpoint{}, fmt.Errorf("unknown endpoint option %q", key)
		}
	}
	return ep, nil
}

// parsePair 解析 "TX:RX"，例如 "7E0:7E8" 或 "18DA10F1/pad=CC:18DAF110/pad=CC"
func parsePair(s string) (tp.AddressPair, error) {
	tx, rx, ok := strings.Cut(s, ":")
	if !ok {
		return tp.AddressPair{}, fmt.Errorf("address pair %q must be TX:RX", s)
	}
	txEp, err := parseEndpoint(tx)
	if err != nil {
		return tp.AddressPair{}, err
	}
	rxEp, err := parseEndpoint(rx)
	if err != nil {
		return tp.AddressPair{}, err
	}
	return tp.AddressPair{Tx: txEp, Rx: rxEp}, nil
}

// parsePairs 解析多组地址对并编码为 n×12 字节配置
func parsePairs(args []string) ([]byte, error) {
	pairs := make([]tp.AddressPair, 0, len(args))
	for _, arg := range args {
		p, err := parsePair(arg)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return tp.EncodePairs(pairs), nil
}

// messageHeader 返回 4 字节大端 ID + 可选的扩展地址字节
func messageHeader(ep tp.Endpoint) []byte {
	h := tp.IntToBig(ep.ID | extendedFlag(ep.ExtendedID))
	if ep.ExtAddr {
		h = append(h, ep.Ext)
	}
	return h
}

func extendedFlag(extended bool) uint32 {
	if extended {
		return wireExtendedFlag
	}
	return 0
}

func formatID(wireID uint32) string {
	if wireID&wireExtendedFlag != 0 {
		return fmt.Sprintf("%08X", wireID&canIDMask)
	}
	return fmt.Sprintf("%03X", wireID)
}

// formatEnvelope 把上送报文格式化为一行文本
func formatEnvelope(env control.Envelope) string {
	switch env.Kind {
	case control.KindMessage:
		if len(env.Data) < 4 {
			return fmt.Sprintf("MSG   ch=%d (short) % X", env.Channel, env.Data)
		}
		id := tp.BigToInt(env.Data[:4])
		return fmt.Sprintf("MSG   ch=%d %s [%d] % X", env.Channel, formatID(id), len(env.Data)-4, env.Data[4:])
	case control.KindUnmatched:
		if len(env.Data) < 4 {
			return fmt.Sprintf("CAN   (short) % X", env.Data)
		}
		id := tp.BigToInt(env.Data[:4])
		return fmt.Sprintf("CAN   %s [%d] % X", formatID(id), len(env.Data)-4, env.Data[4:])
	case control.KindError:
		return "ERROR " + string(env.Data)
	case control.KindEngineError:
		return "TPERR " + string(env.Data)
	case control.KindHello:
		return "HELLO " + string(env.Data)
	}
	return fmt.Sprintf("%s % X", env.Kind, env.Data)
}
