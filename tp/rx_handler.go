package tp

import (
	"encoding/binary"
	"fmt"
)

// reassembly 是每个地址对槽位的多帧接收状态。
// buf 中依次为 4 字节 ID 头、可选扩展地址字节和已收到的负载。
type reassembly struct {
	state    State
	buf      []byte
	total    int
	seq      int
	blockCtr int
}

func (r *reassembly) reset() {
	*r = reassembly{}
}

// messageHeader 组装上送消息的前缀：大端 ID (含 bit31) + [ext]
func messageHeader(f *Frame, ep Endpoint, capacity int) []byte {
	buf := make([]byte, messageHeaderSize, capacity)
	binary.BigEndian.PutUint32(buf, f.WireID())
	if ep.ExtAddr {
		buf = append(buf, ep.Ext)
	}
	return buf
}

// processRx 处理匹配到某个槽位接收 ID 的报文
func (e *Engine) processRx(slot int, f *Frame) error {
	pair := e.table.Pair(slot)

	frame, err := ParseFrame(f, pair.Rx.prefixSize())
	if err != nil {
		return InvalidCanDataError{IsoTpError: NewIsoTpError(fmt.Sprintf("报文解析失败 %s: %v", f, err))}
	}

	switch fr := frame.(type) {
	case *FlowControlFrame:
		return e.handleTxFlowControl(slot, fr)

	case *SingleFrame:
		return e.handleRxSingleFrame(pair, f, fr)

	case *FirstFrame:
		return e.handleRxFirstFrame(slot, pair, f, fr)

	case *ConsecutiveFrame:
		return e.handleRxConsecutiveFrame(slot, pair, fr)
	}
	return nil
}

// handleRxSingleFrame 单帧立即上送，不影响正在进行的重组
func (e *Engine) handleRxSingleFrame(pair AddressPair, f *Frame, sf *SingleFrame) error {
	buf := messageHeader(f, pair.Rx, messageHeaderSize+pair.Rx.prefixSize()+len(sf.Data))
	buf = append(buf, sf.Data...)
	e.deliver(Message{Data: buf, Channel: pair.Channel})
	return nil
}

func (e *Engine) handleRxFirstFrame(slot int, pair AddressPair, f *Frame, ff *FirstFrame) error {
	rx := &e.table.slots[slot].rx
	if rx.state != StateIdle {
		e.logger.Debugf("first frame on %s interrupts reassembly at %d/%d bytes", pair.Rx, len(rx.buf), rx.total)
	}
	rx.reset()

	if ff.TotalSize > e.config.MaxMessageSize {
		if err := e.sendFlowControl(pair, FlowStatusOverflow); err != nil {
			e.logger.Warnf("failed to send overflow flow control: %v", err)
		}
		return FrameTooLongError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("首帧长度 %d 超过上限 %d", ff.TotalSize, e.config.MaxMessageSize))}
	}

	rx.total = messageHeaderSize + pair.Rx.prefixSize() + ff.TotalSize
	rx.buf = messageHeader(f, pair.Rx, rx.total)
	// FF_DL 大于单帧容量，首帧负载不会超出总长度
	rx.buf = append(rx.buf, ff.Data...)

	rx.state = StateWaitCF
	rx.seq = 1
	return e.sendFlowControl(pair, FlowStatusContinueToSend)
}

func (e *Engine) handleRxConsecutiveFrame(slot int, pair AddressPair, cf *ConsecutiveFrame) error {
	rx := &e.table.slots[slot].rx
	if rx.state != StateWaitCF {
		return UnexpectedConsecutiveFrameError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("%s 未在接收多帧时收到连续帧 SN=%d", pair.Rx, cf.SequenceNumber))}
	}

	if cf.SequenceNumber != rx.seq {
		err := WrongSequenceNumberError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("错误：序列号不匹配。期望: %d,收到: %d", rx.seq, cf.SequenceNumber))}
		if e.config.SequenceMismatch == MismatchAbort {
			rx.reset()
		}
		return err
	}

	rx.seq = (rx.seq + 1) % 16

	remaining := rx.total - len(rx.buf)
	data := cf.Data
	if len(data) > remaining {
		data = data[:remaining]
	}
	rx.buf = append(rx.buf, data...)

	if len(rx.buf) >= rx.total {
		msg := Message{Data: rx.buf, Channel: pair.Channel}
		rx.reset()
		e.deliver(msg)
		return nil
	}

	rx.blockCtr++
	if bs := int(e.table.BlockSize); bs > 0 && rx.blockCtr >= bs {
		rx.blockCtr = 0
		return e.sendFlowControl(pair, FlowStatusContinueToSend)
	}
	return nil
}

// sendFlowControl 在该地址对的发送 ID 上回复流控帧，BS/STmin 取自全局配置
func (e *Engine) sendFlowControl(pair AddressPair, status FlowStatus) error {
	return e.writeFrame(createFlowControlFrame(pair.Tx, status, e.table.BlockSize, e.table.STmin))
}
