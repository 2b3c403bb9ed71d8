package tp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// transmission 是当前唯一进行中的多帧发送
type transmission struct {
	state     State
	slot      int
	ep        Endpoint
	remaining []byte
	seq       int
	blockSize int
	blockCtr  int
	stMin     time.Duration
	waitCount int
}

type pendingWrite struct {
	slot    int
	ep      Endpoint
	payload []byte
}

// handleWriteMessage 处理 4 字节大端目标 ID + [ext] + 负载 形式的写请求
func (e *Engine) handleWriteMessage(raw []byte) error {
	if e.config.DebugChannel && e.frameDebug {
		e.traceFrame("Writing message...")
	}
	if len(raw) <= messageHeaderSize {
		return MessageTooShortError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("消息长度 %d 必须大于 %d", len(raw), messageHeaderSize))}
	}

	wireID := binary.BigEndian.Uint32(raw)
	if e.config.DebugChannel && wireID == debugMessageID {
		e.handleDebugMessage(raw)
		return nil
	}

	id, extendedID := wireID&canIDMask, wireID&wireExtendedFlag != 0
	body := raw[messageHeaderSize:]

	if slot, ok := e.table.FindByTx(id, extendedID, body); ok {
		return e.writeMatched(slot, body)
	}

	// 未配置地址对时，能放进单帧的请求仍按填充单帧直接发出
	if len(body) <= maxCANDataLength-1 {
		f, err := createEscapeFrame(id, extendedID, body, e.config.EscapePadding)
		if err != nil {
			return err
		}
		return e.writeFrame(f)
	}
	return UnmatchedMessageError{IsoTpError: NewIsoTpError(
		fmt.Sprintf("ID %08X 无匹配地址对，%d 字节负载无法按单帧发送", wireID, len(body)))}
}

func (e *Engine) writeMatched(slot int, body []byte) error {
	ep := e.table.Pair(slot).Tx
	payload := body[ep.prefixSize():]
	if len(payload) == 0 {
		return MessageTooShortError{IsoTpError: NewIsoTpError("扩展寻址消息缺少负载")}
	}
	if len(payload) > e.config.MaxMessageSize {
		return MessageTooLongError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("消息负载 %d 超过上限 %d", len(payload), e.config.MaxMessageSize))}
	}

	if e.tx.state != StateIdle {
		if len(e.backlog) >= e.config.TxBacklog {
			return TxBusyError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("发送忙，排队已满 (%d)，丢弃发往 %s 的消息", e.config.TxBacklog, ep))}
		}
		e.backlog = append(e.backlog, pendingWrite{slot: slot, ep: ep, payload: append([]byte(nil), payload...)})
		return nil
	}
	return e.initiateTx(slot, ep, payload)
}

// initiateTx 发送单帧，或发送首帧并进入 WaitFC
func (e *Engine) initiateTx(slot int, ep Endpoint, payload []byte) error {
	if len(payload) <= singleFrameCapacity(ep) {
		f, err := createSingleFrame(ep, payload)
		if err != nil {
			return err
		}
		return e.writeFrame(f)
	}

	f, n, err := createFirstFrame(ep, payload)
	if err != nil {
		return err
	}
	e.tx = transmission{
		state:     StateWaitFC,
		slot:      slot,
		ep:        ep,
		remaining: append([]byte(nil), payload[n:]...),
		seq:       1,
	}
	if err := e.writeFrame(f); err != nil {
		e.stopSending()
		return err
	}
	e.resetTxFCTimer()
	return nil
}

func (e *Engine) handleTxFlowControl(slot int, fc *FlowControlFrame) error {
	if e.tx.state != StateWaitFC || e.tx.slot != slot {
		// 未发送时收到的流控帧 (迟到或不请自来) 直接忽略
		return UnexpectedFlowControlError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("发送状态 %s 下收到流控帧 FS=%d", e.tx.state, fc.FlowStatus))}
	}

	stopTimer(e.timerTxFC)

	switch fc.FlowStatus {
	case FlowStatusContinueToSend:
		e.tx.waitCount = 0
		e.tx.blockSize = fc.BlockSize
		e.tx.stMin = fc.STmin
		e.tx.blockCtr = 0
		e.tx.state = StateTransmit
		e.resetTxSTminTimer(fc.STmin)
		return nil

	case FlowStatusWait:
		e.tx.waitCount++
		if e.tx.waitCount > e.config.MaxWaitFrames {
			e.finishTransmission()
			return MaximumWaitFrameReachedError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("错误：等待帧(Wait Frame)数量超出最大限制 %d", e.config.MaxWaitFrames))}
		}
		e.resetTxFCTimer()
		return nil

	case FlowStatusOverflow:
		e.finishTransmission()
		return OverflowError{IsoTpError: NewIsoTpError("错误：对方缓冲区溢出，停止发送")}
	}

	e.finishTransmission()
	return InvalidFlowStatusError{IsoTpError: NewIsoTpError(fmt.Sprintf("无效的流控状态 0x%X", uint8(fc.FlowStatus)))}
}

// handleTxTransmit sends the next Consecutive Frame.
// It is called when STmin timer expires.
func (e *Engine) handleTxTransmit() error {
	chunkSize := consecutiveFrameCapacity(e.tx.ep)
	chunk := e.tx.remaining
	if len(chunk) > chunkSize {
		chunk = chunk[:chunkSize]
	}

	f, err := createConsecutiveFrame(e.tx.ep, e.tx.seq, chunk)
	if err != nil {
		e.finishTransmission()
		return err
	}
	e.tx.remaining = e.tx.remaining[len(chunk):]
	e.tx.seq = (e.tx.seq + 1) % 16
	e.tx.blockCtr++

	if err := e.writeFrame(f); err != nil {
		// 丢失一个连续帧后整条消息已损坏
		e.finishTransmission()
		return err
	}

	if len(e.tx.remaining) == 0 {
		e.finishTransmission()
		return nil
	}

	if e.tx.blockSize > 0 && e.tx.blockCtr >= e.tx.blockSize {
		e.tx.state = StateWaitFC
		e.resetTxFCTimer()
	} else {
		e.resetTxSTminTimer(e.tx.stMin)
	}
	return nil
}

func (e *Engine) handleTxFlowControlTimeout() error {
	if e.tx.state != StateWaitFC {
		return nil
	}
	ep := e.tx.ep
	e.finishTransmission()
	return FlowControlTimeoutError{IsoTpError: NewIsoTpError(
		fmt.Sprintf("等待 %s 的流控帧超时 (%v)，停止发送", ep, e.config.TimeoutN_Bs))}
}

// finishTransmission 结束当前发送并启动排队中的下一条消息
func (e *Engine) finishTransmission() {
	e.stopSending()
	for len(e.backlog) > 0 && e.tx.state == StateIdle {
		next := e.backlog[0]
		e.backlog = e.backlog[1:]
		if err := e.initiateTx(next.slot, next.ep, next.payload); err != nil {
			e.report(err)
		}
	}
}

func (e *Engine) stopSending() {
	e.tx = transmission{state: StateIdle}
	stopTimer(e.timerTxFC)
	stopTimer(e.timerTxSTmin)
}

func (e *Engine) resetTxFCTimer() {
	stopTimer(e.timerTxFC)
	e.timerTxFC.Reset(e.config.TimeoutN_Bs) // N_Bs timeout
}

func (e *Engine) resetTxSTminTimer(d time.Duration) {
	stopTimer(e.timerTxSTmin)
	e.timerTxSTmin.Reset(d)
}
