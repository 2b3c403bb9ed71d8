package tp

const (
	// debugFrameID 是 29 位保留 ID，首字节 0/1 关闭/打开报文调试
	debugFrameID = 0x1FFFFFFF
	// debugReplyID 承载开关回显和调试文本
	debugReplyID = 0x1FFFFFFE
	// debugMessageID 是写消息通道上的保留目标 ID，切换消息调试
	debugMessageID = 0xFFFFFFFF

	debugTextTag      = 0x02
	debugFrameChunk   = 7
	debugMessageChunk = 251
	debugReplyInvalid = 0xFF
)

// handleDebugFrame 处理保留 ID 上的开关帧，回显结果
func (e *Engine) handleDebugFrame(f *Frame) {
	reply := byte(debugReplyInvalid)
	if f.DLC > 0 {
		switch f.Data[0] {
		case 0:
			e.frameDebug = false
			reply = 0
		case 1:
			e.frameDebug = true
			reply = 1
		}
	}
	e.logger.Infof("frame debug toggle 0x%02X, frame debug now %t", reply, e.frameDebug)
	if err := e.writeFrame(NewFrame(debugReplyID, true, []byte{reply})); err != nil {
		e.fireError(err)
	}
}

// handleDebugMessage 处理发往 FF FF FF FF 的消息，回复头为 FF FF FF FE
func (e *Engine) handleDebugMessage(raw []byte) {
	reply := make([]byte, 5)
	copy(reply, raw[:5])
	reply[3]--
	switch reply[4] {
	case 0:
		e.messageDebug = false
	case 1:
		e.messageDebug = true
	default:
		reply[4] = debugReplyInvalid
	}
	e.logger.Infof("message debug toggle 0x%02X, message debug now %t", reply[4], e.messageDebug)
	e.deliver(Message{Data: reply, Channel: 0})
}

// traceFrame 把调试文本拆成 [0x02, 最多 7 字符] 的报文发到 debugReplyID
func (e *Engine) traceFrame(text string) {
	for _, chunk := range SplitBlock([]byte(text), debugFrameChunk) {
		data := append([]byte{debugTextTag}, chunk...)
		if err := e.writeFrame(NewFrame(debugReplyID, true, data)); err != nil {
			e.fireError(err)
			return
		}
	}
}

// traceMessage 把调试文本作为 FF FF FF FE 02 开头的消息上送
func (e *Engine) traceMessage(text string) {
	header := append(IntToBig(debugMessageID-1), debugTextTag)
	for _, chunk := range SplitBlock([]byte(text), debugMessageChunk) {
		data := make([]byte, 0, len(header)+len(chunk))
		data = append(data, header...)
		data = append(data, chunk...)
		e.deliver(Message{Data: data, Channel: 0})
	}
}
