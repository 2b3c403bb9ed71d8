package tp

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

// ============================================================================
// 配置错误 (契约违反：事件被丢弃，循环继续)
// ============================================================================

type InvalidPairConfigError struct {
	IsoTpError
}

func (e InvalidPairConfigError) Error() string {
	return messageOrDefault(e.msg, "address pair buffer length is not a multiple of 12")
}

type TooManyPairsError struct {
	IsoTpError
}

func (e TooManyPairsError) Error() string {
	return messageOrDefault(e.msg, "too many address pairs")
}

type InvalidFlowControlConfigError struct {
	IsoTpError
}

func (e InvalidFlowControlConfigError) Error() string {
	return messageOrDefault(e.msg, "flow control parameters must be exactly 2 bytes")
}

type MessageTooShortError struct {
	IsoTpError
}

func (e MessageTooShortError) Error() string {
	return messageOrDefault(e.msg, "message must be longer than its 4-byte id header")
}

type MessageTooLongError struct {
	IsoTpError
}

func (e MessageTooLongError) Error() string {
	return messageOrDefault(e.msg, "message exceeds maximum message size")
}

type UnmatchedMessageError struct {
	IsoTpError
}

func (e UnmatchedMessageError) Error() string {
	return messageOrDefault(e.msg, "no address pair matches message and it does not fit a single frame")
}

type QueueFullError struct {
	IsoTpError
}

func (e QueueFullError) Error() string {
	return messageOrDefault(e.msg, "queue full, newest item dropped")
}

type TxBusyError struct {
	IsoTpError
}

func (e TxBusyError) Error() string {
	return messageOrDefault(e.msg, "transmission backlog full")
}

// ============================================================================
// 协议错误
// ============================================================================

type InvalidCanDataError struct {
	IsoTpError
}

func (e InvalidCanDataError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "first frame length exceeds maximum frame size")
}

type WrongSequenceNumberError struct {
	IsoTpError
}

func (e WrongSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

type UnexpectedConsecutiveFrameError struct {
	IsoTpError
}

func (e UnexpectedConsecutiveFrameError) Error() string {
	return messageOrDefault(e.msg, "unexpected consecutive frame received")
}

type UnexpectedFlowControlError struct {
	IsoTpError
}

func (e UnexpectedFlowControlError) Error() string {
	return messageOrDefault(e.msg, "unexpected flow control frame received")
}

type InvalidFlowStatusError struct {
	IsoTpError
}

func (e InvalidFlowStatusError) Error() string {
	return messageOrDefault(e.msg, "invalid flow status in flow control frame")
}

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

type MaximumWaitFrameReachedError struct {
	IsoTpError
}

func (e MaximumWaitFrameReachedError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}
