package tp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FrameWriter 发送一帧原始 CAN 报文，不应无限期阻塞
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// MessageSink 接收完整的应用消息 (单帧、重组结果或诊断旁路回复)
type MessageSink interface {
	ReadMessage(msg Message)
}

// UnmatchedSink 接收未匹配任何地址对的报文
type UnmatchedSink interface {
	UnmatchedFrame(f Frame)
}

// FilterSetter 由支持接收过滤的驱动实现
type FilterSetter interface {
	SetFilters(filters []Filter) error
}

// Filter 是一条接收过滤规则
type Filter struct {
	ID       uint32
	Extended bool
}

type FrameWriterFunc func(f Frame) error

func (fn FrameWriterFunc) WriteFrame(f Frame) error { return fn(f) }

type MessageSinkFunc func(msg Message)

func (fn MessageSinkFunc) ReadMessage(msg Message) { fn(msg) }

type UnmatchedSinkFunc func(f Frame)

func (fn UnmatchedSinkFunc) UnmatchedFrame(f Frame) { fn(f) }

// Engine 是单线程的 ISO-TP 协议引擎：地址对表、重组、发送和调度都在这里。
// 除 ErrorChan 外，所有状态只由 Run/Dispatch 所在的 goroutine 访问。
type Engine struct {
	config    Config
	table     *PairTable
	writer    FrameWriter
	messages  MessageSink
	unmatched UnmatchedSink
	logger    *zap.SugaredLogger

	tx      transmission
	backlog []pendingWrite

	// Native timers
	timerTxFC    *time.Timer
	timerTxSTmin *time.Timer

	frameDebug   bool
	messageDebug bool
	stopped      bool

	// Error Channel
	ErrorChan chan error
}

func NewEngine(cfg Config, writer FrameWriter, messages MessageSink, unmatched UnmatchedSink) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if writer == nil || messages == nil || unmatched == nil {
		return nil, errors.New("engine collaborators must not be nil")
	}
	e := &Engine{
		config:       cfg,
		table:        NewPairTable(cfg.MaxPairs),
		writer:       writer,
		messages:     messages,
		unmatched:    unmatched,
		logger:       zap.NewNop().Sugar(),
		timerTxFC:    time.NewTimer(time.Hour),
		timerTxSTmin: time.NewTimer(time.Hour),
		ErrorChan:    make(chan error, 10),
	}
	e.timerTxFC.Stop()
	e.timerTxSTmin.Stop()
	e.stopSending()
	return e, nil
}

func (e *Engine) SetLogger(logger *zap.SugaredLogger) {
	e.logger = logger
}

// Table 返回地址对表 (只应在引擎 goroutine 中访问)
func (e *Engine) Table() *PairTable {
	return e.table
}

// TxState 返回发送状态机的当前状态
func (e *Engine) TxState() State {
	return e.tx.state
}

// Stopped 在处理过 Shutdown 事件后返回 true
func (e *Engine) Stopped() bool {
	return e.stopped
}

// Run 按到达顺序处理事件，直到收到 Shutdown、通道关闭或 ctx 取消。
func (e *Engine) Run(ctx context.Context, events <-chan Event) error {
	defer e.cleanup()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.report(e.Dispatch(ev))
			if e.stopped {
				e.logger.Info("ISO-TP engine shut down")
				return nil
			}

		case <-e.timerTxFC.C:
			e.report(e.handleTxFlowControlTimeout())

		case <-e.timerTxSTmin.C:
			if e.tx.state == StateTransmit {
				e.report(e.handleTxTransmit())
			}
		}
	}
}

// Dispatch 同步处理单个事件。契约违反以类型化错误返回，事件被丢弃，引擎继续可用。
func (e *Engine) Dispatch(ev Event) error {
	if e.stopped {
		return errors.New("engine already shut down")
	}

	switch ev.Kind {
	case EventReconfigurePairs:
		return e.handleReconfigurePairs(ev.Data, ev.Channels)
	case EventReconfigureFlowControl:
		if len(ev.Data) != 2 {
			return InvalidFlowControlConfigError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("BS/STmin 配置长度必须为 2，收到 %d", len(ev.Data)))}
		}
		e.table.SetFlowControl(ev.Data[0], ev.Data[1])
		e.logger.Debugf("flow control set: bs=%d stmin=0x%02X", ev.Data[0], ev.Data[1])
		return nil
	case EventWriteMessage:
		return e.handleWriteMessage(ev.Data)
	case EventIncomingCan:
		return e.handleIncomingCan(ev.Frame)
	case EventShutdown:
		e.stopped = true
		e.stopSending()
		e.backlog = nil
		return nil
	}
	return fmt.Errorf("unknown event kind %d", ev.Kind)
}

func (e *Engine) handleReconfigurePairs(raw []byte, channels []uint32) error {
	if err := e.table.Reconfigure(raw, channels); err != nil {
		return err
	}
	if e.tx.state != StateIdle || len(e.backlog) > 0 {
		e.logger.Warnf("reconfiguration aborted transmission in progress (%d queued writes dropped)", len(e.backlog))
	}
	e.stopSending()
	e.backlog = nil

	active := e.table.Active()
	for _, p := range active {
		e.logger.Infof("address pair %s", p)
	}
	if e.config.FilterFrames {
		if fs, ok := e.writer.(FilterSetter); ok {
			if err := fs.SetFilters(e.rxFilters(active)); err != nil {
				e.logger.Warnf("failed to install receive filters: %v", err)
			}
		}
	}
	return nil
}

func (e *Engine) rxFilters(pairs []AddressPair) []Filter {
	filters := make([]Filter, 0, len(pairs)+1)
	for _, p := range pairs {
		filters = append(filters, Filter{ID: p.Rx.ID, Extended: p.Rx.ExtendedID})
	}
	if e.config.DebugChannel {
		filters = append(filters, Filter{ID: debugFrameID, Extended: true})
	}
	return filters
}

func (e *Engine) handleIncomingCan(f Frame) error {
	if e.config.DebugChannel {
		if e.messageDebug {
			e.traceMessage("Incoming frame...")
		}
		if f.Extended && f.ID == debugFrameID {
			e.handleDebugFrame(&f)
			return nil
		}
	}

	slot, ok := e.table.FindByRx(f.ID, f.Extended, f.Payload())
	if !ok {
		e.unmatched.UnmatchedFrame(f)
		return nil
	}
	return e.processRx(slot, &f)
}

// writeFrame 发送一帧，失败只记录日志，不重试
func (e *Engine) writeFrame(f Frame) error {
	e.logger.Debugf("TX %s", &f)
	if err := e.writer.WriteFrame(f); err != nil {
		e.logger.Warnf("failed to write frame %s: %v", &f, err)
		return fmt.Errorf("write frame %08X: %w", f.WireID(), err)
	}
	return nil
}

func (e *Engine) deliver(msg Message) {
	e.logger.Debugf("RX message ch=%d % X", msg.Channel, msg.Data)
	e.messages.ReadMessage(msg)
}

// report 记录错误并非阻塞地推送到 ErrorChan
func (e *Engine) report(err error) {
	if err == nil {
		return
	}
	if IsProtocolMismatch(err) {
		e.logger.Debugf("dropped: %v", err)
	} else {
		e.logger.Warnf("ISO-TP error: %v", err)
	}
	e.fireError(err)
}

// IsProtocolMismatch 判断是否为协议层不匹配 (错误序号、意外的 CF/FC、无法解析的报文)。
// 这类报文被静默丢弃，只在调试级别记录，不应作为故障上报给上层。
func IsProtocolMismatch(err error) bool {
	var (
		seqErr  WrongSequenceNumberError
		cfErr   UnexpectedConsecutiveFrameError
		fcErr   UnexpectedFlowControlError
		dataErr InvalidCanDataError
	)
	return errors.As(err, &seqErr) || errors.As(err, &cfErr) || errors.As(err, &fcErr) || errors.As(err, &dataErr)
}

// fireError sends an error to the ErrorChan. Non-blocking.
func (e *Engine) fireError(err error) {
	select {
	case e.ErrorChan <- err:
	default:
	}
}

func (e *Engine) cleanup() {
	e.timerTxFC.Stop()
	e.timerTxSTmin.Stop()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
