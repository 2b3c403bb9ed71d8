package tp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

var normalPairs = "00 00 07 E0 00 00 00 00 07 E8 00 00"

func startEngine(t *testing.T, cfg Config) (*Engine, *recorder, chan Event) {
	t.Helper()
	e, r := newTestEngine(t, cfg)
	events := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx, events)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, r, events
}

func expectFrame(t *testing.T, r *recorder) Frame {
	t.Helper()
	select {
	case f := <-r.frameCh:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("等待报文超时")
	}
	return Frame{}
}

func expectNoFrame(t *testing.T, r *recorder, d time.Duration) {
	t.Helper()
	select {
	case f := <-r.frameCh:
		t.Fatalf("不应发送报文，实际收到 %s", &f)
	case <-time.After(d):
	}
}

func expectMessage(t *testing.T, r *recorder) Message {
	t.Helper()
	select {
	case msg := <-r.messageCh:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("等待消息超时")
	}
	return Message{}
}

// expectError 从 ErrorChan 读取，直到出现 target 类型的错误
func expectError(t *testing.T, e *Engine, target any) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case err := <-e.ErrorChan:
			if errors.As(err, target) {
				return
			}
		case <-deadline:
			t.Fatalf("等待 %T 超时", target)
		}
	}
}

func sequence(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i + 1)
	}
	return data
}

func writeTo(id string, payload []byte) Event {
	return WriteMessage(append(mustHexNoT(id), payload...))
}

func mustHexNoT(s string) []byte {
	data, err := ParseHexBytes(s)
	if err != nil {
		panic(err)
	}
	return data
}

// ============================================================================
// 多帧发送
// ============================================================================

func TestTransport_MultiFrameSend(t *testing.T) {
	_, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	payload := sequence(24)
	events <- writeTo("00 00 07 E0", payload)

	assertFrame(t, expectFrame(t, r), 0x7E0, false, append([]byte{0x10, 0x18}, payload[:6]...))
	expectNoFrame(t, r, 30*time.Millisecond)

	events <- IncomingCan(canFrame(t, 0x7E8, "30 00 00"))
	assertFrame(t, expectFrame(t, r), 0x7E0, false, append([]byte{0x21}, payload[6:13]...))
	assertFrame(t, expectFrame(t, r), 0x7E0, false, append([]byte{0x22}, payload[13:20]...))
	assertFrame(t, expectFrame(t, r), 0x7E0, false, append([]byte{0x23}, payload[20:]...))
	expectNoFrame(t, r, 30*time.Millisecond)
}

func TestTransport_MultiFrameSendExtendedPadded(t *testing.T) {
	_, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, "60 00 07 E0 FE 42 60 00 07 E8 EF 24"))
	payload := sequence(12)
	events <- writeTo("00 00 07 E0 FE", payload)

	assertFrame(t, expectFrame(t, r), 0x7E0, false, append([]byte{0xFE, 0x10, 0x0C}, payload[:5]...))
	events <- IncomingCan(canFrame(t, 0x7E8, "EF 30 00 00 24 24 24 24"))
	assertFrame(t, expectFrame(t, r), 0x7E0, false, append([]byte{0xFE, 0x21}, payload[5:11]...))
	assertFrame(t, expectFrame(t, r), 0x7E0, false, []byte{0xFE, 0x22, payload[11], 0x42, 0x42, 0x42, 0x42, 0x42})
}

func TestTransport_BlockSize(t *testing.T) {
	_, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(24))

	expectFrame(t, r)
	events <- IncomingCan(canFrame(t, 0x7E8, "30 02 00"))
	if f := expectFrame(t, r); f.Data[0] != 0x21 {
		t.Fatalf("期望连续帧 21，实际 %s", &f)
	}
	if f := expectFrame(t, r); f.Data[0] != 0x22 {
		t.Fatalf("期望连续帧 22，实际 %s", &f)
	}
	// 块结束后等待下一个流控帧
	expectNoFrame(t, r, 50*time.Millisecond)

	events <- IncomingCan(canFrame(t, 0x7E8, "30 02 00"))
	if f := expectFrame(t, r); f.Data[0] != 0x23 {
		t.Fatalf("期望连续帧 23，实际 %s", &f)
	}
}

func TestTransport_SeparationTime(t *testing.T) {
	_, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(24))
	expectFrame(t, r)

	start := time.Now()
	events <- IncomingCan(canFrame(t, 0x7E8, "30 00 14"))
	for i := 0; i < 3; i++ {
		expectFrame(t, r)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("STmin=20ms 时 3 个连续帧不应在 %v 内发完", elapsed)
	}
}

func TestTransport_WaitFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWaitFrames = 2
	e, r, events := startEngine(t, cfg)
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(24))
	expectFrame(t, r)

	events <- IncomingCan(canFrame(t, 0x7E8, "31 00 00"))
	events <- IncomingCan(canFrame(t, 0x7E8, "31 00 00"))
	expectNoFrame(t, r, 30*time.Millisecond)
	events <- IncomingCan(canFrame(t, 0x7E8, "31 00 00"))

	var waitErr MaximumWaitFrameReachedError
	expectError(t, e, &waitErr)

	events <- IncomingCan(canFrame(t, 0x7E8, "30 00 00"))
	var fcErr UnexpectedFlowControlError
	expectError(t, e, &fcErr)
	expectNoFrame(t, r, 30*time.Millisecond)
}

func TestTransport_WaitThenContinue(t *testing.T) {
	_, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(10))
	expectFrame(t, r)

	events <- IncomingCan(canFrame(t, 0x7E8, "31 00 00"))
	expectNoFrame(t, r, 30*time.Millisecond)
	events <- IncomingCan(canFrame(t, 0x7E8, "30 00 00"))
	if f := expectFrame(t, r); f.Data[0] != 0x21 {
		t.Fatalf("期望连续帧 21，实际 %s", &f)
	}
}

func TestTransport_Overflow(t *testing.T) {
	e, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(24))
	expectFrame(t, r)

	events <- IncomingCan(canFrame(t, 0x7E8, "32 00 00"))
	var overflow OverflowError
	expectError(t, e, &overflow)
	expectNoFrame(t, r, 30*time.Millisecond)
}

func TestTransport_InvalidFlowStatus(t *testing.T) {
	e, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(24))
	expectFrame(t, r)

	events <- IncomingCan(canFrame(t, 0x7E8, "35 00 00"))
	var invalid InvalidFlowStatusError
	expectError(t, e, &invalid)
}

func TestTransport_FlowControlTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutN_Bs = 50 * time.Millisecond
	e, r, events := startEngine(t, cfg)
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(24))
	expectFrame(t, r)

	var timeout FlowControlTimeoutError
	expectError(t, e, &timeout)

	// 超时后回到空闲，可以开始新的发送
	events <- writeTo("00 00 07 E0", sequence(3))
	assertFrame(t, expectFrame(t, r), 0x7E0, false, []byte{0x03, 1, 2, 3})
}

func TestTransport_Backlog(t *testing.T) {
	_, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(10))
	events <- writeTo("00 00 07 E0", []byte{0x3E, 0x00})
	expectFrame(t, r)
	// 单帧排在进行中的多帧之后
	expectNoFrame(t, r, 30*time.Millisecond)

	events <- IncomingCan(canFrame(t, 0x7E8, "30 00 00"))
	if f := expectFrame(t, r); f.Data[0] != 0x21 {
		t.Fatalf("期望连续帧 21，实际 %s", &f)
	}
	assertFrame(t, expectFrame(t, r), 0x7E0, false, []byte{0x02, 0x3E, 0x00})
}

func TestTransport_BacklogFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxBacklog = 0
	e, r, events := startEngine(t, cfg)
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(10))
	expectFrame(t, r)
	events <- writeTo("00 00 07 E0", []byte{0x3E, 0x00})

	var busy TxBusyError
	expectError(t, e, &busy)
}

func TestTransport_ReconfigureAbortsSend(t *testing.T) {
	_, r, events := startEngine(t, DefaultConfig())
	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- writeTo("00 00 07 E0", sequence(24))
	expectFrame(t, r)

	events <- ReconfigurePairs(mustHex(t, normalPairs))
	events <- IncomingCan(canFrame(t, 0x7E8, "30 00 00"))
	expectNoFrame(t, r, 50*time.Millisecond)
}

// ============================================================================
// Run 生命周期
// ============================================================================

func TestRun_ReturnsOnShutdown(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	events := make(chan Event, 1)
	events <- Shutdown()
	if err := e.Run(context.Background(), events); err != nil {
		t.Errorf("Shutdown 后 Run 应返回 nil，实际 %v", err)
	}
}

func TestRun_ReturnsOnClosedChannel(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	events := make(chan Event)
	close(events)
	if err := e.Run(context.Background(), events); err != nil {
		t.Errorf("事件通道关闭后 Run 应返回 nil，实际 %v", err)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx, make(chan Event)); !errors.Is(err, context.Canceled) {
		t.Errorf("期望 context.Canceled，实际 %v", err)
	}
}

// ============================================================================
// 两个引擎互联
// ============================================================================

func TestTransport_Loopback(t *testing.T) {
	eventsA := make(chan Event, 256)
	eventsB := make(chan Event, 256)
	msgsA := make(chan Message, 4)
	msgsB := make(chan Message, 4)
	discard := UnmatchedSinkFunc(func(Frame) {})

	engineA, err := NewEngine(DefaultConfig(),
		FrameWriterFunc(func(f Frame) error { eventsB <- IncomingCan(f); return nil }),
		MessageSinkFunc(func(m Message) { msgsA <- m }),
		discard)
	if err != nil {
		t.Fatal(err)
	}
	engineB, err := NewEngine(DefaultConfig(),
		FrameWriterFunc(func(f Frame) error { eventsA <- IncomingCan(f); return nil }),
		MessageSinkFunc(func(m Message) { msgsB <- m }),
		discard)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engineA.Run(ctx, eventsA)
	go engineB.Run(ctx, eventsB)

	eventsA <- ReconfigurePairs(mustHex(t, "20 00 07 E0 00 AA 20 00 07 E8 00 AA"))
	eventsB <- ReconfigurePairs(mustHex(t, "20 00 07 E8 00 55 20 00 07 E0 00 55"))
	eventsB <- ReconfigureFlowControl(4, 0)

	request := sequence(300)
	eventsA <- writeTo("00 00 07 E0", request)

	select {
	case msg := <-msgsB:
		if msg.ID() != 0x7E0 || !bytes.Equal(msg.Body(), request) {
			t.Fatalf("B 收到的消息不匹配: id=%08X len=%d", msg.ID(), len(msg.Body()))
		}
	case <-time.After(waitTimeout):
		t.Fatal("B 等待消息超时")
	}

	response := sequence(64)
	eventsB <- writeTo("00 00 07 E8", response)
	select {
	case msg := <-msgsA:
		if msg.ID() != 0x7E8 || !bytes.Equal(msg.Body(), response) {
			t.Fatalf("A 收到的消息不匹配: id=%08X len=%d", msg.ID(), len(msg.Body()))
		}
	case <-time.After(waitTimeout):
		t.Fatal("A 等待消息超时")
	}
}
