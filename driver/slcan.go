package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SLCAN 波特率代码 (Sn 命令)
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// SLCAN 通过串口 (USB-CAN 适配器的 Lawicel 文本协议) 收发经典 CAN 报文
type SLCAN struct {
	portName string
	baudRate int
	bitrate  int

	mu      sync.Mutex
	port    io.ReadWriteCloser
	open    func() (io.ReadWriteCloser, error)
	rxChan  chan UnifiedCANMessage
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	logger  *zap.SugaredLogger
}

// NewSLCAN 创建 SLCAN 驱动，bitrate 为总线波特率 (如 500000)
func NewSLCAN(portName string, baudRate, bitrate int) *SLCAN {
	s := newSLCAN(bitrate, func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
		}
		return port, nil
	})
	s.portName = portName
	s.baudRate = baudRate
	return s
}

func newSLCAN(bitrate int, open func() (io.ReadWriteCloser, error)) *SLCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SLCAN{
		bitrate: bitrate,
		open:    open,
		rxChan:  make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  zap.NewNop().Sugar(),
	}
}

func (s *SLCAN) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

// Init 打开串口，设置波特率并打开通道
func (s *SLCAN) Init() error {
	code, ok := slcanBitrates[s.bitrate]
	if !ok {
		return fmt.Errorf("unsupported SLCAN bitrate %d", s.bitrate)
	}
	port, err := s.open()
	if err != nil {
		return err
	}
	// 先关闭通道，清掉适配器里残留的状态
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := io.WriteString(port, cmd); err != nil {
			port.Close()
			return fmt.Errorf("SLCAN command %q failed: %w", strings.TrimSpace(cmd), err)
		}
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	s.logger.Infof("SLCAN %s opened at %d bit/s", s.portName, s.bitrate)
	return nil
}

// Start 启动接收协程
func (s *SLCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.port == nil {
		return
	}
	s.running = true
	go s.readLoop(s.port)
}

func (s *SLCAN) readLoop(port io.Reader) {
	defer close(s.done)
	defer close(s.rxChan)

	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\r')
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Warnf("SLCAN read failed: %v", err)
			}
			return
		}
		line = strings.TrimLeft(strings.TrimSuffix(line, "\r"), "\a\n")
		if line == "" || (line[0] != 't' && line[0] != 'T') {
			// 命令应答 ("\r" / "\a") 或不支持的报文
			continue
		}
		msg, err := DecodeSLCAN(line)
		if err != nil {
			s.logger.Debugf("ignoring SLCAN line %q: %v", line, err)
			continue
		}
		select {
		case s.rxChan <- msg:
		default:
			s.logger.Warnf("SLCAN rx channel full, dropping %s", msg)
		}
	}
}

// Stop 关闭通道和串口，之后 RxChan 被关闭
func (s *SLCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	port := s.port
	s.mu.Unlock()

	s.cancel()
	_, _ = io.WriteString(port, "C\r")
	port.Close()
	<-s.done
	s.logger.Info("SLCAN closed")
}

// Write 编码并发送一帧
func (s *SLCAN) Write(msg UnifiedCANMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("设备未启动")
	}
	if _, err := io.WriteString(s.port, EncodeSLCAN(msg)); err != nil {
		return fmt.Errorf("SLCAN write failed: %w", err)
	}
	return nil
}

func (s *SLCAN) RxChan() <-chan UnifiedCANMessage {
	return s.rxChan
}

func (s *SLCAN) Context() context.Context {
	return s.ctx
}

// EncodeSLCAN 把报文编码为 SLCAN 文本: tIIILDD..\r 或 TIIIIIIIILDD..\r
func EncodeSLCAN(msg UnifiedCANMessage) string {
	var builder strings.Builder
	if msg.Extended {
		builder.WriteByte('T')
		builder.WriteString(fmt.Sprintf("%08X", msg.ID&0x1FFFFFFF))
	} else {
		builder.WriteByte('t')
		builder.WriteString(fmt.Sprintf("%03X", msg.ID&0x7FF))
	}

	payload := msg.Payload()
	builder.WriteByte('0' + byte(len(payload)))
	for _, b := range payload {
		builder.WriteString(fmt.Sprintf("%02X", b))
	}

	builder.WriteByte('\r')
	return builder.String()
}

// DecodeSLCAN 解析一行 SLCAN 数据帧 (不含结尾的 \r)，时间戳后缀被忽略
func DecodeSLCAN(line string) (UnifiedCANMessage, error) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return UnifiedCANMessage{}, errors.New("empty SLCAN line")
	}

	idLen := 3
	extended := false
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
		extended = true
	case 'r', 'R':
		return UnifiedCANMessage{}, errors.New("remote frames are not supported")
	default:
		return UnifiedCANMessage{}, fmt.Errorf("unknown SLCAN frame type %q", line[0])
	}

	if len(line) < 1+idLen+1 {
		return UnifiedCANMessage{}, fmt.Errorf("SLCAN line %q too short", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return UnifiedCANMessage{}, fmt.Errorf("invalid SLCAN id: %w", err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > maxDataLength {
		return UnifiedCANMessage{}, fmt.Errorf("invalid SLCAN dlc %q", line[1+idLen])
	}
	hexData := line[2+idLen:]
	if len(hexData) < dlc*2 {
		return UnifiedCANMessage{}, fmt.Errorf("SLCAN line %q has %d data chars, need %d", line, len(hexData), dlc*2)
	}

	data := make([]byte, dlc)
	for i := 0; i < dlc; i++ {
		b, err := strconv.ParseUint(hexData[i*2:i*2+2], 16, 8)
		if err != nil {
			return UnifiedCANMessage{}, fmt.Errorf("invalid SLCAN data: %w", err)
		}
		data[i] = byte(b)
	}
	return NewMessage(uint32(id), extended, data)
}
