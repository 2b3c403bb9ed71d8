//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/LoveWonYoung/isotpbridge/tp"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SocketCAN 通过 Linux CAN_RAW 套接字收发报文
type SocketCAN struct {
	iface string

	mu      sync.Mutex
	fd      int
	rxChan  chan UnifiedCANMessage
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	logger  *zap.SugaredLogger
}

// NewSocketCAN 创建绑定到指定接口 (如 "can0") 的驱动
func NewSocketCAN(iface string) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:  iface,
		fd:     -1,
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: zap.NewNop().Sugar(),
	}
}

func (s *SocketCAN) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

// Init 创建并绑定 CAN_RAW 套接字
func (s *SocketCAN) Init() error {
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return fmt.Errorf("CAN interface %s: %w", s.iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", s.iface, err)
	}
	// 读超时让接收协程能检查 ctx
	tv := unix.NsecToTimeval(int64(100 * 1e6))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return fmt.Errorf("SO_RCVTIMEO: %w", err)
	}

	s.mu.Lock()
	s.fd = fd
	s.mu.Unlock()
	s.logger.Infof("SocketCAN bound to %s (ifindex %d)", s.iface, ifi.Index)
	return nil
}

func (s *SocketCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.fd < 0 {
		return
	}
	s.running = true
	go s.readLoop(s.fd)
}

func (s *SocketCAN) readLoop(fd int) {
	defer close(s.done)
	defer close(s.rxChan)

	buf := make([]byte, canFrameSize)
	for s.ctx.Err() == nil {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if s.ctx.Err() == nil {
				s.logger.Warnf("SocketCAN read failed: %v", err)
			}
			return
		}
		msg, err := unmarshalCANFrame(buf[:n])
		if err != nil {
			if !errors.Is(err, errSkipFrame) {
				s.logger.Debugf("SocketCAN: %v", err)
			}
			continue
		}
		select {
		case s.rxChan <- msg:
		default:
			s.logger.Warnf("SocketCAN rx channel full, dropping %s", msg)
		}
	}
}

func (s *SocketCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	fd := s.fd
	s.mu.Unlock()

	s.cancel()
	<-s.done
	unix.Close(fd)
	s.logger.Infof("SocketCAN %s closed", s.iface)
}

func (s *SocketCAN) Write(msg UnifiedCANMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("设备未启动")
	}
	buf := marshalCANFrame(msg)
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return fmt.Errorf("SocketCAN write %s: %w", msg, err)
	}
	if n != len(buf) {
		return errors.New("SocketCAN: short write")
	}
	return nil
}

func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage {
	return s.rxChan
}

func (s *SocketCAN) Context() context.Context {
	return s.ctx
}

// SetFilters 用 CAN_RAW_FILTER 只接收给定 ID，空列表恢复接收全部
func (s *SocketCAN) SetFilters(filters []tp.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return errors.New("SocketCAN not initialised")
	}
	if len(filters) == 0 {
		return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER,
			[]unix.CanFilter{{Id: 0, Mask: 0}})
	}
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, canFilters(filters))
}

func canFilters(filters []tp.Filter) []unix.CanFilter {
	out := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		if f.Extended {
			out = append(out, unix.CanFilter{Id: f.ID&canEffMask | canEffFlag, Mask: canEffMask | canEffFlag})
		} else {
			out = append(out, unix.CanFilter{Id: f.ID & canSffMask, Mask: canSffMask | canEffFlag})
		}
	}
	return out
}
