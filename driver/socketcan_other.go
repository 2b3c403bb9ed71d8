//go:build !linux

package driver

import (
	"context"
	"errors"

	"github.com/LoveWonYoung/isotpbridge/tp"
	"go.uber.org/zap"
)

var errNoSocketCAN = errors.New("SocketCAN is only available on Linux")

// SocketCAN 在非 Linux 平台上不可用，Init 总是失败
type SocketCAN struct {
	iface  string
	rxChan chan UnifiedCANMessage
}

func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{iface: iface, rxChan: make(chan UnifiedCANMessage)}
}

func (s *SocketCAN) SetLogger(*zap.SugaredLogger) {}

func (s *SocketCAN) Init() error { return errNoSocketCAN }

func (s *SocketCAN) Start() {}

func (s *SocketCAN) Stop() {}

func (s *SocketCAN) Write(UnifiedCANMessage) error { return errNoSocketCAN }

func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage { return s.rxChan }

func (s *SocketCAN) Context() context.Context { return context.Background() }

func (s *SocketCAN) SetFilters([]tp.Filter) error { return errNoSocketCAN }
