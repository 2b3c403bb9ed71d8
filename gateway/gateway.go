package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/LoveWonYoung/isotpbridge/control"
	"github.com/LoveWonYoung/isotpbridge/driver"
	"github.com/LoveWonYoung/isotpbridge/tp"
	"go.uber.org/zap"
)

// Gateway 把 CAN 总线、ISO-TP 引擎和控制通道连接在一起：
//
//	driver → BusAdapter.Pump → events → Engine → messages/unmatched → control.Server
//	control.Server → HandleEnvelope → events → Engine → BusAdapter.WriteFrame → driver
type Gateway struct {
	config  Config
	adapter *driver.BusAdapter
	engine  *tp.Engine
	server  *control.Server
	logger  *zap.SugaredLogger

	events    *tp.Queue[tp.Event]
	messages  *tp.Queue[tp.Message]
	unmatched *tp.Queue[tp.Frame]

	mu        sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New 启动驱动并创建引擎和控制通道服务端，Run 之前不处理任何事件
func New(cfg Config, dev driver.CANDriver, logger *zap.SugaredLogger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger,
		events:    tp.NewQueue[tp.Event]("events", cfg.EventQueueDepth),
		messages:  tp.NewQueue[tp.Message]("messages", cfg.MessageQueueDepth),
		unmatched: tp.NewQueue[tp.Frame]("unmatched", cfg.UnmatchedQueueDepth),
	}

	adapter, err := driver.NewBusAdapter(dev)
	if err != nil {
		return nil, err
	}
	adapter.SetLogger(logger.Named("bus"))
	g.adapter = adapter

	engine, err := tp.NewEngine(cfg.Engine, adapter,
		tp.MessageSinkFunc(g.pushMessage),
		tp.UnmatchedSinkFunc(g.pushUnmatched))
	if err != nil {
		adapter.Close()
		return nil, err
	}
	engine.SetLogger(logger.Named("tp"))
	g.engine = engine

	g.server = control.NewServer(g, cfg.Username, cfg.Password)
	g.server.SetLogger(logger.Named("control"))
	return g, nil
}

// Handler 返回控制通道的 http.Handler，便于挂载到已有的 HTTP 服务
func (g *Gateway) Handler() http.Handler {
	return g.server
}

func (g *Gateway) pushMessage(msg tp.Message) {
	if err := g.messages.TryPush(msg); err != nil {
		g.logger.Warnf("dropped message ch=%d: %v", msg.Channel, err)
	}
}

func (g *Gateway) pushUnmatched(f tp.Frame) {
	if err := g.unmatched.TryPush(f); err != nil {
		g.logger.Warnf("dropped unmatched frame %s: %v", &f, err)
	}
}

// HandleEnvelope 把控制通道请求转换为引擎事件。事件队列已满时返回 QueueFullError。
func (g *Gateway) HandleEnvelope(env control.Envelope) error {
	// 底层缓冲区属于 WebSocket 读循环，入队前复制
	data := append([]byte(nil), env.Data...)

	switch env.Kind {
	case control.KindPairs:
		return g.events.TryPush(tp.ReconfigurePairs(data, pairChannels(len(data), env.Channel)...))
	case control.KindFlowControl:
		if len(data) != 2 {
			return fmt.Errorf("flow control payload must be 2 bytes, got %d", len(data))
		}
		return g.events.TryPush(tp.ReconfigureFlowControl(data[0], data[1]))
	case control.KindWriteMessage:
		return g.events.TryPush(tp.WriteMessage(data))
	case control.KindRawFrame:
		msg, err := driver.ParseWireBytes(data)
		if err != nil {
			return err
		}
		return g.adapter.WriteRaw(msg)
	}
	return fmt.Errorf("unsupported request %s", env.Kind)
}

// pairChannels 为 base 非 0 的配置生成 base, base+1, ...
func pairChannels(n int, base uint32) []uint32 {
	if base == 0 {
		return nil
	}
	channels := make([]uint32, n/tp.PairRecordSize)
	for i := range channels {
		channels[i] = base + uint32(i)
	}
	return channels
}

// Run 启动引擎、总线泵、上送循环和可选的 HTTP 服务，直到 ctx 取消、
// Close 被调用或引擎处理了 Shutdown 事件。
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if len(g.config.InitialPairs) > 0 {
		if err := g.events.TryPush(tp.ReconfigurePairs(g.config.InitialPairs)); err != nil {
			return err
		}
	}
	if err := g.events.TryPush(tp.ReconfigureFlowControl(g.config.BlockSize, g.config.STmin)); err != nil {
		return err
	}

	var httpServer *http.Server
	if g.config.ListenAddr != "" {
		ln, err := net.Listen("tcp", g.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", g.config.ListenAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle(g.config.Path, g.server)
		httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Errorf("control server stopped: %v", err)
				cancel()
			}
		}()
		g.logger.Infof("control channel listening on ws://%s%s", ln.Addr(), g.config.Path)
	}

	var wg sync.WaitGroup
	engineErr := make(chan error, 1)
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		engineErr <- g.engine.Run(ctx, g.events.C())
	}()
	go func() {
		defer wg.Done()
		if err := g.adapter.Pump(ctx, g.events); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warnf("bus pump stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		g.forward(ctx)
	}()

	<-ctx.Done()
	if httpServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		done()
	}
	wg.Wait()

	g.logger.Infof("gateway stopped (dropped: events=%d messages=%d unmatched=%d)",
		g.events.Dropped(), g.messages.Dropped(), g.unmatched.Dropped())

	err := <-engineErr
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// forward 把引擎输出和错误广播给控制通道客户端，协议层不匹配不上报
func (g *Gateway) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.messages.C():
			g.broadcast(control.Envelope{Kind: control.KindMessage, Data: msg.Data, Channel: msg.Channel})
		case f := <-g.unmatched.C():
			g.broadcast(control.Envelope{Kind: control.KindUnmatched, Data: frameWireBytes(f)})
		case err := <-g.engine.ErrorChan:
			if tp.IsProtocolMismatch(err) {
				continue
			}
			g.broadcast(control.Envelope{Kind: control.KindEngineError, Data: []byte(err.Error())})
		}
	}
}

func (g *Gateway) broadcast(env control.Envelope) {
	if err := g.server.Broadcast(env); err != nil {
		g.logger.Warnf("broadcast %s failed: %v", env.Kind, err)
	}
}

// frameWireBytes 优先使用驱动层的原始报文
func frameWireBytes(f tp.Frame) []byte {
	if len(f.Raw) > 0 {
		return f.Raw
	}
	buf := make([]byte, 4, 4+len(f.Payload()))
	binary.BigEndian.PutUint32(buf, f.WireID())
	return append(buf, f.Payload()...)
}

// Close 停止 Run、关闭驱动并断开所有控制通道客户端
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		cancel := g.cancel
		g.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		g.adapter.Close()
		_ = g.server.Close()
	})
}
