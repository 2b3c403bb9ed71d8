package control

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Greeting 是对 KindHello 的回复
const Greeting = "Hello from isotpbridge!"

const writeTimeout = 5 * time.Second

// Handler 处理客户端发来的配置和写请求 (Pairs / FlowControl / WriteMessage / RawFrame)。
// 返回的错误以 KindError 回给发送方。
type Handler interface {
	HandleEnvelope(env Envelope) error
}

type HandlerFunc func(env Envelope) error

func (fn HandlerFunc) HandleEnvelope(env Envelope) error { return fn(env) }

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *peer) send(env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return p.write(data)
}

// Server 是控制通道的 WebSocket 服务端，实现 http.Handler。
// 每个连接的请求按到达顺序交给 Handler，上送报文通过 Broadcast 发给所有连接。
type Server struct {
	handler  Handler
	username string
	password string
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

// NewServer 创建服务端，username 和 password 都为空时不做认证
func NewServer(handler Handler, username, password string) *Server {
	return &Server{
		handler:  handler,
		username: username,
		password: password,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: zap.NewNop().Sugar(),
		peers:  make(map[*peer]struct{}),
	}
}

func (s *Server) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

func (s *Server) authorized(r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warnf("rejected control connection from %s: bad credentials", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="isotpbridge"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	p := &peer{conn: conn}
	if !s.add(p) {
		_ = conn.Close()
		return
	}
	defer s.remove(p)

	s.logger.Infof("control client connected: %s", r.RemoteAddr)
	s.readLoop(p)
	s.logger.Infof("control client disconnected: %s", r.RemoteAddr)
}

func (s *Server) add(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	_ = p.conn.Close()
}

func (s *Server) readLoop(p *peer) {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		// 只处理二进制报文
		if messageType != websocket.BinaryMessage {
			continue
		}

		env, err := Unmarshal(data)
		if err != nil {
			s.replyError(p, err)
			continue
		}
		if err := s.handle(p, env); err != nil {
			s.replyError(p, err)
		}
	}
}

func (s *Server) handle(p *peer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	switch env.Kind {
	case KindHello:
		return p.send(Envelope{Kind: KindHello, Data: []byte(Greeting)})
	case KindPairs, KindFlowControl, KindWriteMessage, KindRawFrame:
		if err := s.handler.HandleEnvelope(env); err != nil {
			return fmt.Errorf("%s rejected: %w", env.Kind, err)
		}
		return nil
	}
	return fmt.Errorf("%s is not accepted from clients", env.Kind)
}

func (s *Server) replyError(p *peer, err error) {
	s.logger.Debugf("control request failed: %v", err)
	if werr := p.send(Envelope{Kind: KindError, Data: []byte(err.Error())}); werr != nil {
		s.logger.Warnf("failed to send error reply: %v", werr)
	}
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// Broadcast 把报文发给所有已连接的客户端，写失败的连接被关闭
func (s *Server) Broadcast(env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	for _, p := range s.snapshot() {
		if err := p.write(data); err != nil {
			s.logger.Warnf("dropping control client %s: %v", p.conn.RemoteAddr(), err)
			// 关闭后 readLoop 退出并移除该连接
			_ = p.conn.Close()
		}
	}
	return nil
}

// ClientCount 返回当前连接数
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close 断开所有客户端，之后的连接被拒绝
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("control server already closed")
	}
	s.closed = true
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, p := range s.snapshot() {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	}
	return nil
}
