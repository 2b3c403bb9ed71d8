package control

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed control connection
var ErrConnectionClosed = errors.New("control connection closed")

// Client 是控制通道客户端。Send 可并发调用，Recv 只能在一个 goroutine 中调用。
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// Dial opens a WebSocket control connection with HTTP Basic auth
func Dial(ctx context.Context, wsURL, username, password string, skipSSLVerify bool) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// OK
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send 编码并发送一条报文
func (c *Client) Send(env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Recv 阻塞读取下一条报文，跳过非二进制报文
func (c *Client) Recv() (Envelope, error) {
	if c.closed {
		return Envelope{}, ErrConnectionClosed
	}
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closed = true
			return Envelope{}, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return Unmarshal(data)
	}
}

// Hello 请求服务端问候语，回复以 KindHello 到达
func (c *Client) Hello() error {
	return c.Send(Envelope{Kind: KindHello})
}

// SetPairs 下发 n×12 字节的地址对配置。channel 非 0 时第 i 组地址对使用 channel+i，
// 为 0 时使用槽位序号。
func (c *Client) SetPairs(raw []byte, channel uint32) error {
	return c.Send(Envelope{Kind: KindPairs, Data: raw, Channel: channel})
}

func (c *Client) SetFlowControl(blockSize, stMin byte) error {
	return c.Send(Envelope{Kind: KindFlowControl, Data: []byte{blockSize, stMin}})
}

// Write 发送应用消息: 4 字节大端目标 ID + [ext] + 负载
func (c *Client) Write(msg []byte) error {
	return c.Send(Envelope{Kind: KindWriteMessage, Data: msg})
}

// WriteRaw 绕过 ISO-TP 直接发送一帧，wireID 的 bit31 表示 29 位 ID
func (c *Client) WriteRaw(wireID uint32, data []byte) error {
	buf := make([]byte, wireIDSize+len(data))
	binary.BigEndian.PutUint32(buf, wireID)
	copy(buf[wireIDSize:], data)
	return c.Send(Envelope{Kind: KindRawFrame, Data: buf})
}

// Close 发送关闭帧并断开连接
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
