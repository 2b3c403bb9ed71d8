package udsclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/isotpbridge/control"
	"go.uber.org/zap"
)

// 通道缓冲区大小常量
const (
	responseBufferSize     = 16                      // 响应缓冲区大小
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时
	defaultMaxRetries      = 3                       // 默认最大重试次数
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          = 0x10 // 一般拒绝
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14 // 响应过长
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24 // 请求顺序错误
	NRCNoResponseFromSubnetComponent          = 0x25 // 子网组件无响应
	NRCFailurePreventsExecution               = 0x26 // 故障阻止执行
	NRCRequestOutOfRange                      = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCInvalidKey                             = 0x35 // 无效密钥
	NRCExceedNumberOfAttempts                 = 0x36 // 超过尝试次数
	NRCRequiredTimeDelayNotExpired            = 0x37 // 所需时间延迟未过期
	NRCUploadDownloadNotAccepted              = 0x70 // 上传/下载不接受
	NRCTransferDataSuspended                  = 0x71 // 传输数据暂停
	NRCGeneralProgrammingFailure              = 0x72 // 一般编程失败
	NRCWrongBlockSequenceCounter              = 0x73 // 块序号计数器错误
	NRCResponsePending                        = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     = 0x7F // 服务在当前会话不支持
)

// UDSError 表示 UDS 负响应错误
type UDSError struct {
	ServiceID byte   // 原始服务 ID
	NRC       byte   // 负响应码
	Message   string // 错误描述
}

func (e *UDSError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, e.Message)
}

// IsRetryable 判断该错误是否可以重试
func (e *UDSError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// GatewayError 是网关拒绝本客户端请求时通过 KindError 回复的错误
type GatewayError struct {
	Message string
}

func (e *GatewayError) Error() string {
	return "网关错误: " + e.Message
}

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout    time.Duration // 单次请求超时
	MaxRetries int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay time.Duration // 重试间隔
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:    500 * time.Millisecond,
		MaxRetries: defaultMaxRetries,
		RetryDelay: 100 * time.Millisecond,
	}
}

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "一般拒绝",
	NRCServiceNotSupported:                    "服务不支持",
	NRCSubFunctionNotSupported:                "子功能不支持",
	NRCIncorrectMessageLength:                 "消息长度错误",
	NRCResponseTooLong:                        "响应过长",
	NRCBusyRepeatRequest:                      "忙，请重复请求",
	NRCConditionsNotCorrect:                   "条件不满足",
	NRCRequestSequenceError:                   "请求顺序错误",
	NRCNoResponseFromSubnetComponent:          "子网组件无响应",
	NRCFailurePreventsExecution:               "故障阻止执行",
	NRCRequestOutOfRange:                      "请求超出范围",
	NRCSecurityAccessDenied:                   "安全访问被拒绝",
	NRCInvalidKey:                             "无效密钥",
	NRCExceedNumberOfAttempts:                 "超过尝试次数",
	NRCRequiredTimeDelayNotExpired:            "所需时间延迟未过期",
	NRCUploadDownloadNotAccepted:              "上传/下载不接受",
	NRCTransferDataSuspended:                  "传输数据暂停",
	NRCGeneralProgrammingFailure:              "一般编程失败",
	NRCWrongBlockSequenceCounter:              "块序号计数器错误",
	NRCResponsePending:                        "响应挂起",
	NRCSubFunctionNotSupportedInActiveSession: "子功能在当前会话不支持",
	NRCServiceNotSupportedInActiveSession:     "服务在当前会话不支持",
}

// getNRCDescription 获取 NRC 错误描述
func getNRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return "未知错误"
}

// Header 构造网关消息头: 4 字节大端 CAN ID (29 位 ID 带 bit31) + 可选的扩展地址字节
func Header(wireID uint32, ext ...byte) []byte {
	h := make([]byte, 4, 4+len(ext))
	binary.BigEndian.PutUint32(h, wireID)
	return append(h, ext...)
}

// Conn 是 UDS 客户端需要的控制通道能力，由 *control.Client 实现
type Conn interface {
	Write(msg []byte) error
	Recv() (control.Envelope, error)
	Close() error
}

// UDSClient 通过网关的控制通道发送 UDS 请求。
// 请求以 request 消息头发出，只接收以 response 消息头开头的消息。
type UDSClient struct {
	conn      Conn
	request   []byte
	response  []byte
	responses chan []byte
	errs      chan error
	logger    *zap.SugaredLogger
	cancel    context.CancelFunc // 用于控制接收 goroutine 的生命周期
	ctx       context.Context    // 客户端生命周期 context
}

// New 创建客户端并启动接收 goroutine。网关上的地址对需要事先配置好。
func New(conn Conn, request, response []byte) (*UDSClient, error) {
	if conn == nil {
		return nil, errors.New("control connection cannot be nil")
	}
	if len(request) < 4 || len(response) < 4 {
		return nil, errors.New("request and response headers need a 4-byte id")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &UDSClient{
		conn:      conn,
		request:   append([]byte(nil), request...),
		response:  append([]byte(nil), response...),
		responses: make(chan []byte, responseBufferSize),
		errs:      make(chan error, responseBufferSize),
		logger:    zap.NewNop().Sugar(),
		cancel:    cancel,
		ctx:       ctx,
	}
	go c.recvLoop()
	return c, nil
}

func (c *UDSClient) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
}

// recvLoop 把匹配响应头的消息和网关错误分发到各自的通道
func (c *UDSClient) recvLoop() {
	defer c.cancel()
	for {
		env, err := c.conn.Recv()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warnf("control connection lost: %v", err)
			}
			return
		}
		switch env.Kind {
		case control.KindMessage:
			if !bytes.HasPrefix(env.Data, c.response) {
				continue
			}
			body := env.Data[len(c.response):]
			select {
			case c.responses <- body:
			default:
				c.logger.Warnf("response buffer full, dropped % X", body)
			}
		case control.KindEngineError:
			// 引擎的异步错误可能来自其他客户端的请求或总线上的其他报文，不影响当前请求
			c.logger.Debugf("ignored engine error: %s", env.Data)
		case control.KindError:
			select {
			case c.errs <- &GatewayError{Message: string(env.Data)}:
			default:
			}
		}
	}
}

// SendAndRecv 发送一个请求并阻塞等待响应，不重试
func (c *UDSClient) SendAndRecv(payload []byte, timeout time.Duration) ([]byte, error) {
	return c.RequestWithContext(context.Background(), payload, RequestOptions{
		Timeout:    timeout,
		MaxRetries: 0,
		RetryDelay: 0,
	})
}

// RequestWithContext 发送 UDS 请求并等待响应，支持 Context 取消。
// 这是更健壮的请求函数，支持：
//   - Context 取消
//   - 完整的 NRC 错误处理
//   - 自动重试机制 (仅对可重试错误)
//   - 响应 SID 验证
func (c *UDSClient) RequestWithContext(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("请求 payload 不能为空")
	}

	requestSID := payload[0]
	expectedResponseSID := requestSID + 0x40 // 正响应 SID = 请求 SID + 0x40

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Infof("UDS 请求重试 (%d/%d), SID=0x%02X", attempt, opts.MaxRetries, requestSID)
			select {
			case <-time.After(opts.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		response, err := c.singleRequest(ctx, payload, opts.Timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}

			// 检查是否是可重试的 UDS 错误
			var udsErr *UDSError
			if errors.As(err, &udsErr) && udsErr.IsRetryable() && attempt < opts.MaxRetries {
				lastErr = err
				continue
			}
			return nil, err
		}

		// 验证响应 SID
		if len(response) > 0 && response[0] != expectedResponseSID {
			return nil, fmt.Errorf("响应 SID 不匹配: 期望 0x%02X, 收到 0x%02X", expectedResponseSID, response[0])
		}

		return response, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("达到最大重试次数 (%d): %w", opts.MaxRetries, lastErr)
	}
	return nil, errors.New("未知错误")
}

// singleRequest 执行单次请求（不含重试逻辑）
func (c *UDSClient) singleRequest(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	// 发送前清空可能存在的旧响应
	for drained := false; !drained; {
		select {
		case <-c.responses:
		case <-c.errs:
		default:
			drained = true
		}
	}

	msg := make([]byte, 0, len(c.request)+len(payload))
	msg = append(append(msg, c.request...), payload...)
	if err := c.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, errors.New("UDS 客户端已关闭")
		case <-deadline.C:
			return nil, fmt.Errorf("等待响应超时 (%v)", timeout)
		case err := <-c.errs:
			return nil, err
		case data := <-c.responses:
			// 检查是否为负响应
			if len(data) >= 3 && data[0] == 0x7F {
				nrc := data[2]
				serviceSID := data[1]

				// Response Pending - 重置超时继续等待
				if nrc == NRCResponsePending {
					if !deadline.Stop() {
						select {
						case <-deadline.C:
						default:
						}
					}
					deadline.Reset(responsePendingTimeout)
					c.logger.Infof("收到 Response Pending (SID=0x%02X)，继续等待...", serviceSID)
					continue
				}

				return nil, &UDSError{
					ServiceID: serviceSID,
					NRC:       nrc,
					Message:   getNRCDescription(nrc),
				}
			}
			return data, nil
		}
	}
}

// Request 简化版请求函数，使用默认选项
func (c *UDSClient) Request(payload []byte) ([]byte, error) {
	return c.RequestWithContext(context.Background(), payload, DefaultRequestOptions())
}

// RequestWithTimeout 带自定义超时的请求函数
func (c *UDSClient) RequestWithTimeout(payload []byte, timeout time.Duration) ([]byte, error) {
	opts := DefaultRequestOptions()
	opts.Timeout = timeout
	return c.RequestWithContext(context.Background(), payload, opts)
}

// Close 关闭客户端和控制通道连接
func (c *UDSClient) Close() error {
	c.logger.Info("正在关闭UDS客户端...")
	c.cancel()
	return c.conn.Close()
}

// IsClosed 检查客户端是否已关闭
func (c *UDSClient) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
