package logrecorder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultRotate 是日志文件的默认轮换间隔
const DefaultRotate = 5 * time.Minute

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	if base == "" {
		base = "."
	}
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Options 日志配置
type Options struct {
	// Dir 为空时只输出到控制台
	Dir string
	// Name 是日志文件名前缀，如 "isotp_"
	Name    string
	Verbose bool
	// Console 默认为 os.Stderr
	Console io.Writer
	// Rotate 为 0 时使用 DefaultRotate，小于 0 时不轮换
	Rotate time.Duration
}

// rotatingFile 是可以在运行中替换底层文件的 io.Writer
type rotatingFile struct {
	mu   sync.Mutex
	base string
	name string
	file *os.File
	path string
}

func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return 0, os.ErrClosed
	}
	return f.file.Write(p)
}

func (f *rotatingFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Sync()
}

// open 以新的时间戳打开日志文件，旧文件随后关闭
func (f *rotatingFile) open() error {
	dir, err := MakeDir(f.base)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s.log", f.name, NowString()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	f.mu.Lock()
	old := f.file
	f.file = file
	f.path = path
	f.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (f *rotatingFile) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// Recorder 持有进程的 zap 日志器和轮换中的日志文件
type Recorder struct {
	logger *zap.Logger
	file   *rotatingFile
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New 创建控制台 + 文件双输出的日志器，并按 Rotate 间隔轮换日志文件
func New(opts Options) (*Recorder, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(zapcore.AddSync(console)), level),
	}

	r := &Recorder{stop: make(chan struct{})}
	if opts.Dir != "" {
		r.file = &rotatingFile{base: opts.Dir, name: opts.Name}
		if err := r.file.open(); err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(r.file), level))
	}
	r.logger = zap.New(zapcore.NewTee(cores...))

	interval := opts.Rotate
	if interval == 0 {
		interval = DefaultRotate
	}
	if r.file != nil && interval > 0 {
		r.wg.Add(1)
		go r.rotateLoop(interval)
	}
	return r, nil
}

func (r *Recorder) rotateLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Rotate(); err != nil {
				// 轮换失败时继续写旧文件
				r.logger.Warn("日志轮换失败", zap.Error(err))
			}
		}
	}
}

// Rotate 立即切换到新的日志文件
func (r *Recorder) Rotate() error {
	if r.file == nil {
		return nil
	}
	return r.file.open()
}

func (r *Recorder) Logger() *zap.Logger {
	return r.logger
}

func (r *Recorder) Sugar() *zap.SugaredLogger {
	return r.logger.Sugar()
}

// Path 返回当前日志文件路径，未启用文件输出时为空
func (r *Recorder) Path() string {
	if r.file == nil {
		return ""
	}
	r.file.mu.Lock()
	defer r.file.mu.Unlock()
	return r.file.path
}

// Close 停止轮换并关闭日志文件
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
		_ = r.logger.Sync()
		if r.file != nil {
			err = r.file.close()
		}
	})
	return err
}
