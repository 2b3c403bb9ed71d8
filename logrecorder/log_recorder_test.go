package logrecorder

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestNowString(t *testing.T) {
	if !regexp.MustCompile(`^\d{8}_\d{4}$`).MatchString(NowString()) {
		t.Errorf("时间戳格式错误: %s", NowString())
	}
}

func TestMakeDir(t *testing.T) {
	base := t.TempDir()
	dir, err := MakeDir(base)
	if err != nil {
		t.Fatal(err)
	}
	expected := filepath.Join(base, time.Now().Format("2006_01_02"))
	if dir != expected {
		t.Errorf("目录名不匹配\n期望: %s\n实际: %s", expected, dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("目录未创建: %v", err)
	}
	// 已存在时不报错
	if _, err := MakeDir(base); err != nil {
		t.Errorf("重复创建不应失败: %v", err)
	}
}

func TestRecorder_ConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	r, err := New(Options{Dir: t.TempDir(), Name: "isotp_", Console: &console, Rotate: -1})
	if err != nil {
		t.Fatalf("创建日志器失败: %v", err)
	}

	r.Sugar().Infof("pairs configured: %d", 2)
	r.Sugar().Debug("debug line hidden")
	path := r.Path()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(console.String(), "pairs configured: 2") {
		t.Errorf("控制台输出缺少日志: %q", console.String())
	}
	if strings.Contains(console.String(), "debug line hidden") {
		t.Error("非 verbose 模式不应输出 Debug")
	}
	if !strings.HasPrefix(filepath.Base(path), "isotp_") || !strings.HasSuffix(path, ".log") {
		t.Errorf("日志文件名错误: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), `"msg":"pairs configured: 2"`) {
		t.Errorf("日志文件应为 JSON 格式: %q", content)
	}
}

func TestRecorder_Verbose(t *testing.T) {
	var console bytes.Buffer
	r, err := New(Options{Console: &console, Verbose: true})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Sugar().Debug("frame 7E0")
	if !strings.Contains(console.String(), "frame 7E0") {
		t.Errorf("verbose 模式应输出 Debug: %q", console.String())
	}
	if r.Path() != "" {
		t.Error("未指定目录时不应写文件")
	}
	if err := r.Rotate(); err != nil {
		t.Errorf("无文件时 Rotate 应为空操作: %v", err)
	}
}

func TestRecorder_Rotate(t *testing.T) {
	var console bytes.Buffer
	r, err := New(Options{Dir: t.TempDir(), Name: "rot_", Console: &console, Rotate: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	// 等待至少一次自动轮换
	time.Sleep(50 * time.Millisecond)
	r.Sugar().Info("after rotate")
	path := r.Path()
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "after rotate") {
		t.Errorf("轮换后的文件应继续写入: %q", content)
	}
	if strings.Contains(console.String(), "日志轮换失败") {
		t.Errorf("轮换不应失败: %s", console.String())
	}
	// 关闭后再写不会 panic
	r.Sugar().Info("after close")
}
