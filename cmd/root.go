package cmd

import (
	"fmt"

	"github.com/LoveWonYoung/isotpbridge/logrecorder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Control channel flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Logging flags
	logDir  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "isotpbridge",
	Short: "ISO-TP bridge between a CAN bus and a WebSocket control channel",
	Long: `isotpbridge - ISO-TP (ISO 15765-2) segmentation and reassembly bridge.

"serve" runs the bridge next to the CAN bus. The other commands are clients
that talk to a running bridge over its WebSocket control channel:

  isotpbridge serve --driver socketcan --iface can0 --listen :8080
  isotpbridge pairs --url ws://host:8080/ws 7E0:7E8
  isotpbridge uds   --url ws://host:8080/ws 22F190

For authentication, the password is read from the ISOTP_PASSWORD environment
variable, or prompted interactively if not set. There is no --password flag so
credentials do not end up in shell history.`,
	Version:      "1.0.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "ws://127.0.0.1:8080/ws", "Control channel URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Write rotating JSON logs under this directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// newRecorder 按全局参数创建日志器，调用方负责 Close
func newRecorder(name string) (*logrecorder.Recorder, *zap.SugaredLogger, error) {
	rec, err := logrecorder.New(logrecorder.Options{
		Dir:     logDir,
		Name:    name,
		Verbose: verbose,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return rec, rec.Sugar(), nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
