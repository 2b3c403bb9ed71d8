package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LoveWonYoung/isotpbridge/driver"
	"github.com/LoveWonYoung/isotpbridge/gateway"
	"github.com/LoveWonYoung/isotpbridge/tp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [TX:RX ...]",
	Short: "Run the ISO-TP bridge on a CAN interface",
	Long: `Run the ISO-TP bridge next to the CAN bus and expose its control channel.

Drivers:
  loopback   in-memory bus, useful for trying the control channel
  socketcan  Linux SocketCAN interface (--iface can0)
  slcan      serial SLCAN adapter (--port /dev/ttyUSB0 --baud 115200)

Address pairs given as arguments are configured at start-up, for example
"7E0:7E8" or "18DA10F1/pad=CC:18DAF110/pad=CC". When --username is set,
clients must authenticate with that user and the ISOTP_PASSWORD password.`,
	RunE: runServe,
}

var (
	serveDriver     string
	serveIface      string
	servePort       string
	serveBaud       int
	serveBitrate    int
	serveListen     string
	servePath       string
	serveBlockSize  uint8
	serveSTmin      uint8
	serveMaxPairs   int
	serveMismatch   string
	serveNoDebug    bool
	serveFilter     bool
	serveQueueDepth int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveDriver, "driver", "socketcan", "CAN driver: loopback, socketcan or slcan")
	f.StringVar(&serveIface, "iface", "can0", "SocketCAN interface")
	f.StringVarP(&servePort, "port", "p", "", "SLCAN serial port device")
	f.IntVarP(&serveBaud, "baud", "b", 115200, "SLCAN serial baud rate")
	f.IntVar(&serveBitrate, "bitrate", 500000, "CAN bitrate (SLCAN only)")
	f.StringVar(&serveListen, "listen", ":8080", "Control channel listen address")
	f.StringVar(&servePath, "path", "/ws", "Control channel WebSocket path")
	f.Uint8Var(&serveBlockSize, "bs", 0, "Block size sent in flow control frames")
	f.Uint8Var(&serveSTmin, "stmin", 0, "Separation time sent in flow control frames")
	f.IntVar(&serveMaxPairs, "max-pairs", tp.DefaultMaxPairs, "Number of address pair slots")
	f.StringVar(&serveMismatch, "mismatch", "ignore", "Consecutive frame sequence mismatch policy: ignore or abort")
	f.BoolVar(&serveNoDebug, "no-debug-channel", false, "Disable the diagnostic side-channel")
	f.BoolVar(&serveFilter, "filter", false, "Install receive filters on drivers that support them")
	f.IntVar(&serveQueueDepth, "queue-depth", tp.DefaultQueueDepth, "Depth of the event and output queues")
}

func newDriver(logger *zap.SugaredLogger) (driver.CANDriver, error) {
	switch serveDriver {
	case "loopback":
		dev := driver.NewLoopback()
		dev.SetLogger(logger)
		return dev, nil
	case "socketcan":
		dev := driver.NewSocketCAN(serveIface)
		dev.SetLogger(logger)
		return dev, nil
	case "slcan":
		if servePort == "" {
			return nil, fmt.Errorf("--port is required for the slcan driver")
		}
		dev := driver.NewSLCAN(servePort, serveBaud, serveBitrate)
		dev.SetLogger(logger)
		return dev, nil
	}
	return nil, fmt.Errorf("unknown driver %q", serveDriver)
}

func serveConfig(args []string) (gateway.Config, error) {
	cfg := gateway.DefaultConfig()
	cfg.Engine.MaxPairs = serveMaxPairs
	cfg.Engine.DebugChannel = !serveNoDebug
	cfg.Engine.FilterFrames = serveFilter
	policy, err := tp.ParseMismatchPolicy(serveMismatch)
	if err != nil {
		return cfg, err
	}
	cfg.Engine.SequenceMismatch = policy

	cfg.EventQueueDepth = serveQueueDepth
	cfg.MessageQueueDepth = serveQueueDepth
	cfg.UnmatchedQueueDepth = serveQueueDepth
	cfg.ListenAddr = serveListen
	cfg.Path = servePath
	cfg.BlockSize = serveBlockSize
	cfg.STmin = serveSTmin

	if len(args) > 0 {
		if cfg.InitialPairs, err = parsePairs(args); err != nil {
			return cfg, err
		}
	}
	if wsUsername != "" {
		cfg.Username = wsUsername
		if cfg.Password, err = GetPassword(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	rec, logger, err := newRecorder("isotp_")
	if err != nil {
		return err
	}
	defer rec.Close()

	cfg, err := serveConfig(args)
	if err != nil {
		return err
	}
	dev, err := newDriver(logger.Named(serveDriver))
	if err != nil {
		return err
	}
	gw, err := gateway.New(cfg, dev, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("bridge running on %s driver (pairs=%d, debug channel=%t)", serveDriver, len(cfg.InitialPairs)/tp.PairRecordSize, cfg.Engine.DebugChannel)
	return gw.Run(ctx)
}
