package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/isotpbridge/tp"
	"github.com/LoveWonYoung/isotpbridge/udsclient"
	"github.com/spf13/cobra"
)

var udsCmd = &cobra.Command{
	Use:   "uds REQUEST [REQUEST ...]",
	Short: "Send UDS requests and print the responses",
	Long: `Send one or more UDS requests (hex) to an ECU through the bridge.

  isotpbridge uds --tx 7E0 --rx 7E8 1003 22F190
  isotpbridge uds --tx 18DA10F1/pad=CC --rx 18DAF110/pad=CC --configure 22F190

Negative responses are decoded. Busy (0x21) is retried and response pending
(0x78) extends the wait. --configure replaces the bridge's pair table with
TX:RX before sending.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUDS,
}

var (
	udsTx        string
	udsRx        string
	udsConfigure bool
	udsTimeout   time.Duration
	udsRetries   int
)

func init() {
	rootCmd.AddCommand(udsCmd)
	f := udsCmd.Flags()
	f.StringVar(&udsTx, "tx", "7E0", "Request endpoint")
	f.StringVar(&udsRx, "rx", "7E8", "Response endpoint")
	f.BoolVar(&udsConfigure, "configure", false, "Configure TX:RX as the only address pair first")
	f.DurationVar(&udsTimeout, "timeout", 500*time.Millisecond, "Response timeout per attempt")
	f.IntVar(&udsRetries, "retries", 3, "Retries on busy responses")
}

func runUDS(cmd *cobra.Command, args []string) error {
	tx, err := parseEndpoint(udsTx)
	if err != nil {
		return err
	}
	rx, err := parseEndpoint(udsRx)
	if err != nil {
		return err
	}
	requests := make([][]byte, 0, len(args))
	for _, arg := range args {
		req, err := tp.ParseHexBytes(arg)
		if err != nil {
			return err
		}
		if len(req) == 0 {
			return fmt.Errorf("empty UDS request")
		}
		requests = append(requests, req)
	}

	rec, logger, err := newRecorder("uds_")
	if err != nil {
		return err
	}
	defer rec.Close()

	c, err := openControl(cmd.Context())
	if err != nil {
		return err
	}
	if udsConfigure {
		raw := tp.EncodePairs([]tp.AddressPair{{Tx: tx, Rx: rx}})
		if err := c.SetPairs(raw, 0); err != nil {
			c.Close()
			return err
		}
		logger.Infof("address pair configured: tx %s rx %s", tx, rx)
	}

	client, err := udsclient.New(c, messageHeader(tx), messageHeader(rx))
	if err != nil {
		c.Close()
		return err
	}
	client.SetLogger(logger.Named("uds"))
	defer client.Close()

	opts := udsclient.DefaultRequestOptions()
	opts.Timeout = udsTimeout
	opts.MaxRetries = udsRetries

	for _, req := range requests {
		resp, err := client.RequestWithContext(cmd.Context(), req, opts)
		var udsErr *udsclient.UDSError
		switch {
		case errors.As(err, &udsErr):
			fmt.Printf("-> % X\n<- NRC 0x%02X %s\n", req, udsErr.NRC, udsErr.Message)
		case err != nil:
			return fmt.Errorf("request % X: %w", req, err)
		default:
			fmt.Printf("-> % X\n<- % X\n", req, resp)
		}
	}
	return nil
}
