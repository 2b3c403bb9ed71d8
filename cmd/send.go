package cmd

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/LoveWonYoung/isotpbridge/control"
	"github.com/LoveWonYoung/isotpbridge/tp"
	"github.com/marcinbor85/gohex"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send TX [HEX]",
	Short: "Send an ISO-TP message through the bridge",
	Long: `Send an application message to the TX endpoint. The bridge segments it
when a matching address pair is configured. Without a pair, payloads of up
to 7 bytes still go out as a padded single frame.

The payload comes from the HEX argument or from an Intel HEX file:
  isotpbridge send 7E0 22F190 --rx 7E8
  isotpbridge send 7E0 --ihex app.hex --chunk 1024 --rx 7E8

With --ihex the image is flattened (gaps filled with --fill) and sent in
--chunk sized messages. Each chunk waits for a reply on --rx when given.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var (
	sendIHex     string
	sendChunk    int
	sendFill     uint8
	sendRx       string
	sendTimeout  time.Duration
	sendInterval time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	f := sendCmd.Flags()
	f.StringVar(&sendIHex, "ihex", "", "Intel HEX file to send instead of a HEX argument")
	f.IntVar(&sendChunk, "chunk", tp.MaxMessageSize, "Maximum payload per message for --ihex")
	f.Uint8Var(&sendFill, "fill", 0xFF, "Fill byte for gaps between Intel HEX segments")
	f.StringVar(&sendRx, "rx", "", "Wait for a reply from this endpoint after each message")
	f.DurationVar(&sendTimeout, "timeout", 2*time.Second, "Reply timeout with --rx")
	f.DurationVar(&sendInterval, "interval", 20*time.Millisecond, "Delay between chunks without --rx")
}

// loadIntelHex 读取 Intel HEX 文件并展开为连续的二进制镜像
func loadIntelHex(path string, fill byte) (uint32, []byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer file.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(file); err != nil {
		return 0, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return 0, nil, fmt.Errorf("%s contains no data", path)
	}
	start := segments[0].Address
	end := start
	for _, s := range segments {
		if s.Address < start {
			start = s.Address
		}
		if e := s.Address + uint32(len(s.Data)); e > end {
			end = e
		}
	}
	return start, mem.ToBinary(start, end-start, fill), nil
}

func sendPayloads(args []string) ([][]byte, error) {
	if sendIHex == "" {
		if len(args) < 2 {
			return nil, fmt.Errorf("give a HEX payload or --ihex")
		}
		payload, err := tp.ParseHexBytes(args[1])
		if err != nil {
			return nil, err
		}
		return [][]byte{payload}, nil
	}
	if len(args) == 2 {
		return nil, fmt.Errorf("HEX payload and --ihex are mutually exclusive")
	}
	if sendChunk <= 0 || sendChunk > tp.MaxMessageSize {
		return nil, fmt.Errorf("--chunk must be between 1 and %d", tp.MaxMessageSize)
	}
	start, image, err := loadIntelHex(sendIHex, sendFill)
	if err != nil {
		return nil, err
	}
	fmt.Printf("%s: %d bytes at 0x%08X\n", sendIHex, len(image), start)
	return tp.SplitBlock(image, sendChunk), nil
}

func runSend(cmd *cobra.Command, args []string) error {
	tx, err := parseEndpoint(args[0])
	if err != nil {
		return err
	}
	var rxHeader []byte
	if sendRx != "" {
		rx, err := parseEndpoint(sendRx)
		if err != nil {
			return err
		}
		rxHeader = messageHeader(rx)
	}
	payloads, err := sendPayloads(args)
	if err != nil {
		return err
	}

	c, err := openControl(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	header := messageHeader(tx)
	for i, payload := range payloads {
		msg := append(append([]byte(nil), header...), payload...)
		if err := c.Write(msg); err != nil {
			return err
		}
		if len(payloads) > 1 {
			fmt.Printf("chunk %d/%d: %d bytes\n", i+1, len(payloads), len(payload))
		}
		if rxHeader == nil {
			time.Sleep(sendInterval)
			continue
		}
		if err := waitReply(c, rxHeader, sendTimeout); err != nil {
			return err
		}
	}
	if rxHeader == nil {
		return expectNoError(c, 300*time.Millisecond)
	}
	return nil
}

// waitReply 打印上送报文，直到收到以 header 开头的消息
func waitReply(c *control.Client, header []byte, timeout time.Duration) error {
	var got bool
	var rejected error
	err := collect(c, timeout, func(env control.Envelope) bool {
		if rejected = rejection(env); rejected != nil {
			return false
		}
		if env.Kind == control.KindMessage && bytes.HasPrefix(env.Data, header) {
			fmt.Println(formatEnvelope(env))
			got = true
			return false
		}
		return true
	})
	switch {
	case rejected != nil:
		return rejected
	case err != nil:
		return err
	case !got:
		return fmt.Errorf("no reply within %v", timeout)
	}
	return nil
}
