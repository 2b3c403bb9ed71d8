package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/LoveWonYoung/isotpbridge/control"
	"github.com/LoveWonYoung/isotpbridge/tp"
	"github.com/spf13/cobra"
)

var pairsCmd = &cobra.Command{
	Use:   "pairs TX:RX [TX:RX ...]",
	Short: "Replace the address pair table of a running bridge",
	Long: `Replace the bridge's address pair table.

Each pair is TX:RX where an endpoint is ID[/ext=XX][/pad=XX]:
  7E0:7E8                          11-bit IDs, variable length frames
  18DA10F1/pad=CC:18DAF110/pad=CC  29-bit IDs padded to 8 bytes with 0xCC
  6F1/ext=12:612/ext=F1            extended addressing

Pass no pairs with --clear to remove all pairs.`,
	RunE: runPairs,
}

var flowCmd = &cobra.Command{
	Use:   "flow BS STMIN",
	Short: "Set the block size and STmin advertised in flow control frames",
	Args:  cobra.ExactArgs(2),
	RunE:  runFlow,
}

var (
	pairsChannel uint32
	pairsClear   bool
)

func init() {
	rootCmd.AddCommand(pairsCmd)
	rootCmd.AddCommand(flowCmd)
	pairsCmd.Flags().Uint32Var(&pairsChannel, "channel", 0, "Base channel id, pair i reports channel+i (0 = slot index)")
	pairsCmd.Flags().BoolVar(&pairsClear, "clear", false, "Remove every configured pair")
}

func runPairs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !pairsClear {
		return fmt.Errorf("no address pairs given (use --clear to remove all pairs)")
	}
	raw, err := parsePairs(args)
	if err != nil {
		return err
	}
	pairs, err := tp.ParsePairs(raw, tp.MaxPairsLimit)
	if err != nil {
		return err
	}

	c, err := openControl(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetPairs(raw, pairsChannel); err != nil {
		return err
	}
	if err := expectNoError(c, 300*time.Millisecond); err != nil {
		return err
	}
	for i, p := range pairs {
		fmt.Printf("pair %d: tx %s  rx %s\n", i, p.Tx, p.Rx)
	}
	if len(pairs) == 0 {
		fmt.Println("address pairs cleared")
	}
	return nil
}

func runFlow(cmd *cobra.Command, args []string) error {
	var bs, stmin byte
	for i, dst := range []*byte{&bs, &stmin} {
		b, err := tp.ParseHexBytes(args[i])
		if err != nil || len(b) != 1 {
			return fmt.Errorf("invalid byte %q", args[i])
		}
		*dst = b[0]
	}

	c, err := openControl(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetFlowControl(bs, stmin); err != nil {
		return err
	}
	if err := expectNoError(c, 300*time.Millisecond); err != nil {
		return err
	}
	fmt.Printf("flow control: BS=0x%02X STmin=0x%02X\n", bs, stmin)
	return nil
}

// rejection 把网关的错误报文转换为 error
func rejection(env control.Envelope) error {
	switch env.Kind {
	case control.KindError:
		return fmt.Errorf("bridge: %s", env.Data)
	case control.KindEngineError:
		return fmt.Errorf("bridge engine: %s", env.Data)
	}
	return nil
}

// collect 在 timeout 内读取上送报文并交给 fn，fn 返回 false 时提前结束。
// 超时后关闭连接以打断阻塞的 Recv。
func collect(c *control.Client, timeout time.Duration, fn func(control.Envelope) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for {
			env, err := c.Recv()
			if err != nil {
				done <- err
				return
			}
			if !fn(env) {
				done <- nil
				return
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = c.Close()
		<-done
		return nil
	}
}

// expectNoError 等待一小段时间。网关拒绝请求时回 KindError；
// 地址对超限等由引擎处理时发现的错误以 KindEngineError 广播，也视为失败。
func expectNoError(c *control.Client, wait time.Duration) error {
	var rejected error
	err := collect(c, wait, func(env control.Envelope) bool {
		rejected = rejection(env)
		return rejected == nil
	})
	if rejected != nil {
		return rejected
	}
	return err
}
