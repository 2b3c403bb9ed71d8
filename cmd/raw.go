package cmd

import (
	"fmt"
	"time"

	"github.com/LoveWonYoung/isotpbridge/control"
	"github.com/LoveWonYoung/isotpbridge/tp"
	"github.com/spf13/cobra"
)

var rawCmd = &cobra.Command{
	Use:   "raw ID [HEX]",
	Short: "Send a single CAN frame, bypassing ISO-TP",
	Long: `Send one CAN frame as-is. IDs with more than 3 hex digits or above 7FF
are sent as 29-bit identifiers. The payload is at most 8 bytes and is not padded.

  isotpbridge raw 7DF 02 10 03
  isotpbridge raw 18DB33F1 0210030000000000`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRaw,
}

var debugCmd = &cobra.Command{
	Use:   "debug on|off",
	Short: "Toggle the bridge's message debug trace",
	Long: `Toggle message debug on the bridge. While enabled, the bridge reports
each received frame and reassembly step as messages with header FF FF FF FE 02.
The bridge answers FF FF FF FE 00 or 01 to confirm the new state.`,
	Args: cobra.ExactArgs(1),
	RunE: runDebug,
}

func init() {
	rootCmd.AddCommand(rawCmd)
	rootCmd.AddCommand(debugCmd)
}

func runRaw(cmd *cobra.Command, args []string) error {
	id, err := parseWireID(args[0])
	if err != nil {
		return err
	}
	var data []byte
	if len(args) == 2 {
		if data, err = tp.ParseHexBytes(args[1]); err != nil {
			return err
		}
	}
	if len(data) > 8 {
		return fmt.Errorf("CAN frame payload is %d bytes, at most 8 allowed", len(data))
	}

	c, err := openControl(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.WriteRaw(id, data); err != nil {
		return err
	}
	if err := expectNoError(c, 300*time.Millisecond); err != nil {
		return err
	}
	fmt.Printf("sent %s [%d] % X\n", formatID(id), len(data), data)
	return nil
}

func runDebug(cmd *cobra.Command, args []string) error {
	var state byte
	switch args[0] {
	case "on", "1":
		state = 1
	case "off", "0":
		state = 0
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}

	c, err := openControl(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, state}); err != nil {
		return err
	}

	var reply []byte
	var rejected error
	err = collect(c, 2*time.Second, func(env control.Envelope) bool {
		if rejected = rejection(env); rejected != nil {
			return false
		}
		if env.Kind == control.KindMessage && len(env.Data) == 5 && tp.BigToInt(env.Data[:4]) == 0xFFFFFFFE {
			reply = env.Data
			return false
		}
		return true
	})
	if rejected != nil {
		return rejected
	}
	if err != nil {
		return err
	}
	if reply == nil {
		return fmt.Errorf("no debug acknowledgement (is the debug channel disabled?)")
	}
	switch reply[4] {
	case 0:
		fmt.Println("message debug off")
	case 1:
		fmt.Println("message debug on")
	default:
		return fmt.Errorf("bridge rejected debug state 0x%02X", state)
	}
	return nil
}
