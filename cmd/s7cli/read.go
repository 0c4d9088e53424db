package main

import (
	"context"
	"fmt"

	"github.com/edgeo-scada/s7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	readType   string
	readLength int
	readCount  int
)

var readCmd = &cobra.Command{
	Use:     "read <address>...",
	Aliases: []string{"r"},
	Short:   "Read variables from the PLC",
	Long: `Read one or more variables. Several addresses are packed into as few
requests as the negotiated PDU length allows.

Address forms:
  DB<n>.DBX<byte>.<bit>  DB<n>.DBB<byte>  DB<n>.DBW<byte>  DB<n>.DBD<byte>
  DB<n>.STR<byte>.<len>
  I/Q/M with B, W, D or <byte>.<bit>   T<n>   C<n>

Supported types for -T/--type:
  bool, byte, word, int, dword, dint, real, lreal,
  chars, string, wstring, s5time, counter, dt, dtl`,
	Example: `  s7cli read DB1.DBD32 -T real -H 192.168.0.1
  s7cli read MW10 MW12 I0.3 T5
  s7cli read DB10.DBB0 -T string -L 20
  s7cli read DB1.DBB0 -c 512 -o hex`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readType, "type", "T", "", "Value type applied to every address")
	readCmd.Flags().IntVarP(&readLength, "length", "L", 0, "Declared length of string types")
	readCmd.Flags().IntVarP(&readCount, "count", "c", 0, "Read this many raw bytes from the first address")
}

// parseAddresses parses args and applies the type override.
func parseAddresses(args []string, typeName string, length int) ([]s7.Address, error) {
	var override s7.ValueType
	if typeName != "" {
		t, err := s7.ParseValueType(typeName)
		if err != nil {
			return nil, err
		}
		override = t
	}

	addrs := make([]s7.Address, len(args))
	for i, arg := range args {
		a, err := s7.ParseAddress(arg)
		if err != nil {
			return nil, err
		}
		if override != 0 {
			n := length
			if n == 0 {
				n = a.Length
			}
			a = a.WithType(override, n)
		}
		if a.Size() == 0 {
			return nil, fmt.Errorf("%s: %s needs a length (-L)", arg, a.Type)
		}
		addrs[i] = a
	}
	return addrs, nil
}

func runRead(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddresses(args, readType, readLength)
	if err != nil {
		return err
	}
	enc, err := stringEncoding(viper.GetString("charset"))
	if err != nil {
		return err
	}

	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	if readCount > 0 {
		data, err := client.Read(ctx, addrs[0], readCount)
		if err != nil {
			return fmt.Errorf("read %s failed: %w", addrs[0], err)
		}
		hexDump(addrs[0].Start, data)
		return nil
	}

	raw, err := client.ReadMulti(ctx, addrs)
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	results := make([]ValueResult, len(addrs))
	for i, a := range addrs {
		results[i] = newResult(a, raw[i], enc)
	}
	return outputValues("Variables", results)
}
