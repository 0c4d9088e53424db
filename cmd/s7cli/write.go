package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	writeType   string
	writeLength int
	writeHex    bool
)

var writeCmd = &cobra.Command{
	Use:     "write <address> <value>",
	Aliases: []string{"w"},
	Short:   "Write a variable to the PLC",
	Long: `Write one value. The value is parsed according to the address type or
-T/--type. With --hex the value is a hex string written as raw bytes.

Value syntax:
  bool      true, false, 1, 0
  integers  decimal or 0x-prefixed hex
  real      decimal
  s5time    Go duration, e.g. 500ms, 20s, 2m
  dt, dtl   2006-01-02T15:04:05.000
  strings   the literal text`,
	Example: `  s7cli write DB1.DBX0.3 true
  s7cli write MW10 1234 -T int
  s7cli write DB1.DBD4 3.14 -T real
  s7cli write DB10.DBB0 "hello" -T string -L 20
  s7cli write DB1.DBB0 "DE AD BE EF" --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().StringVarP(&writeType, "type", "T", "", "Value type")
	writeCmd.Flags().IntVarP(&writeLength, "length", "L", 0, "Declared length of string types")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Value is raw hex bytes")
}

// parseValue converts text to the Go type EncodeValue expects for t.
func parseValue(t s7.ValueType, text string) (interface{}, error) {
	switch t {
	case s7.TypeBit:
		return strconv.ParseBool(text)
	case s7.TypeByte, s7.TypeWord, s7.TypeDWord, s7.TypeCounter:
		return strconv.ParseUint(text, 0, 32)
	case s7.TypeInt, s7.TypeDInt:
		return strconv.ParseInt(text, 0, 32)
	case s7.TypeReal, s7.TypeLReal:
		return strconv.ParseFloat(text, 64)
	case s7.TypeTimer:
		return time.ParseDuration(text)
	case s7.TypeDateTime, s7.TypeDateTimeLong:
		if strings.EqualFold(text, "now") {
			return time.Now(), nil
		}
		return time.ParseInLocation("2006-01-02T15:04:05.999999999", text, time.UTC)
	default:
		return text, nil
	}
}

func runWrite(cmd *cobra.Command, args []string) error {
	var addr s7.Address
	if writeHex {
		a, err := s7.ParseAddress(args[0])
		if err != nil {
			return err
		}
		addr = a
	} else {
		addrs, err := parseAddresses(args[:1], writeType, writeLength)
		if err != nil {
			return err
		}
		addr = addrs[0]
	}

	var raw []byte
	var err error
	if writeHex {
		raw, err = hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
		if err != nil {
			return fmt.Errorf("invalid hex value: %w", err)
		}
	} else {
		v, err := parseValue(addr.Type, args[1])
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", addr.Type, args[1], err)
		}
		enc, err := stringEncoding(viper.GetString("charset"))
		if err != nil {
			return err
		}
		raw, err = s7.EncodeValue(addr.Type, v, addr.Length, enc)
		if err != nil {
			return err
		}
	}

	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Write(ctx, addr, raw); err != nil {
		return fmt.Errorf("write %s failed: %w", addr, err)
	}
	outputSuccess("Wrote %d bytes to %s (% X)", len(raw), addr, raw)
	return nil
}
