package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var infoProbe string

var infoCmd = &cobra.Command{
	Use:     "info",
	Aliases: []string{"probe", "ping"},
	Short:   "Get PLC session information",
	Long: `Probe a PLC and report what the session negotiated.

This command:
  - Tests TCP connectivity
  - Runs the COTP connection and S7 setup handshakes
  - Reports the TSAPs and the negotiated PDU length
  - Measures the latency of a small read`,
	Example: `  s7cli info -H 192.168.0.1
  s7cli info -H 192.168.0.10 --cpu s71200 --slot 1
  s7cli info -H 192.168.0.1 --probe MB0 -o json`,
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().StringVar(&infoProbe, "probe", "MB0", "Address read to measure latency")
}

type PLCInfo struct {
	Address    string        `json:"address"`
	CPU        string        `json:"cpu"`
	Rack       int           `json:"rack"`
	Slot       int           `json:"slot"`
	LocalTSAP  string        `json:"local_tsap,omitempty"`
	RemoteTSAP string        `json:"remote_tsap,omitempty"`
	Reachable  bool          `json:"reachable"`
	Connected  bool          `json:"connected"`
	PDUSize    int           `json:"pdu_size,omitempty"`
	State      string        `json:"state"`
	Latency    time.Duration `json:"latency_ms"`
	Error      string        `json:"error,omitempty"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	info := PLCInfo{
		Address: getAddress(),
		CPU:     viper.GetString("cpu"),
		Rack:    viper.GetInt("rack"),
		Slot:    viper.GetInt("slot"),
	}

	conn, err := net.DialTimeout("tcp", info.Address, timeout)
	if err != nil {
		info.Error = err.Error()
		return outputPLCInfo(&info)
	}
	conn.Close()
	info.Reachable = true

	client, err := createClient()
	if err != nil {
		info.Error = err.Error()
		return outputPLCInfo(&info)
	}
	defer client.Close()

	local, remote := client.TSAPs()
	info.LocalTSAP = fmt.Sprintf("0x%04X", local)
	info.RemoteTSAP = fmt.Sprintf("0x%04X", remote)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		info.Error = err.Error()
		info.State = client.State().String()
		return outputPLCInfo(&info)
	}
	info.Connected = true
	info.PDUSize = client.MaxPDUSize()

	if probe, err := s7.ParseAddress(infoProbe); err == nil {
		start := time.Now()
		_, err = client.ReadValue(ctx, probe)
		info.Latency = time.Since(start)
		if err != nil {
			info.Error = err.Error()
		}
	}
	info.State = client.State().String()

	return outputPLCInfo(&info)
}

func outputPLCInfo(info *PLCInfo) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Println()
	fmt.Println(boldColor.Sprint("PLC Information"))
	fmt.Println(strings.Repeat("=", 50))

	fmt.Printf("Address:      %s\n", info.Address)
	fmt.Printf("CPU:          %s (rack %d, slot %d)\n", info.CPU, info.Rack, info.Slot)
	if info.RemoteTSAP != "" {
		fmt.Printf("TSAPs:        local %s, remote %s\n", info.LocalTSAP, info.RemoteTSAP)
	}

	if !info.Reachable {
		fmt.Printf("TCP:          %s\n", errColor.Sprint("Unreachable"))
		if info.Error != "" {
			fmt.Printf("Error:        %s\n", errColor.Sprint(info.Error))
		}
		fmt.Println()
		return nil
	}
	fmt.Printf("TCP:          %s\n", okColor.Sprint("Reachable"))

	if !info.Connected {
		fmt.Printf("S7:           %s\n", errColor.Sprint("Failed"))
		if info.Error != "" {
			fmt.Printf("Error:        %s\n", errColor.Sprint(info.Error))
		}
		fmt.Println()
		return nil
	}
	fmt.Printf("S7:           %s\n", okColor.Sprint("Connected"))
	fmt.Printf("PDU length:   %d bytes\n", info.PDUSize)
	fmt.Printf("State:        %s\n", info.State)
	fmt.Printf("Latency:      %dms\n", info.Latency.Milliseconds())

	if info.Error != "" {
		fmt.Println()
		fmt.Printf("Note: %s\n", warnColor.Sprint(info.Error))
	}
	fmt.Println()
	return nil
}
