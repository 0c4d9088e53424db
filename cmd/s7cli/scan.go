package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	scanRackStart int
	scanRackEnd   int
	scanSlotStart int
	scanSlotEnd   int
	scanWorkers   int
	scanTimeout   time.Duration
	scanAll       bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find the rack and slot of a CPU",
	Long: `Try the COTP and S7 setup handshakes for every rack/slot combination in
range and list the ones the PLC accepts. S7-300 CPUs usually answer at
rack 0 slot 2, S7-1200/1500 at rack 0 slot 1.`,
	Example: `  s7cli scan -H 192.168.0.1
  s7cli scan -H 192.168.0.1 --rack-end 3 --workers 16
  s7cli scan -H 192.168.0.1 --all -o json`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanRackStart, "rack-start", 0, "First rack")
	scanCmd.Flags().IntVar(&scanRackEnd, "rack-end", 0, "Last rack")
	scanCmd.Flags().IntVar(&scanSlotStart, "slot-start", 0, "First slot")
	scanCmd.Flags().IntVar(&scanSlotEnd, "slot-end", 15, "Last slot")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 4, "Number of concurrent probes")
	scanCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", 2*time.Second, "Timeout for each probe")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List refused combinations too")
}

type ScanResult struct {
	Rack       int           `json:"rack"`
	Slot       int           `json:"slot"`
	RemoteTSAP string        `json:"remote_tsap"`
	Responsive bool          `json:"responsive"`
	PDUSize    int           `json:"pdu_size,omitempty"`
	Latency    time.Duration `json:"latency_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	cpu, err := s7.ParseCPUType(viper.GetString("cpu"))
	if err != nil {
		return err
	}
	if scanRackStart > scanRackEnd || scanSlotStart > scanSlotEnd {
		return fmt.Errorf("empty rack/slot range")
	}

	addr := getAddress()
	outputInfo("Scanning racks %d-%d, slots %d-%d on %s...",
		scanRackStart, scanRackEnd, scanSlotStart, scanSlotEnd, addr)

	var (
		mu      sync.Mutex
		results []ScanResult
	)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(scanWorkers)
	for r := scanRackStart; r <= scanRackEnd; r++ {
		for s := scanSlotStart; s <= scanSlotEnd; s++ {
			r, s := r, s
			g.Go(func() error {
				result := probeRackSlot(ctx, addr, cpu, r, s)
				if result.Responsive || scanAll {
					mu.Lock()
					results = append(results, result)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Rack != results[j].Rack {
			return results[i].Rack < results[j].Rack
		}
		return results[i].Slot < results[j].Slot
	})
	return outputScanResults(results)
}

func probeRackSlot(ctx context.Context, addr string, cpu s7.CPUType, rack, slot int) ScanResult {
	result := ScanResult{Rack: rack, Slot: slot}

	client, err := s7.NewClient(addr,
		s7.WithCPU(cpu),
		s7.WithRackSlot(rack, slot),
		s7.WithTimeout(scanTimeout),
		s7.WithLogger(logger),
	)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer client.Close()
	_, remote := client.TSAPs()
	result.RemoteTSAP = fmt.Sprintf("0x%04X", remote)

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	start := time.Now()
	if err := client.Connect(ctx); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Latency = time.Since(start)
	result.Responsive = true
	result.PDUSize = client.MaxPDUSize()
	return result
}

func outputScanResults(results []ScanResult) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	fmt.Printf("\n%s\n", boldColor.Sprint("Rack/Slot Scan Results"))
	fmt.Println(strings.Repeat("-", 60))

	if len(results) == 0 {
		fmt.Println(warnColor.Sprint("No CPU accepted a connection"))
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RACK\tSLOT\tTSAP\tSTATUS\tPDU\tLATENCY")
	fmt.Fprintln(w, "----\t----\t----\t------\t---\t-------")
	for _, r := range results {
		if r.Responsive {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%dms\n",
				r.Rack, r.Slot, r.RemoteTSAP, aliveColor.Sprint("OK"), r.PDUSize, r.Latency.Milliseconds())
		} else {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t-\t-\n", r.Rack, r.Slot, r.RemoteTSAP, errColor.Sprint("refused"))
		}
	}
	w.Flush()
	fmt.Println()
	return nil
}
