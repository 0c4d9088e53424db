package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchShowDiff  bool
	watchClearTerm bool
	watchTimestamp bool
	watchLogFile   string
)

var watchCmd = &cobra.Command{
	Use:   "watch <address>...",
	Short: "Continuously monitor PLC variables",
	Long: `Poll variables at a fixed interval. Lost sessions are re-established
on the next poll.

Features:
  - Change highlighting
  - Logging to a CSV file
  - Timestamp display`,
	Example: `  # Watch two words every second
  s7cli watch MW10 MW12 -i 1s -H 192.168.0.1

  # Watch a REAL, highlight changes, log to file
  s7cli watch DB1.DBD32 -T real --diff --log data.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&readType, "type", "T", "", "Value type applied to every address")
	watchCmd.Flags().IntVarP(&readLength, "length", "L", 0, "Declared length of string types")
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 1*time.Second, "Poll interval")
	watchCmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
	watchCmd.Flags().BoolVar(&watchShowDiff, "diff", false, "Highlight changed values")
	watchCmd.Flags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
	watchCmd.Flags().BoolVar(&watchTimestamp, "timestamp", true, "Show timestamps")
	watchCmd.Flags().StringVar(&watchLogFile, "log", "", "Log values to file (CSV format)")
}

type WatchState struct {
	client       *s7.Client
	addrs        []s7.Address
	enc          encoding.Encoding
	ctx          context.Context
	cancel       context.CancelFunc
	prev         []ValueResult
	iteration    int
	logFile      *os.File
	logWriter    *csv.Writer
	startTime    time.Time
	errorCount   int
	successCount int
}

func runWatch(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddresses(args, readType, readLength)
	if err != nil {
		return err
	}
	state, err := initWatchState(addrs)
	if err != nil {
		return err
	}
	defer state.cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	if err := state.poll(); err != nil {
		state.errorCount++
		outputWarning("Initial read failed: %v", err)
	}

	for {
		select {
		case <-sigCh:
			fmt.Println("\n\nStopping watch...")
			state.printSummary()
			return nil
		case <-ticker.C:
			if err := state.poll(); err != nil {
				state.errorCount++
				outputWarning("Read failed: %v", err)
			}
			if watchCount > 0 && state.iteration >= watchCount {
				state.printSummary()
				return nil
			}
		case <-state.ctx.Done():
			return state.ctx.Err()
		}
	}
}

func initWatchState(addrs []s7.Address) (*WatchState, error) {
	enc, err := stringEncoding(viper.GetString("charset"))
	if err != nil {
		return nil, err
	}
	client, err := createClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &WatchState{
		client:    client,
		addrs:     addrs,
		enc:       enc,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	defer connectCancel()
	if err := client.Connect(connectCtx); err != nil {
		state.cleanup()
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	if watchLogFile != "" {
		f, err := os.Create(watchLogFile)
		if err != nil {
			state.cleanup()
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		state.logFile = f
		state.logWriter = csv.NewWriter(f)
		header := []string{"timestamp"}
		for _, a := range addrs {
			header = append(header, a.String())
		}
		state.logWriter.Write(header)
	}
	return state, nil
}

func (s *WatchState) cleanup() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.logWriter != nil {
		s.logWriter.Flush()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}

func (s *WatchState) poll() error {
	readCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	raw, err := s.client.ReadMulti(readCtx, s.addrs)
	if err != nil {
		return err
	}
	s.iteration++
	s.successCount++
	now := time.Now()

	results := make([]ValueResult, len(s.addrs))
	changed := make(map[int]bool)
	for i, a := range s.addrs {
		results[i] = newResult(a, raw[i], s.enc)
		if watchShowDiff && s.prev != nil && s.prev[i].Hex != results[i].Hex {
			changed[i] = true
		}
	}
	s.prev = results

	if s.logWriter != nil {
		row := []string{now.Format(time.RFC3339Nano)}
		for _, r := range results {
			row = append(row, valueString(r))
		}
		s.logWriter.Write(row)
		s.logWriter.Flush()
	}

	if outputFmt == "json" {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"timestamp": now,
			"iteration": s.iteration,
			"values":    results,
		})
	}

	if watchClearTerm && s.iteration > 1 {
		fmt.Print("\033[H\033[2J")
	}
	fmt.Printf("%s - %d variables\n", boldColor.Sprint("S7 WATCH"), len(s.addrs))
	fmt.Printf("Host: %s | PDU: %d | Interval: %s\n", getAddress(), s.client.MaxPDUSize(), watchInterval)
	if watchTimestamp {
		fmt.Printf("Time: %s | Iteration: %d", now.Format("15:04:05.000"), s.iteration)
		if watchCount > 0 {
			fmt.Printf("/%d", watchCount)
		}
		fmt.Println()
	}
	return outputValuesTable("Values", results, changed)
}

func (s *WatchState) printSummary() {
	elapsed := time.Since(s.startTime)
	m := s.client.Metrics()

	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Duration:       %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Polls:          %d ok, %d failed\n", s.successCount, s.errorCount)
	fmt.Printf("Requests:       %d\n", m.RequestsTotal.Value())
	fmt.Printf("Reconnections:  %d\n", m.Reconnections.Value())
	if stats := m.Latency.Stats(); stats.Count > 0 {
		fmt.Printf("Latency:        avg %.1fms, p95 %.1fms, max %.1fms\n", stats.Avg, stats.P95, stats.Max)
	}
}
