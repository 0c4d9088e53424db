package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var (
	cfgFile string

	// Global flags
	host      string
	port      int
	cpuName   string
	rack      int
	slot      int
	timeout   time.Duration
	pduSize   int
	charset   string
	outputFmt string
	verbose   bool
	noColor   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "s7cli",
	Short: "A command-line client for Siemens S7 PLCs",
	Long: `s7cli talks S7comm over ISO-on-TCP to S7-200, S7-300, S7-400,
S7-1200, S7-1500 and LOGO! controllers.

Features:
  - Read/write any DB, I, Q, M, T or C address
  - Multiple output formats (table, json, csv, yaml, hex, raw)
  - Rack/slot discovery
  - Continuous monitoring (watch mode)
  - Multi-PLC polling from a YAML job file
  - Offline decoding of pcap captures
  - Interactive REPL mode

Examples:
  # Read a REAL from DB1
  s7cli read DB1.DBD32 -T real -H 192.168.0.1

  # Write an INT to a marker word
  s7cli write MW10 1234 -T int -H 192.168.0.1

  # S7-1200 in rack 0 slot 1
  s7cli info --cpu s71200 --slot 1 -H 192.168.0.10

  # Find the CPU slot
  s7cli scan -H 192.168.0.1`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		if noColor {
			color.NoColor = true
		}
		outputFmt = viper.GetString("output")
		timeout = viper.GetDuration("timeout")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.s7cli.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "PLC host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", s7.DefaultPort, "PLC port")
	rootCmd.PersistentFlags().StringVar(&cpuName, "cpu", "s7300", "CPU family: s7200, s7200smart, logo, s7300, s7400, s71200, s71500")
	rootCmd.PersistentFlags().IntVar(&rack, "rack", 0, "CPU rack (0-15)")
	rootCmd.PersistentFlags().IntVar(&slot, "slot", 2, "CPU slot (0-15)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", s7.DefaultTimeout, "Operation timeout")
	rootCmd.PersistentFlags().IntVar(&pduSize, "pdu", s7.DefaultPDUSize, "Requested PDU length")
	rootCmd.PersistentFlags().StringVar(&charset, "charset", "", "Code page for STRING values: latin1, windows1252 (default: raw bytes)")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, yaml, hex, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	for _, name := range []string{"host", "port", "cpu", "rack", "slot", "timeout", "pdu", "charset", "output"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(interactiveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".s7cli")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("S7")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getAddress() string {
	return net.JoinHostPort(viper.GetString("host"), strconv.Itoa(viper.GetInt("port")))
}

func stringEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, nil
	case "latin1", "iso8859-1":
		return charmap.ISO8859_1, nil
	case "windows1252", "cp1252":
		return charmap.Windows1252, nil
	case "windows1250", "cp1250":
		return charmap.Windows1250, nil
	default:
		return nil, fmt.Errorf("unknown charset %q", name)
	}
}

// clientOptions builds the session options from the global flags.
func clientOptions() ([]s7.Option, error) {
	cpu, err := s7.ParseCPUType(viper.GetString("cpu"))
	if err != nil {
		return nil, err
	}
	enc, err := stringEncoding(viper.GetString("charset"))
	if err != nil {
		return nil, err
	}
	opts := []s7.Option{
		s7.WithCPU(cpu),
		s7.WithRackSlot(viper.GetInt("rack"), viper.GetInt("slot")),
		s7.WithTimeout(viper.GetDuration("timeout")),
		s7.WithPDUSize(viper.GetInt("pdu")),
		s7.WithLogger(logger),
	}
	if enc != nil {
		opts = append(opts, s7.WithStringEncoding(enc))
	}
	return opts, nil
}

func createClient() (*s7.Client, error) {
	opts, err := clientOptions()
	if err != nil {
		return nil, err
	}
	client, err := s7.NewClient(getAddress(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
