package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/edgeo-scada/s7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding"
)

var interactiveCmd = &cobra.Command{
	Use:     "interactive",
	Aliases: []string{"i", "repl", "shell"},
	Short:   "Start interactive S7 shell",
	Long: `Start an interactive shell on one PLC session.

Available commands:
  connect                       - Connect to the PLC
  disconnect                    - Close the session
  status                        - Show session state and metrics
  pdu                           - Show the negotiated PDU length

  read <addr>... [type [len]]   - Read and decode variables
  dump <addr> <bytes>           - Hex dump a byte range
  write <addr> <value> [type [len]] - Write a value

  output <format>               - Set output format (table/json/csv/yaml/hex/raw)

  help                          - Show help
  quit                          - Exit`,
	Example: `  s7cli interactive -H 192.168.0.1
  s7cli i -H 192.168.0.10 --cpu s71500 --slot 1`,
}

// RunE is set here: execute reads interactiveCmd, which would otherwise
// form an initialization cycle.
func init() {
	interactiveCmd.RunE = runInteractive
}

var errQuit = errors.New("quit")

type InteractiveSession struct {
	client *s7.Client
	enc    encoding.Encoding
}

func runInteractive(cmd *cobra.Command, args []string) error {
	enc, err := stringEncoding(viper.GetString("charset"))
	if err != nil {
		return err
	}
	client, err := createClient()
	if err != nil {
		return err
	}
	session := &InteractiveSession{client: client, enc: enc}
	defer func() { session.client.Close() }()

	fmt.Println(boldColor.Sprint("S7 Interactive Shell"))
	fmt.Println("Type 'help' for available commands, 'quit' to exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(session.prompt())
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := session.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			outputError("%v", err)
		}
	}

	fmt.Println("\nGoodbye!")
	return nil
}

func (s *InteractiveSession) prompt() string {
	status := errColor.Sprint(s.client.State().String())
	if s.client.IsConnected() {
		status = okColor.Sprint(s.client.Address())
	}
	return fmt.Sprintf("s7[%s]> ", status)
}

func (s *InteractiveSession) execute(line string) error {
	parts := strings.Fields(line)
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		fmt.Println(interactiveCmd.Long)
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "connect":
		if err := s.client.Connect(ctx); err != nil {
			return err
		}
		outputSuccess("Connected to %s (PDU %d)", s.client.Address(), s.client.MaxPDUSize())
		return nil
	case "disconnect":
		// A closed client cannot reconnect; start over with a fresh one.
		s.client.Close()
		client, err := createClient()
		if err != nil {
			return err
		}
		s.client = client
		outputSuccess("Disconnected")
		return nil
	case "status":
		return s.status()
	case "pdu":
		fmt.Printf("PDU length: %d bytes\n", s.client.MaxPDUSize())
		return nil
	case "output":
		if len(args) != 1 {
			return fmt.Errorf("usage: output <format>")
		}
		outputFmt = args[0]
		return nil
	case "read", "r":
		return s.read(ctx, args)
	case "dump", "d":
		return s.dump(ctx, args)
	case "write", "w":
		return s.write(ctx, args)
	default:
		return fmt.Errorf("unknown command %q (type 'help')", cmd)
	}
}

// splitTyped separates address arguments from a trailing "type [len]".
func splitTyped(args []string) (addrs []string, typeName string, length int) {
	for i, arg := range args {
		if _, err := s7.ParseAddress(arg); err == nil {
			continue
		}
		if _, err := s7.ParseValueType(arg); err == nil {
			typeName = arg
			if i+1 < len(args) {
				fmt.Sscanf(args[i+1], "%d", &length)
			}
			return args[:i], typeName, length
		}
	}
	return args, "", 0
}

func (s *InteractiveSession) read(ctx context.Context, args []string) error {
	names, typeName, length := splitTyped(args)
	if len(names) == 0 {
		return fmt.Errorf("usage: read <addr>... [type [len]]")
	}
	addrs, err := parseAddresses(names, typeName, length)
	if err != nil {
		return err
	}
	raw, err := s.client.ReadMulti(ctx, addrs)
	if err != nil {
		return err
	}
	results := make([]ValueResult, len(addrs))
	for i, a := range addrs {
		results[i] = newResult(a, raw[i], s.enc)
	}
	return outputValues("Variables", results)
}

func (s *InteractiveSession) dump(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: dump <addr> <bytes>")
	}
	addr, err := s7.ParseAddress(args[0])
	if err != nil {
		return err
	}
	var n int
	if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
		return fmt.Errorf("invalid byte count %q", args[1])
	}
	data, err := s.client.Read(ctx, addr, n)
	if err != nil {
		return err
	}
	hexDump(addr.Start, data)
	return nil
}

func (s *InteractiveSession) write(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: write <addr> <value> [type [len]]")
	}
	var typeName string
	var length int
	if len(args) > 2 {
		typeName = args[2]
	}
	if len(args) > 3 {
		fmt.Sscanf(args[3], "%d", &length)
	}
	addrs, err := parseAddresses(args[:1], typeName, length)
	if err != nil {
		return err
	}
	v, err := parseValue(addrs[0].Type, args[1])
	if err != nil {
		return err
	}
	raw, err := s7.EncodeValue(addrs[0].Type, v, addrs[0].Length, s.enc)
	if err != nil {
		return err
	}
	if err := s.client.Write(ctx, addrs[0], raw); err != nil {
		return err
	}
	outputSuccess("Wrote %s", addrs[0])
	return nil
}

func (s *InteractiveSession) status() error {
	local, remote := s.client.TSAPs()
	m := s.client.Metrics()
	fmt.Printf("Address:        %s\n", s.client.Address())
	fmt.Printf("State:          %s\n", s.client.State())
	fmt.Printf("TSAPs:          0x%04X -> 0x%04X\n", local, remote)
	fmt.Printf("PDU length:     %d\n", s.client.MaxPDUSize())
	fmt.Printf("Requests:       %d (%d errors)\n", m.RequestsTotal.Value(), m.RequestsErrors.Value())
	fmt.Printf("Item errors:    %d\n", m.ItemErrors.Value())
	fmt.Printf("Reconnections:  %d\n", m.Reconnections.Value())
	fmt.Printf("Bytes:          %d read, %d written\n", m.BytesRead.Value(), m.BytesWritten.Value())
	return nil
}
