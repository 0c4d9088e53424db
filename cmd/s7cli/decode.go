package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
)

var decodePort uint16

var decodeCmd = &cobra.Command{
	Use:   "decode <capture.pcap>",
	Short: "Decode S7 traffic from a capture file",
	Long: `Read a pcap or pcapng capture, reassemble the ISO-on-TCP streams and
print every TPKT/COTP/S7 message. Reassembly follows TCP payload order as
captured; retransmitted or reordered segments are not corrected.`,
	Example: `  s7cli decode plant.pcap
  s7cli decode plant.pcapng -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().Uint16Var(&decodePort, "port", s7.DefaultPort, "ISO-on-TCP port")
}

// DecodedMessage is one message found in a capture.
type DecodedMessage struct {
	Time    time.Time `json:"time"`
	Flow    string    `json:"flow"`
	Layer   string    `json:"layer"`
	Summary string    `json:"summary"`
	Error   string    `json:"error,omitempty"`
}

// stream reassembles one direction of a TCP connection.
type stream struct {
	buf     []byte
	pending []byte
}

type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openCapture(f *os.File) (packetSource, error) {
	if r, err := pcapgo.NewReader(f); err == nil {
		return r, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("not a pcap or pcapng file: %w", err)
	}
	return r, nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	src, err := openCapture(f)
	if err != nil {
		return err
	}

	streams := make(map[string]*stream)
	packets := gopacket.NewPacketSource(src, src.LinkType())
	count := 0
	for packet := range packets.Packets() {
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp := tcpLayer.(*layers.TCP)
		if uint16(tcp.SrcPort) != decodePort && uint16(tcp.DstPort) != decodePort {
			continue
		}
		if len(tcp.Payload) == 0 {
			continue
		}

		flow := packet.NetworkLayer().NetworkFlow().String() + " " + tcp.TransportFlow().String()
		st, ok := streams[flow]
		if !ok {
			st = &stream{}
			streams[flow] = st
		}
		st.buf = append(st.buf, tcp.Payload...)

		for _, msg := range st.drain() {
			msg.Time = packet.Metadata().Timestamp
			msg.Flow = flow
			printDecoded(msg)
			count++
		}
	}

	if outputFmt != "json" {
		outputInfo("%d messages in %d streams", count, len(streams))
	}
	return nil
}

// drain extracts every complete TPKT frame buffered in s.
func (s *stream) drain() []DecodedMessage {
	var out []DecodedMessage
	for len(s.buf) >= s7.TPKTHeaderSize {
		var h s7.TPKTHeader
		if err := h.Decode(s.buf); err != nil {
			out = append(out, DecodedMessage{Layer: "TPKT", Error: err.Error()})
			s.buf = nil
			return out
		}
		if len(s.buf) < int(h.Length) {
			return out
		}
		frame := s.buf[s7.TPKTHeaderSize:h.Length]
		s.buf = s.buf[h.Length:]

		if msg, ok := s.decodeTPDU(frame); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (s *stream) decodeTPDU(frame []byte) (DecodedMessage, bool) {
	tpdu, err := s7.DecodeTPDU(frame)
	if err != nil {
		return DecodedMessage{Layer: "COTP", Error: err.Error()}, true
	}

	switch p := tpdu.(type) {
	case *s7.ConnectionPDU:
		src, dst := p.TSAPs()
		summary := fmt.Sprintf("%s src-ref 0x%04X dst-ref 0x%04X tsap 0x%04X -> 0x%04X", p.Kind, p.SrcRef, p.DstRef, src, dst)
		if v, ok := p.Param(s7.ParamTPDUSize); ok && len(v) == 1 {
			if n, err := s7.TPDUBytes(v[0]); err == nil {
				summary += fmt.Sprintf(" tpdu %d", n)
			}
		}
		return DecodedMessage{Layer: "COTP", Summary: summary}, true
	case *s7.DisconnectPDU:
		return DecodedMessage{Layer: "COTP", Summary: fmt.Sprintf("%s reason 0x%02X", p.Kind, p.Reason)}, true
	case *s7.DataPDU:
		s.pending = append(s.pending, p.Payload...)
		if !p.LastUnit {
			return DecodedMessage{}, false
		}
		raw := s.pending
		s.pending = nil
		m, err := s7.DecodeMessage(raw)
		if err != nil {
			return DecodedMessage{Layer: "S7", Summary: fmt.Sprintf("% X", raw), Error: err.Error()}, true
		}
		return DecodedMessage{Layer: "S7", Summary: describeMessage(m)}, true
	default:
		return DecodedMessage{Layer: "COTP", Summary: tpdu.Type().String()}, true
	}
}

func describeItem(it s7.RequestItem) string {
	area := it.Area.String()
	if it.Area == s7.AreaDataBlock {
		area = fmt.Sprintf("DB%d", it.DBNumber)
	}
	if it.Area == s7.AreaTimer || it.Area == s7.AreaCounter {
		return fmt.Sprintf("%s%d x%d", area, it.Address, it.Count)
	}
	return fmt.Sprintf("%s %d.%d x%d (ts 0x%02X)", area, it.Address/8, it.Address%8, it.Count, uint8(it.TransportSize))
}

func describeMessage(m *s7.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s seq %d", m.Header.Kind, m.Header.Sequence)
	if err := m.Header.Err(); err != nil {
		fmt.Fprintf(&sb, " [%v]", err)
	}

	switch p := m.Param.(type) {
	case *s7.SetupParam:
		fmt.Fprintf(&sb, " setup pdu %d amq %d/%d", p.PDULength, p.MaxAmqCaller, p.MaxAmqCallee)
	case *s7.ReadVarRequest:
		items := make([]string, len(p.Items))
		for i, it := range p.Items {
			items[i] = describeItem(it)
		}
		fmt.Fprintf(&sb, " read %s", strings.Join(items, ", "))
	case *s7.WriteVarRequest:
		items := make([]string, len(p.Items))
		for i, it := range p.Items {
			items[i] = describeItem(it)
			if i < len(p.Data) {
				items[i] += fmt.Sprintf(" = % X", p.Data[i].Data)
			}
		}
		fmt.Fprintf(&sb, " write %s", strings.Join(items, ", "))
	case *s7.ReadVarResponse:
		items := make([]string, len(p.Items))
		for i, it := range p.Items {
			if it.ReturnCode != s7.ReturnSuccess {
				items[i] = it.ReturnCode.String()
				continue
			}
			items[i] = fmt.Sprintf("% X", it.Data)
		}
		fmt.Fprintf(&sb, " read-response [%s]", strings.Join(items, "] ["))
	case *s7.WriteVarResponse:
		codes := make([]string, len(p.Codes))
		for i, c := range p.Codes {
			codes[i] = c.String()
		}
		fmt.Fprintf(&sb, " write-response %s", strings.Join(codes, ", "))
	case nil:
	default:
		fmt.Fprintf(&sb, " %s", p.Function())
	}
	return sb.String()
}

func printDecoded(msg DecodedMessage) {
	if outputFmt == "json" {
		json.NewEncoder(os.Stdout).Encode(msg)
		return
	}
	line := fmt.Sprintf("%s %s %-4s %s",
		msg.Time.Format("15:04:05.000000"), infoColor.Sprint(msg.Flow), msg.Layer, msg.Summary)
	if msg.Error != "" {
		line += " " + errColor.Sprint(msg.Error)
	}
	fmt.Println(line)
}
