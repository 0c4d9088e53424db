// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package s7 provides a client for the Siemens S7 communication protocol
// (S7comm) over ISO-on-TCP.
package s7

import (
	"fmt"
	"strings"
	"time"
)

// Area identifies a PLC memory area.
type Area uint8

// Memory areas as encoded in S7ANY request items.
const (
	AreaInput     Area = 0x81
	AreaOutput    Area = 0x82
	AreaMemory    Area = 0x83
	AreaDataBlock Area = 0x84
	AreaCounter   Area = 0x1C
	AreaTimer     Area = 0x1D
)

// String returns the string representation of the area.
func (a Area) String() string {
	switch a {
	case AreaInput:
		return "I"
	case AreaOutput:
		return "Q"
	case AreaMemory:
		return "M"
	case AreaDataBlock:
		return "DB"
	case AreaCounter:
		return "C"
	case AreaTimer:
		return "T"
	default:
		return fmt.Sprintf("Area(0x%02X)", uint8(a))
	}
}

// CPUType selects the TSAP pair used during the COTP handshake.
type CPUType int

const (
	CPUS7300 CPUType = iota
	CPUS7400
	CPUS71200
	CPUS71500
	CPUS7200
	CPUS7200Smart
	CPULogo0BA8
)

// String returns the string representation of the CPU type.
func (c CPUType) String() string {
	switch c {
	case CPUS7300:
		return "S7-300"
	case CPUS7400:
		return "S7-400"
	case CPUS71200:
		return "S7-1200"
	case CPUS71500:
		return "S7-1500"
	case CPUS7200:
		return "S7-200"
	case CPUS7200Smart:
		return "S7-200 Smart"
	case CPULogo0BA8:
		return "LOGO! 0BA8"
	default:
		return fmt.Sprintf("CPUType(%d)", int(c))
	}
}

// ParseCPUType parses a CPU family name such as "s7-1200", "1500", "200smart" or "logo".
func ParseCPUType(s string) (CPUType, error) {
	n := strings.ToLower(s)
	n = strings.NewReplacer("-", "", "_", "", " ", "", "!", "").Replace(n)
	n = strings.TrimPrefix(n, "s7")
	switch n {
	case "300":
		return CPUS7300, nil
	case "400":
		return CPUS7400, nil
	case "1200":
		return CPUS71200, nil
	case "1500":
		return CPUS71500, nil
	case "200":
		return CPUS7200, nil
	case "200smart", "smart":
		return CPUS7200Smart, nil
	case "logo", "logo0ba8", "0ba8":
		return CPULogo0BA8, nil
	}
	return 0, fmt.Errorf("s7: unknown CPU type %q", s)
}

// MessageKind is the ROSCTR field of the S7 header.
type MessageKind uint8

const (
	KindJob      MessageKind = 0x01
	KindAck      MessageKind = 0x02
	KindAckData  MessageKind = 0x03
	KindUserData MessageKind = 0x07
)

// String returns the string representation of the message kind.
func (k MessageKind) String() string {
	switch k {
	case KindJob:
		return "Job"
	case KindAck:
		return "Ack"
	case KindAckData:
		return "AckData"
	case KindUserData:
		return "UserData"
	default:
		return fmt.Sprintf("Kind(0x%02X)", uint8(k))
	}
}

// hasErrorFields reports whether the header carries error class and code.
func (k MessageKind) hasErrorFields() bool {
	return k == KindAck || k == KindAckData
}

// FunctionCode is the first byte of an S7 parameter section.
type FunctionCode uint8

const (
	FuncReadVar  FunctionCode = 0x04
	FuncWriteVar FunctionCode = 0x05
	FuncSetup    FunctionCode = 0xF0
)

// String returns the string representation of the function code.
func (f FunctionCode) String() string {
	switch f {
	case FuncReadVar:
		return "ReadVar"
	case FuncWriteVar:
		return "WriteVar"
	case FuncSetup:
		return "SetupCommunication"
	default:
		return fmt.Sprintf("Func(0x%02X)", uint8(f))
	}
}

// TransportSize is the transport size byte of a request item.
type TransportSize uint8

const (
	TSBit     TransportSize = 0x01
	TSByte    TransportSize = 0x02
	TSChar    TransportSize = 0x03
	TSWord    TransportSize = 0x04
	TSInt     TransportSize = 0x05
	TSDWord   TransportSize = 0x06
	TSDInt    TransportSize = 0x07
	TSReal    TransportSize = 0x08
	TSCounter TransportSize = 0x1C
	TSTimer   TransportSize = 0x1D
)

// DataTransportSize is the transport size byte of a data item. It decides
// whether the length field counts bits or bytes.
type DataTransportSize uint8

const (
	DTSNull        DataTransportSize = 0x00
	DTSBit         DataTransportSize = 0x03
	DTSByte        DataTransportSize = 0x04
	DTSInteger     DataTransportSize = 0x05
	DTSReal        DataTransportSize = 0x07
	DTSOctetString DataTransportSize = 0x09
)

// lengthInBits reports whether the length field of a data item is expressed in bits.
func (d DataTransportSize) lengthInBits() bool {
	return d == DTSBit || d == DTSByte || d == DTSInteger
}

// ReturnCode is the per-item result reported by the PLC.
type ReturnCode uint8

const (
	ReturnReserved                  ReturnCode = 0x00
	ReturnHardwareFault             ReturnCode = 0x01
	ReturnAccessingObjectNotAllowed ReturnCode = 0x03
	ReturnAddressOutOfRange         ReturnCode = 0x05
	ReturnDataTypeNotSupported      ReturnCode = 0x06
	ReturnDataTypeInconsistent      ReturnCode = 0x07
	ReturnObjectDoesNotExist        ReturnCode = 0x0A
	ReturnSuccess                   ReturnCode = 0xFF
)

// String returns the string representation of the return code.
func (r ReturnCode) String() string {
	switch r {
	case ReturnReserved:
		return "reserved"
	case ReturnHardwareFault:
		return "hardware fault"
	case ReturnAccessingObjectNotAllowed:
		return "accessing object not allowed"
	case ReturnAddressOutOfRange:
		return "address out of range"
	case ReturnDataTypeNotSupported:
		return "data type not supported"
	case ReturnDataTypeInconsistent:
		return "data type inconsistent"
	case ReturnObjectDoesNotExist:
		return "object does not exist"
	case ReturnSuccess:
		return "success"
	default:
		return fmt.Sprintf("unknown return code (0x%02X)", uint8(r))
	}
}

// Protocol constants.
const (
	// DefaultPort is the ISO-on-TCP port.
	DefaultPort = 102

	// DefaultTimeout is the default timeout for S7 operations.
	DefaultTimeout = 5 * time.Second

	// DefaultPDUSize is the PDU length proposed during communication setup.
	DefaultPDUSize = 960

	// MinPDUSize is the smallest PDU a PLC may negotiate.
	MinPDUSize = 240

	// ProtocolID is the first byte of every S7 message.
	ProtocolID = 0x32

	// ReadOverhead is the number of PDU bytes a single-item ReadVar
	// response spends outside the data payload.
	ReadOverhead = 18

	// WriteOverhead is the number of PDU bytes a single-item WriteVar
	// request spends outside the data payload.
	WriteOverhead = 28

	// MaxItemsPerRequest is the item limit of one ReadVar/WriteVar job.
	MaxItemsPerRequest = 20
)

// ConnectionState represents the state of a client session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateCotpHandshake
	StateS7Setup
	StateReady
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateCotpHandshake:
		return "cotp-handshake"
	case StateS7Setup:
		return "s7-setup"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}
