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

package s7

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TPDUType is the COTP PDU type code.
type TPDUType uint8

// COTP PDU types.
const (
	TPDUConnectionRequest TPDUType = 0xE0
	TPDUConnectionConfirm TPDUType = 0xD0
	TPDUDisconnectRequest TPDUType = 0x80
	TPDUData              TPDUType = 0xF0
	TPDUError             TPDUType = 0x70
)

// String returns the string representation of the PDU type.
func (t TPDUType) String() string {
	switch t {
	case TPDUConnectionRequest:
		return "CR"
	case TPDUConnectionConfirm:
		return "CC"
	case TPDUDisconnectRequest:
		return "DR"
	case TPDUData:
		return "DT"
	case TPDUError:
		return "ER"
	default:
		return fmt.Sprintf("TPDU(0x%02X)", uint8(t))
	}
}

// COTP parameter codes carried by CR and CC PDUs.
const (
	ParamTPDUSize uint8 = 0xC0
	ParamSrcTSAP  uint8 = 0xC1
	ParamDstTSAP  uint8 = 0xC2
)

// TPDU size codes; the size in bytes is 1<<code.
const (
	TPDUSize128  uint8 = 0x07
	TPDUSize256  uint8 = 0x08
	TPDUSize512  uint8 = 0x09
	TPDUSize1024 uint8 = 0x0A
	TPDUSize2048 uint8 = 0x0B
	TPDUSize4096 uint8 = 0x0C
	TPDUSize8192 uint8 = 0x0D
)

// DefaultTPDUSize is the TPDU size proposed in the connection request.
const DefaultTPDUSize = TPDUSize1024

// dataHeaderSize is the length of a DT PDU header.
const dataHeaderSize = 3

// maxMessageSize bounds reassembly of segmented S7 messages.
const maxMessageSize = 1 << 16

// TPDUBytes converts a TPDU size code to bytes.
func TPDUBytes(code uint8) (int, error) {
	if code < TPDUSize128 || code > TPDUSize8192 {
		return 0, fmt.Errorf("%w: TPDU size code 0x%02X", ErrProtocol, code)
	}
	return 1 << code, nil
}

// COTPParam is one TLV parameter of a connection PDU.
type COTPParam struct {
	Code  uint8
	Value []byte
}

// NewCOTPParam builds a parameter whose value is exactly length bytes.
// value is right-aligned: longer input keeps its low-order bytes, shorter
// input is zero-extended.
func NewCOTPParam(code uint8, length int, value []byte) COTPParam {
	v := make([]byte, length)
	if len(value) >= length {
		copy(v, value[len(value)-length:])
	} else {
		copy(v[length-len(value):], value)
	}
	return COTPParam{Code: code, Value: v}
}

// TPDU is a decoded COTP PDU.
type TPDU interface {
	Type() TPDUType
	Encode() []byte
}

// ConnectionPDU is a connection request or confirm.
type ConnectionPDU struct {
	Kind   TPDUType
	DstRef uint16
	SrcRef uint16
	Class  uint8
	Params []COTPParam
}

// Type implements TPDU.
func (p *ConnectionPDU) Type() TPDUType { return p.Kind }

// Encode encodes the PDU to bytes.
func (p *ConnectionPDU) Encode() []byte {
	n := 6
	for _, prm := range p.Params {
		n += 2 + len(prm.Value)
	}
	buf := make([]byte, 0, n+1)
	buf = append(buf, byte(n), byte(p.Kind))
	buf = binary.BigEndian.AppendUint16(buf, p.DstRef)
	buf = binary.BigEndian.AppendUint16(buf, p.SrcRef)
	buf = append(buf, p.Class)
	for _, prm := range p.Params {
		buf = append(buf, prm.Code, byte(len(prm.Value)))
		buf = append(buf, prm.Value...)
	}
	return buf
}

// Param returns the value of the first parameter with the given code.
func (p *ConnectionPDU) Param(code uint8) ([]byte, bool) {
	for _, prm := range p.Params {
		if prm.Code == code {
			return prm.Value, true
		}
	}
	return nil, false
}

// TSAPs returns the source and destination TSAPs, zero when absent.
func (p *ConnectionPDU) TSAPs() (src, dst uint16) {
	if v, ok := p.Param(ParamSrcTSAP); ok && len(v) == 2 {
		src = binary.BigEndian.Uint16(v)
	}
	if v, ok := p.Param(ParamDstTSAP); ok && len(v) == 2 {
		dst = binary.BigEndian.Uint16(v)
	}
	return src, dst
}

// NewConnectionRequest builds the CR sent by a client.
func NewConnectionRequest(localTSAP, remoteTSAP uint16, tpduSize uint8) *ConnectionPDU {
	return &ConnectionPDU{
		Kind:   TPDUConnectionRequest,
		DstRef: 0x0000,
		SrcRef: 0x0001,
		Params: []COTPParam{
			NewCOTPParam(ParamTPDUSize, 1, []byte{tpduSize}),
			NewCOTPParam(ParamSrcTSAP, 2, binary.BigEndian.AppendUint16(nil, localTSAP)),
			NewCOTPParam(ParamDstTSAP, 2, binary.BigEndian.AppendUint16(nil, remoteTSAP)),
		},
	}
}

// DataPDU is a DT PDU carrying one segment of an S7 message.
type DataPDU struct {
	TPDUNumber uint8
	LastUnit   bool
	Payload    []byte
}

// Type implements TPDU.
func (p *DataPDU) Type() TPDUType { return TPDUData }

// Encode encodes the PDU to bytes.
func (p *DataPDU) Encode() []byte {
	flags := p.TPDUNumber & 0x7F
	if p.LastUnit {
		flags |= 0x80
	}
	buf := make([]byte, 0, dataHeaderSize+len(p.Payload))
	buf = append(buf, 0x02, byte(TPDUData), flags)
	return append(buf, p.Payload...)
}

// DisconnectPDU is a disconnect request or a TPDU error sent by the peer.
type DisconnectPDU struct {
	Kind   TPDUType
	DstRef uint16
	SrcRef uint16
	Reason uint8
}

// Type implements TPDU.
func (p *DisconnectPDU) Type() TPDUType { return p.Kind }

// Encode encodes the PDU to bytes.
func (p *DisconnectPDU) Encode() []byte {
	if p.Kind == TPDUError {
		buf := []byte{0x04, byte(TPDUError)}
		buf = binary.BigEndian.AppendUint16(buf, p.DstRef)
		return append(buf, p.Reason)
	}
	buf := []byte{0x06, byte(TPDUDisconnectRequest)}
	buf = binary.BigEndian.AppendUint16(buf, p.DstRef)
	buf = binary.BigEndian.AppendUint16(buf, p.SrcRef)
	return append(buf, p.Reason)
}

// DecodeTPDU decodes one COTP PDU from the payload of a TPKT frame.
func DecodeTPDU(data []byte) (TPDU, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: COTP PDU too short", ErrProtocol)
	}
	li := int(data[0])
	if li+1 > len(data) {
		return nil, fmt.Errorf("%w: COTP length indicator %d exceeds frame", ErrProtocol, li)
	}
	kind := TPDUType(data[1])
	if kind&0xF0 == TPDUConnectionRequest || kind&0xF0 == TPDUConnectionConfirm {
		kind &= 0xF0 // low nibble is the credit
	}

	switch kind {
	case TPDUConnectionRequest, TPDUConnectionConfirm:
		return decodeConnection(kind, data[:li+1])
	case TPDUData:
		if li != 2 {
			return nil, fmt.Errorf("%w: DT length indicator %d", ErrProtocol, li)
		}
		flags := data[2]
		payload := make([]byte, len(data)-dataHeaderSize)
		copy(payload, data[dataHeaderSize:])
		return &DataPDU{
			TPDUNumber: flags & 0x7F,
			LastUnit:   flags&0x80 != 0,
			Payload:    payload,
		}, nil
	case TPDUDisconnectRequest:
		if li < 6 {
			return nil, fmt.Errorf("%w: DR too short", ErrProtocol)
		}
		return &DisconnectPDU{
			Kind:   kind,
			DstRef: binary.BigEndian.Uint16(data[2:4]),
			SrcRef: binary.BigEndian.Uint16(data[4:6]),
			Reason: data[6],
		}, nil
	case TPDUError:
		if li < 4 {
			return nil, fmt.Errorf("%w: ER too short", ErrProtocol)
		}
		return &DisconnectPDU{
			Kind:   kind,
			DstRef: binary.BigEndian.Uint16(data[2:4]),
			Reason: data[4],
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown COTP PDU type 0x%02X", ErrProtocol, data[1])
	}
}

func decodeConnection(kind TPDUType, data []byte) (*ConnectionPDU, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("%w: %s too short", ErrProtocol, kind)
	}
	p := &ConnectionPDU{
		Kind:   kind,
		DstRef: binary.BigEndian.Uint16(data[2:4]),
		SrcRef: binary.BigEndian.Uint16(data[4:6]),
		Class:  data[6],
	}
	rest := data[7:]
	for len(rest) > 0 {
		if len(rest) < 2 || int(rest[1]) > len(rest)-2 {
			return nil, fmt.Errorf("%w: truncated COTP parameter", ErrProtocol)
		}
		n := int(rest[1])
		p.Params = append(p.Params, COTPParam{Code: rest[0], Value: append([]byte(nil), rest[2:2+n]...)})
		rest = rest[2+n:]
	}
	return p, nil
}

// ReadTPDU reads one frame from r and decodes its COTP PDU.
func ReadTPDU(r io.Reader) (TPDU, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeTPDU(f.Payload)
}

// WriteTPDU encodes p into one frame on w.
func WriteTPDU(w io.Writer, p TPDU) error {
	return WriteFrame(w, p.Encode())
}

// ReadData reads DT PDUs from r until one carries the last-unit flag and
// returns the concatenated payloads.
func ReadData(r io.Reader) ([]byte, error) {
	var msg []byte
	for {
		p, err := ReadTPDU(r)
		if err != nil {
			return nil, err
		}
		dt, ok := p.(*DataPDU)
		if !ok {
			return nil, unexpectedTPDU(p)
		}
		if len(msg)+len(dt.Payload) > maxMessageSize {
			return nil, fmt.Errorf("%w: segmented message exceeds %d bytes", ErrProtocol, maxMessageSize)
		}
		msg = append(msg, dt.Payload...)
		if dt.LastUnit {
			return msg, nil
		}
	}
}

// WriteData writes payload as one or more DT PDUs, each no larger than
// tpduSize bytes. TPDU numbers start at next; the number following the
// last PDU written is returned.
func WriteData(w io.Writer, payload []byte, tpduSize int, next uint8) (uint8, error) {
	chunk := tpduSize - dataHeaderSize
	if chunk <= 0 {
		return next, fmt.Errorf("%w: TPDU size %d", ErrProtocol, tpduSize)
	}
	for {
		n := min(len(payload), chunk)
		dt := DataPDU{TPDUNumber: next, LastUnit: n == len(payload), Payload: payload[:n]}
		if err := WriteTPDU(w, &dt); err != nil {
			return next, err
		}
		next = (next + 1) & 0x7F
		payload = payload[n:]
		if dt.LastUnit {
			return next, nil
		}
	}
}

func unexpectedTPDU(p TPDU) error {
	if d, ok := p.(*DisconnectPDU); ok {
		return fmt.Errorf("%w: peer sent %s (reason 0x%02X)", ErrProtocol, d.Kind, d.Reason)
	}
	return fmt.Errorf("%w: unexpected COTP %s", ErrProtocol, p.Type())
}

// TSAPFor returns the local and remote TSAP for a CPU family. rack and
// slot are used by the S7-300/400/1200/1500 families and must be 0-15.
func TSAPFor(cpu CPUType, rack, slot int) (local, remote uint16, err error) {
	if rack < 0 || rack > 15 {
		return 0, 0, fmt.Errorf("s7: rack %d out of range 0-15", rack)
	}
	if slot < 0 || slot > 15 {
		return 0, 0, fmt.Errorf("s7: slot %d out of range 0-15", slot)
	}
	switch cpu {
	case CPUS7200:
		return 0x1000, 0x1001, nil
	case CPUS7200Smart:
		return 0x1000, 0x0301, nil
	case CPULogo0BA8:
		return 0x0100, 0x0102, nil
	case CPUS7300, CPUS7400, CPUS71200, CPUS71500:
		return 0x0100, 0x0300 | uint16((rack<<5|slot)&0xFF), nil
	default:
		return 0, 0, fmt.Errorf("s7: unsupported CPU type %s", cpu)
	}
}
