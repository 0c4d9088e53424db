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
	"sync/atomic"
)

// Header sizes.
const (
	HeaderSize      = 10
	AckHeaderSize   = 12
	RequestItemSize = 12
	dataItemHeader  = 4
)

// Header is the S7 message header.
type Header struct {
	Kind     MessageKind
	Sequence uint16
	// ErrorClass and ErrorCode are only present on Ack and AckData.
	ErrorClass uint8
	ErrorCode  uint8
}

// Err returns the header error, or nil when class and code are zero.
func (h *Header) Err() error {
	if h.ErrorClass == 0 && h.ErrorCode == 0 {
		return nil
	}
	return &HeaderError{Class: h.ErrorClass, Code: h.ErrorCode}
}

// Parameter is the function-specific parameter section of a message.
// Implementations build both the parameter and the data section.
type Parameter interface {
	Function() FunctionCode
	encode() (param, data []byte)
}

// Message is one S7 message.
type Message struct {
	Header Header
	Param  Parameter
}

// SequenceGenerator produces request sequence numbers. Zero is skipped.
type SequenceGenerator struct {
	counter uint32
}

// Next returns the next sequence number.
func (g *SequenceGenerator) Next() uint16 {
	for {
		if v := uint16(atomic.AddUint32(&g.counter, 1)); v != 0 {
			return v
		}
	}
}

// Reset restarts the sequence.
func (g *SequenceGenerator) Reset() {
	atomic.StoreUint32(&g.counter, 0)
}

// SetupParam negotiates AMQ and PDU length.
type SetupParam struct {
	MaxAmqCaller uint16
	MaxAmqCallee uint16
	PDULength    uint16
}

// Function implements Parameter.
func (p *SetupParam) Function() FunctionCode { return FuncSetup }

func (p *SetupParam) encode() ([]byte, []byte) {
	buf := []byte{byte(FuncSetup), 0x00}
	buf = binary.BigEndian.AppendUint16(buf, p.MaxAmqCaller)
	buf = binary.BigEndian.AppendUint16(buf, p.MaxAmqCallee)
	buf = binary.BigEndian.AppendUint16(buf, p.PDULength)
	return buf, nil
}

// RequestItem addresses one variable in S7ANY syntax.
type RequestItem struct {
	TransportSize TransportSize
	Count         uint16
	DBNumber      uint16
	Area          Area
	// Address is byte*8+bit, or the element number for timers and counters.
	Address uint32
}

func (it RequestItem) appendTo(buf []byte) []byte {
	buf = append(buf, 0x12, 0x0A, 0x10, byte(it.TransportSize))
	buf = binary.BigEndian.AppendUint16(buf, it.Count)
	buf = binary.BigEndian.AppendUint16(buf, it.DBNumber)
	buf = append(buf, byte(it.Area))
	return append(buf, byte(it.Address>>16), byte(it.Address>>8), byte(it.Address))
}

func decodeRequestItem(b []byte) (RequestItem, error) {
	if b[0] != 0x12 || b[1] != 0x0A || b[2] != 0x10 {
		return RequestItem{}, fmt.Errorf("%w: unsupported item spec % X", ErrProtocol, b[0:3])
	}
	return RequestItem{
		TransportSize: TransportSize(b[3]),
		Count:         binary.BigEndian.Uint16(b[4:6]),
		DBNumber:      binary.BigEndian.Uint16(b[6:8]),
		Area:          Area(b[8]),
		Address:       uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11]),
	}, nil
}

// NewRequestItem builds the item addressing n bytes of a starting offset
// bytes after its start. Bit addresses always select exactly one bit.
// Timer and counter addresses count 2-byte elements.
func NewRequestItem(a Address, offset, n int) RequestItem {
	it := RequestItem{Area: a.Area, Count: uint16(n), TransportSize: TSByte}
	if a.Area == AreaDataBlock {
		it.DBNumber = uint16(a.DBNumber)
	}
	switch {
	case a.Area == AreaTimer || a.Area == AreaCounter:
		it.TransportSize = TSTimer
		if a.Area == AreaCounter {
			it.TransportSize = TSCounter
		}
		it.Count = uint16(n / 2)
		it.Address = uint32(a.Start + offset/2)
	case a.IsBit():
		it.TransportSize = TSBit
		it.Count = 1
		it.Address = uint32(a.Start*8 + a.Bit)
	default:
		it.Address = uint32((a.Start + offset) * 8)
	}
	return it
}

// DataItem is one variable's result or payload.
type DataItem struct {
	ReturnCode    ReturnCode
	TransportSize DataTransportSize
	Data          []byte
}

// NewWriteDataItem builds the DataItem paired with a write request item.
func NewWriteDataItem(it RequestItem, data []byte) DataItem {
	ts := DTSByte
	switch it.TransportSize {
	case TSBit:
		ts = DTSBit
	case TSTimer, TSCounter:
		ts = DTSOctetString
	}
	return DataItem{ReturnCode: ReturnReserved, TransportSize: ts, Data: data}
}

func (d DataItem) appendTo(buf []byte) []byte {
	n := len(d.Data)
	if d.TransportSize.lengthInBits() && d.TransportSize != DTSBit {
		n *= 8
	}
	buf = append(buf, byte(d.ReturnCode), byte(d.TransportSize))
	buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	return append(buf, d.Data...)
}

func appendDataItems(buf []byte, items []DataItem) []byte {
	for i, d := range items {
		if i > 0 && len(buf)%2 != 0 {
			buf = append(buf, 0x00)
		}
		buf = d.appendTo(buf)
	}
	return buf
}

// decodeDataItems parses n items from data. In responses a failed item
// ends at its return code header; request items always carry a payload.
// Items are aligned to even offsets.
func decodeDataItems(data []byte, n int, request bool) ([]DataItem, error) {
	items := make([]DataItem, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		if i > 0 && pos%2 != 0 {
			pos++
		}
		if pos >= len(data) {
			return nil, fmt.Errorf("%w: data item %d missing", ErrProtocol, i)
		}
		rc := ReturnCode(data[pos])
		if !request && rc != ReturnSuccess {
			// Failed items carry a 4-byte header with zero length, or just
			// the return code when nothing follows.
			item := DataItem{ReturnCode: rc}
			if pos+dataItemHeader <= len(data) {
				item.TransportSize = DataTransportSize(data[pos+1])
				pos += dataItemHeader
			} else {
				pos++
			}
			items = append(items, item)
			continue
		}
		if pos+dataItemHeader > len(data) {
			return nil, fmt.Errorf("%w: data item %d header truncated", ErrProtocol, i)
		}
		ts := DataTransportSize(data[pos+1])
		size := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if ts.lengthInBits() && ts != DTSBit {
			size = (size + 7) / 8
		}
		pos += dataItemHeader
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: data item %d needs %d bytes, %d left", ErrProtocol, i, size, len(data)-pos)
		}
		items = append(items, DataItem{
			ReturnCode:    rc,
			TransportSize: ts,
			Data:          append([]byte(nil), data[pos:pos+size]...),
		})
		pos += size
	}
	return items, nil
}

// ReadVarRequest reads one or more variables.
type ReadVarRequest struct {
	Items []RequestItem
}

// Function implements Parameter.
func (p *ReadVarRequest) Function() FunctionCode { return FuncReadVar }

func (p *ReadVarRequest) encode() ([]byte, []byte) {
	buf := make([]byte, 0, 2+RequestItemSize*len(p.Items))
	buf = append(buf, byte(FuncReadVar), byte(len(p.Items)))
	for _, it := range p.Items {
		buf = it.appendTo(buf)
	}
	return buf, nil
}

// WriteVarRequest writes one or more variables. Data pairs with Items by index.
type WriteVarRequest struct {
	Items []RequestItem
	Data  []DataItem
}

// Function implements Parameter.
func (p *WriteVarRequest) Function() FunctionCode { return FuncWriteVar }

func (p *WriteVarRequest) encode() ([]byte, []byte) {
	buf := make([]byte, 0, 2+RequestItemSize*len(p.Items))
	buf = append(buf, byte(FuncWriteVar), byte(len(p.Items)))
	for _, it := range p.Items {
		buf = it.appendTo(buf)
	}
	return buf, appendDataItems(nil, p.Data)
}

// ReadVarResponse carries one DataItem per requested item.
type ReadVarResponse struct {
	Items []DataItem
}

// Function implements Parameter.
func (p *ReadVarResponse) Function() FunctionCode { return FuncReadVar }

func (p *ReadVarResponse) encode() ([]byte, []byte) {
	return []byte{byte(FuncReadVar), byte(len(p.Items))}, appendDataItems(nil, p.Items)
}

// WriteVarResponse carries one return code per written item.
type WriteVarResponse struct {
	Codes []ReturnCode
}

// Function implements Parameter.
func (p *WriteVarResponse) Function() FunctionCode { return FuncWriteVar }

func (p *WriteVarResponse) encode() ([]byte, []byte) {
	data := make([]byte, len(p.Codes))
	for i, c := range p.Codes {
		data[i] = byte(c)
	}
	return []byte{byte(FuncWriteVar), byte(len(p.Codes))}, data
}

// EncodeMessage encodes m to bytes. Length fields are derived from the
// encoded sections.
func EncodeMessage(m *Message) []byte {
	var param, data []byte
	if m.Param != nil {
		param, data = m.Param.encode()
	}
	size := HeaderSize
	if m.Header.Kind.hasErrorFields() {
		size = AckHeaderSize
	}
	buf := make([]byte, 0, size+len(param)+len(data))
	buf = append(buf, ProtocolID, byte(m.Header.Kind), 0x00, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, m.Header.Sequence)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(param)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)))
	if m.Header.Kind.hasErrorFields() {
		buf = append(buf, m.Header.ErrorClass, m.Header.ErrorCode)
	}
	buf = append(buf, param...)
	return append(buf, data...)
}

// DecodeMessage decodes one complete S7 message. The parameter and data
// lengths must account for every byte.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: S7 header too short (%d bytes)", ErrProtocol, len(b))
	}
	if b[0] != ProtocolID {
		return nil, fmt.Errorf("%w: protocol id 0x%02X", ErrProtocol, b[0])
	}
	m := &Message{Header: Header{
		Kind:     MessageKind(b[1]),
		Sequence: binary.BigEndian.Uint16(b[4:6]),
	}}
	switch m.Header.Kind {
	case KindJob, KindAck, KindAckData:
	case KindUserData:
		return nil, fmt.Errorf("%w: userdata messages are not supported", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown message kind 0x%02X", ErrProtocol, b[1])
	}

	paramLen := int(binary.BigEndian.Uint16(b[6:8]))
	dataLen := int(binary.BigEndian.Uint16(b[8:10]))
	pos := HeaderSize
	if m.Header.Kind.hasErrorFields() {
		if len(b) < AckHeaderSize {
			return nil, fmt.Errorf("%w: S7 ack header too short", ErrProtocol)
		}
		m.Header.ErrorClass = b[10]
		m.Header.ErrorCode = b[11]
		pos = AckHeaderSize
	}
	if len(b) != pos+paramLen+dataLen {
		return nil, fmt.Errorf("%w: message is %d bytes, header declares %d", ErrProtocol, len(b), pos+paramLen+dataLen)
	}
	param := b[pos : pos+paramLen]
	data := b[pos+paramLen:]

	if paramLen == 0 {
		if m.Header.Kind == KindJob {
			return nil, fmt.Errorf("%w: job without parameter", ErrProtocol)
		}
		return m, nil
	}

	var err error
	m.Param, err = decodeParameter(m.Header.Kind, param, data)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeParameter(kind MessageKind, param, data []byte) (Parameter, error) {
	fn := FunctionCode(param[0])
	switch fn {
	case FuncSetup:
		if len(param) != 8 {
			return nil, fmt.Errorf("%w: setup parameter is %d bytes", ErrProtocol, len(param))
		}
		return &SetupParam{
			MaxAmqCaller: binary.BigEndian.Uint16(param[2:4]),
			MaxAmqCallee: binary.BigEndian.Uint16(param[4:6]),
			PDULength:    binary.BigEndian.Uint16(param[6:8]),
		}, nil
	case FuncReadVar, FuncWriteVar:
	default:
		return nil, fmt.Errorf("%w: unknown function code 0x%02X", ErrProtocol, param[0])
	}

	if len(param) < 2 {
		return nil, fmt.Errorf("%w: %s parameter truncated", ErrProtocol, fn)
	}
	n := int(param[1])

	if kind == KindJob {
		if len(param) != 2+n*RequestItemSize {
			return nil, fmt.Errorf("%w: %s with %d items has %d parameter bytes", ErrProtocol, fn, n, len(param))
		}
		items := make([]RequestItem, n)
		for i := range items {
			it, err := decodeRequestItem(param[2+i*RequestItemSize:])
			if err != nil {
				return nil, err
			}
			items[i] = it
		}
		if fn == FuncReadVar {
			return &ReadVarRequest{Items: items}, nil
		}
		payload, err := decodeDataItems(data, n, true)
		if err != nil {
			return nil, err
		}
		return &WriteVarRequest{Items: items, Data: payload}, nil
	}

	if len(param) != 2 {
		return nil, fmt.Errorf("%w: %s response parameter is %d bytes", ErrProtocol, fn, len(param))
	}
	if fn == FuncWriteVar {
		if len(data) != n {
			return nil, fmt.Errorf("%w: write response has %d codes for %d items", ErrProtocol, len(data), n)
		}
		codes := make([]ReturnCode, n)
		for i, c := range data {
			codes[i] = ReturnCode(c)
		}
		return &WriteVarResponse{Codes: codes}, nil
	}
	items, err := decodeDataItems(data, n, false)
	if err != nil {
		return nil, err
	}
	return &ReadVarResponse{Items: items}, nil
}
