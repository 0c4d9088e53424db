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
	"bytes"
	"errors"
	"testing"
)

func TestEncodeSetup(t *testing.T) {
	msg := &Message{
		Header: Header{Kind: KindJob, Sequence: 0xFFFF},
		Param:  &SetupParam{MaxAmqCaller: 3, MaxAmqCallee: 3, PDULength: 960},
	}

	expected := []byte{
		0x32, 0x01, 0x00, 0x00, 0xFF, 0xFF, 0x00, 0x08, 0x00, 0x00,
		0xF0, 0x00, 0x00, 0x03, 0x00, 0x03, 0x03, 0xC0,
	}
	if result := EncodeMessage(msg); !bytes.Equal(result, expected) {
		t.Errorf("Expected % X, got % X", expected, result)
	}
}

func TestDecodeSetupResponse(t *testing.T) {
	data := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00,
		0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0xF0,
	}
	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if m.Header.Kind != KindAckData || m.Header.Sequence != 1 {
		t.Errorf("unexpected header %+v", m.Header)
	}
	setup, ok := m.Param.(*SetupParam)
	if !ok {
		t.Fatalf("expected *SetupParam, got %T", m.Param)
	}
	if setup.PDULength != 240 || setup.MaxAmqCaller != 1 || setup.MaxAmqCallee != 1 {
		t.Errorf("unexpected setup %+v", setup)
	}
}

func TestEncodeReadVar(t *testing.T) {
	a, _ := ParseAddress("DB1.DBD32")
	msg := &Message{
		Header: Header{Kind: KindJob, Sequence: 1},
		Param:  &ReadVarRequest{Items: []RequestItem{NewRequestItem(a, 0, 4)}},
	}

	expected := []byte{
		0x32, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x0E, 0x00, 0x00,
		0x04, 0x01,
		0x12, 0x0A, 0x10, 0x02, 0x00, 0x04, 0x00, 0x01, 0x84, 0x00, 0x01, 0x00,
	}
	if result := EncodeMessage(msg); !bytes.Equal(result, expected) {
		t.Errorf("Expected % X, got % X", expected, result)
	}
}

func TestDecodeReadVarResponse(t *testing.T) {
	data := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x0F, 0x00, 0x00,
		0x04, 0x03,
		0xFF, 0x04, 0x00, 0x08, 0xAB, 0x00, // one byte, padded
		0x0A, 0x00, 0x00, 0x00, // object does not exist
		0xFF, 0x03, 0x00, 0x01, 0x01, // one bit
	}
	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	rr, ok := m.Param.(*ReadVarResponse)
	if !ok || len(rr.Items) != 3 {
		t.Fatalf("unexpected parameter %#v", m.Param)
	}
	if rr.Items[0].ReturnCode != ReturnSuccess || !bytes.Equal(rr.Items[0].Data, []byte{0xAB}) {
		t.Errorf("item 0: %+v", rr.Items[0])
	}
	if rr.Items[1].ReturnCode != ReturnObjectDoesNotExist || len(rr.Items[1].Data) != 0 {
		t.Errorf("item 1: %+v", rr.Items[1])
	}
	if rr.Items[2].TransportSize != DTSBit || !bytes.Equal(rr.Items[2].Data, []byte{0x01}) {
		t.Errorf("item 2: %+v", rr.Items[2])
	}
}

func TestDecodeReadVarResponse_ByteCountedSizes(t *testing.T) {
	data := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x08, 0x00, 0x00,
		0x04, 0x01,
		0xFF, 0x07, 0x00, 0x04, 0x42, 0x28, 0x00, 0x00,
	}
	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	item := m.Param.(*ReadVarResponse).Items[0]
	if !bytes.Equal(item.Data, []byte{0x42, 0x28, 0x00, 0x00}) {
		t.Errorf("REAL item: got % X", item.Data)
	}
}

func TestWriteVar_RoundTrip(t *testing.T) {
	bit, _ := ParseAddress("DB1.DBX2.3")
	word, _ := ParseAddress("MW10")
	items := []RequestItem{NewRequestItem(bit, 0, 1), NewRequestItem(word, 0, 2)}
	req := &WriteVarRequest{
		Items: items,
		Data: []DataItem{
			NewWriteDataItem(items[0], []byte{1}),
			NewWriteDataItem(items[1], []byte{0x12, 0x34}),
		},
	}
	raw := EncodeMessage(&Message{Header: Header{Kind: KindJob, Sequence: 7}, Param: req})

	// The bit item is 5 bytes, so the word item follows a pad byte.
	expectedData := []byte{
		0x00, 0x03, 0x00, 0x01, 0x01,
		0x00,
		0x00, 0x04, 0x00, 0x10, 0x12, 0x34,
	}
	if data := raw[len(raw)-len(expectedData):]; !bytes.Equal(data, expectedData) {
		t.Errorf("data section: expected % X, got % X", expectedData, data)
	}

	m, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	got, ok := m.Param.(*WriteVarRequest)
	if !ok {
		t.Fatalf("expected *WriteVarRequest, got %T", m.Param)
	}
	if len(got.Items) != 2 || got.Items[0] != items[0] || got.Items[1] != items[1] {
		t.Errorf("items: %+v", got.Items)
	}
	if !bytes.Equal(got.Data[0].Data, []byte{1}) || !bytes.Equal(got.Data[1].Data, []byte{0x12, 0x34}) {
		t.Errorf("data: %+v", got.Data)
	}
}

func TestDecodeWriteVarResponse(t *testing.T) {
	data := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x02, 0x00, 0x02, 0x00, 0x02, 0x00, 0x00,
		0x05, 0x02, 0xFF, 0x05,
	}
	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	wr := m.Param.(*WriteVarResponse)
	if len(wr.Codes) != 2 || wr.Codes[0] != ReturnSuccess || wr.Codes[1] != ReturnAddressOutOfRange {
		t.Errorf("unexpected codes %v", wr.Codes)
	}
}

func TestDecodeHeaderError(t *testing.T) {
	data := []byte{
		0x32, 0x03, 0x00, 0x00, 0x00, 0x09, 0x00, 0x02, 0x00, 0x00, 0x85, 0x00,
		0x04, 0x00,
	}
	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	var hdrErr *HeaderError
	if !errors.As(m.Header.Err(), &hdrErr) || hdrErr.Class != 0x85 {
		t.Errorf("expected class 0x85 header error, got %v", m.Header.Err())
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x32, 0x01, 0x00}},
		{"bad protocol id", []byte{0x33, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}},
		{"userdata", []byte{0x32, 0x07, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}},
		{"unknown kind", []byte{0x32, 0x09, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}},
		{"job without parameter", []byte{0x32, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}},
		{"length mismatch", []byte{0x32, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x00, 0x04}},
		{"trailing bytes", []byte{0x32, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x00, 0x04, 0x00, 0xFF}},
		{"unknown function", []byte{0x32, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x00, 0x1A, 0x00}},
		{"item count mismatch", []byte{0x32, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x00, 0x04, 0x01}},
		{"data item truncated", []byte{
			0x32, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x05, 0x00, 0x00,
			0x04, 0x01, 0xFF, 0x04, 0x00, 0x10, 0xAA,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); !errors.Is(err, ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestNewRequestItem(t *testing.T) {
	tests := []struct {
		addr   string
		offset int
		n      int
		want   RequestItem
	}{
		{"DB1.DBD32", 0, 4, RequestItem{TransportSize: TSByte, Count: 4, DBNumber: 1, Area: AreaDataBlock, Address: 256}},
		{"DB1.DBB0", 222, 100, RequestItem{TransportSize: TSByte, Count: 100, DBNumber: 1, Area: AreaDataBlock, Address: 222 * 8}},
		{"M3.5", 0, 1, RequestItem{TransportSize: TSBit, Count: 1, Area: AreaMemory, Address: 29}},
		{"T4", 0, 6, RequestItem{TransportSize: TSTimer, Count: 3, Area: AreaTimer, Address: 4}},
		{"C2", 4, 2, RequestItem{TransportSize: TSCounter, Count: 1, Area: AreaCounter, Address: 4}},
	}
	for _, tt := range tests {
		a, err := ParseAddress(tt.addr)
		if err != nil {
			t.Fatalf("%s: %v", tt.addr, err)
		}
		if got := NewRequestItem(a, tt.offset, tt.n); got != tt.want {
			t.Errorf("%s+%d: expected %+v, got %+v", tt.addr, tt.offset, tt.want, got)
		}
	}
}

func TestDataItemLengthUnits(t *testing.T) {
	tests := []struct {
		item DataItem
		want []byte
	}{
		{DataItem{TransportSize: DTSByte, Data: []byte{1, 2, 3}}, []byte{0x00, 0x04, 0x00, 0x18, 1, 2, 3}},
		{DataItem{TransportSize: DTSBit, Data: []byte{1}}, []byte{0x00, 0x03, 0x00, 0x01, 1}},
		{DataItem{TransportSize: DTSOctetString, Data: []byte{1, 2}}, []byte{0x00, 0x09, 0x00, 0x02, 1, 2}},
		{DataItem{TransportSize: DTSReal, Data: []byte{1, 2, 3, 4}}, []byte{0x00, 0x07, 0x00, 0x04, 1, 2, 3, 4}},
	}
	for _, tt := range tests {
		if got := tt.item.appendTo(nil); !bytes.Equal(got, tt.want) {
			t.Errorf("ts 0x%02X: expected % X, got % X", uint8(tt.item.TransportSize), tt.want, got)
		}
	}
}

func TestSequenceGenerator(t *testing.T) {
	var g SequenceGenerator

	if v := g.Next(); v != 1 {
		t.Errorf("first: expected 1, got %d", v)
	}
	if v := g.Next(); v != 2 {
		t.Errorf("second: expected 2, got %d", v)
	}

	g.counter = 0xFFFF
	if v := g.Next(); v != 1 {
		t.Errorf("after wrap: expected 1, got %d", v)
	}

	g.Reset()
	if v := g.Next(); v != 1 {
		t.Errorf("after reset: expected 1, got %d", v)
	}
}
