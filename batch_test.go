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
	"math/rand"
	"testing"
)

func chars(start, n int) Address {
	return Address{Area: AreaDataBlock, DBNumber: 1, Start: start, Bit: -1, Type: TypeString, Length: n}
}

func words(n int) []Address {
	out := make([]Address, n)
	for i := range out {
		out[i] = Address{Area: AreaDataBlock, DBNumber: 1, Start: 2 * i, Bit: -1, Type: TypeWord}
	}
	return out
}

func batchSizes(batches []batch) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = len(b.indexes)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlanReads(t *testing.T) {
	tests := []struct {
		name  string
		addrs []Address
		pdu   int
		want  []int
	}{
		// 10+2+19*12 = 240: the request fills first.
		{"request bound", words(30), 240, []int{19, 11}},
		{"item limit", words(45), 960, []int{20, 20, 5}},
		{"response bound", []Address{
			chars(0, 50), chars(50, 50), chars(100, 50), chars(150, 50), chars(200, 50),
			chars(250, 50), chars(300, 50), chars(350, 50), chars(400, 50),
		}, 240, []int{4, 4, 1}},
		{"oversize alone", []Address{words(1)[0], chars(10, 254), words(1)[0]}, 240, []int{1, 1, 1}},
		{"single", words(1), 240, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := batchSizes(planReads(tt.addrs, tt.pdu))
			if !equalInts(got, tt.want) {
				t.Errorf("expected batches %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPlanReads_PreservesOrder(t *testing.T) {
	addrs := []Address{words(1)[0], chars(0, 230), words(1)[0], words(1)[0]}
	next := 0
	for _, b := range planReads(addrs, 240) {
		for _, i := range b.indexes {
			if i != next {
				t.Fatalf("expected index %d, got %d", next, i)
			}
			next++
		}
	}
	if next != len(addrs) {
		t.Errorf("planned %d of %d variables", next, len(addrs))
	}
}

// Every shared batch must encode to request and response PDUs that fit.
func TestPlanReads_FitsPDU(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		pdu := []int{240, 480, 960}[round%3]
		addrs := make([]Address, 1+rng.Intn(60))
		for i := range addrs {
			addrs[i] = chars(i*64, 1+rng.Intn(63))
		}

		for _, b := range planReads(addrs, pdu) {
			if len(b.indexes) == 1 && transferSize(addrs[b.indexes[0]]) > pdu-ReadOverhead {
				continue
			}
			req := &ReadVarRequest{}
			resp := &ReadVarResponse{}
			for _, i := range b.indexes {
				req.Items = append(req.Items, NewRequestItem(addrs[i], 0, transferSize(addrs[i])))
				resp.Items = append(resp.Items, DataItem{
					ReturnCode:    ReturnSuccess,
					TransportSize: DTSByte,
					Data:          make([]byte, transferSize(addrs[i])),
				})
			}
			reqLen := len(EncodeMessage(&Message{Header: Header{Kind: KindJob}, Param: req}))
			respLen := len(EncodeMessage(&Message{Header: Header{Kind: KindAckData}, Param: resp}))
			if reqLen > pdu || respLen > pdu {
				t.Fatalf("round %d: batch of %d items needs request %d response %d, pdu %d",
					round, len(b.indexes), reqLen, respLen, pdu)
			}
			if len(b.indexes) > MaxItemsPerRequest {
				t.Fatalf("round %d: batch of %d items", round, len(b.indexes))
			}
		}
	}
}

func TestPlanWrites(t *testing.T) {
	payload := func(sizes ...int) [][]byte {
		out := make([][]byte, len(sizes))
		for i, n := range sizes {
			out[i] = make([]byte, n)
		}
		return out
	}
	repeat := func(n, size int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = size
		}
		return out
	}

	tests := []struct {
		name  string
		sizes []int
		pdu   int
		want  []int
	}{
		// 12 + 12*18 = 228; a 13th word item would need 246.
		{"request bound", repeat(30, 2), 240, []int{12, 12, 6}},
		{"item limit", repeat(25, 1), 960, []int{20, 5}},
		{"oversize alone", []int{2, 213, 2}, 240, []int{1, 1, 1}},
		{"exact fit", []int{212}, 240, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := payload(tt.sizes...)
			addrs := make([]Address, len(data))
			for i := range addrs {
				addrs[i] = chars(i*256, len(data[i]))
			}
			got := batchSizes(planWrites(addrs, data, tt.pdu))
			if !equalInts(got, tt.want) {
				t.Errorf("expected batches %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPlanWrites_FitsPDU(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for round := 0; round < 50; round++ {
		pdu := []int{240, 480, 960}[round%3]
		addrs := make([]Address, 1+rng.Intn(40))
		data := make([][]byte, len(addrs))
		for i := range addrs {
			data[i] = make([]byte, 1+rng.Intn(63))
			addrs[i] = chars(i*64, len(data[i]))
		}

		for _, b := range planWrites(addrs, data, pdu) {
			if len(b.indexes) == 1 && len(data[b.indexes[0]]) > pdu-WriteOverhead {
				continue
			}
			req := &WriteVarRequest{}
			for _, i := range b.indexes {
				it := NewRequestItem(addrs[i], 0, len(data[i]))
				req.Items = append(req.Items, it)
				req.Data = append(req.Data, NewWriteDataItem(it, data[i]))
			}
			if n := len(EncodeMessage(&Message{Header: Header{Kind: KindJob}, Param: req})); n > pdu {
				t.Fatalf("round %d: batch of %d items encodes to %d, pdu %d", round, len(b.indexes), n, pdu)
			}
		}
	}
}
