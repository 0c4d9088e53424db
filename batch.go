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
	"context"
	"fmt"
)

// Per-item costs used when packing several variables into one PDU.
const (
	readResponseHeader = AckHeaderSize + 2 // header + function + item count
	writeRequestHeader = HeaderSize + 2
	writeResponseBase  = AckHeaderSize + 2
)

// batch is a run of variable indexes sent in one request.
type batch struct {
	indexes []int
	// request and response track the encoded size of the PDU pair.
	request  int
	response int
}

// planReads groups addrs into ReadVar requests that fit pdu. Variables too
// large for any shared request get a batch of their own and are read with
// the chunked path.
func planReads(addrs []Address, pdu int) []batch {
	var out []batch
	cur := batch{request: HeaderSize + 2, response: readResponseHeader}
	for i, a := range addrs {
		size := transferSize(a)
		if size > pdu-ReadOverhead {
			if len(cur.indexes) > 0 {
				out = append(out, cur)
				cur = batch{request: HeaderSize + 2, response: readResponseHeader}
			}
			out = append(out, batch{indexes: []int{i}})
			continue
		}
		respCost := dataItemHeader + size + cur.response%2
		if len(cur.indexes) == 0 {
			respCost = dataItemHeader + size
		}
		if len(cur.indexes) == MaxItemsPerRequest ||
			cur.request+RequestItemSize > pdu ||
			cur.response+respCost > pdu {
			out = append(out, cur)
			cur = batch{request: HeaderSize + 2, response: readResponseHeader}
			respCost = dataItemHeader + size
		}
		cur.indexes = append(cur.indexes, i)
		cur.request += RequestItemSize
		cur.response += respCost
	}
	if len(cur.indexes) > 0 {
		out = append(out, cur)
	}
	return out
}

// planWrites groups variables into WriteVar requests that fit pdu.
func planWrites(addrs []Address, data [][]byte, pdu int) []batch {
	var out []batch
	fresh := func() batch { return batch{request: writeRequestHeader, response: writeResponseBase} }
	cur := fresh()
	dataLen := 0
	for i := range addrs {
		size := len(data[i])
		if size > pdu-WriteOverhead {
			if len(cur.indexes) > 0 {
				out = append(out, cur)
				cur, dataLen = fresh(), 0
			}
			out = append(out, batch{indexes: []int{i}})
			continue
		}
		itemCost := dataItemHeader + size
		if len(cur.indexes) > 0 {
			itemCost += dataLen % 2
		}
		if len(cur.indexes) == MaxItemsPerRequest || cur.request+RequestItemSize+itemCost > pdu {
			out = append(out, cur)
			cur, dataLen = fresh(), 0
			itemCost = dataItemHeader + size
		}
		cur.indexes = append(cur.indexes, i)
		cur.request += RequestItemSize + itemCost
		cur.response++
		dataLen += itemCost
	}
	if len(cur.indexes) > 0 {
		out = append(out, cur)
	}
	return out
}

// ReadMulti reads several variables, packing them into as few requests as
// the negotiated PDU allows. Results are returned in input order. The
// first item rejected by the PLC aborts the batch with a ReturnCodeError
// whose Item is the index into addrs.
func (c *Client) ReadMulti(ctx context.Context, addrs []Address) ([][]byte, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no variables", ErrInvalidQuantity)
	}
	for _, a := range addrs {
		if err := checkQuantity(a, transferSize(a)); err != nil {
			return nil, err
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}

	out := make([][]byte, len(addrs))
	for _, b := range planReads(addrs, c.MaxPDUSize()) {
		if len(b.indexes) == 1 {
			i := b.indexes[0]
			data, err := c.readChunked(ctx, addrs[i], transferSize(addrs[i]))
			if err != nil {
				return nil, reindex(err, i)
			}
			out[i] = data
			continue
		}

		items := make([]RequestItem, len(b.indexes))
		for j, i := range b.indexes {
			items[j] = NewRequestItem(addrs[i], 0, transferSize(addrs[i]))
		}
		resp, err := c.roundTrip(ctx, &ReadVarRequest{Items: items})
		if err != nil {
			return nil, err
		}
		rr, ok := resp.Param.(*ReadVarResponse)
		if !ok || len(rr.Items) != len(items) {
			return nil, c.fail(fmt.Errorf("%w: read response item count mismatch", ErrProtocol))
		}
		for j, i := range b.indexes {
			if err := c.itemError(rr.Items[j].ReturnCode, i); err != nil {
				return nil, err
			}
			if want := transferSize(addrs[i]); len(rr.Items[j].Data) != want {
				return nil, c.fail(fmt.Errorf("%w: item %d returned %d bytes, want %d", ErrProtocol, i, len(rr.Items[j].Data), want))
			}
			out[i] = rr.Items[j].Data
			c.metrics.BytesRead.Add(int64(len(out[i])))
		}
	}
	return out, nil
}

// WriteMulti writes data[i] to addrs[i] for every i, packing variables into
// as few requests as the negotiated PDU allows. Like ReadMulti it stops at
// the first rejected item; earlier requests are not rolled back.
func (c *Client) WriteMulti(ctx context.Context, addrs []Address, data [][]byte) error {
	if len(addrs) == 0 || len(addrs) != len(data) {
		return fmt.Errorf("%w: %d addresses with %d payloads", ErrInvalidQuantity, len(addrs), len(data))
	}
	payloads := make([][]byte, len(data))
	for i, a := range addrs {
		if err := checkQuantity(a, len(data[i])); err != nil {
			return err
		}
		payloads[i] = data[i]
		if a.IsBit() {
			payloads[i] = []byte{bitValue(data[i][0])}
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ensureReady(ctx); err != nil {
		return err
	}

	for _, b := range planWrites(addrs, payloads, c.MaxPDUSize()) {
		if len(b.indexes) == 1 {
			i := b.indexes[0]
			if err := c.writeChunked(ctx, addrs[i], payloads[i]); err != nil {
				return reindex(err, i)
			}
			continue
		}

		req := &WriteVarRequest{
			Items: make([]RequestItem, len(b.indexes)),
			Data:  make([]DataItem, len(b.indexes)),
		}
		for j, i := range b.indexes {
			req.Items[j] = NewRequestItem(addrs[i], 0, len(payloads[i]))
			req.Data[j] = NewWriteDataItem(req.Items[j], payloads[i])
		}
		resp, err := c.roundTrip(ctx, req)
		if err != nil {
			return err
		}
		wr, ok := resp.Param.(*WriteVarResponse)
		if !ok || len(wr.Codes) != len(b.indexes) {
			return c.fail(fmt.Errorf("%w: write response item count mismatch", ErrProtocol))
		}
		for j, i := range b.indexes {
			if err := c.itemError(wr.Codes[j], i); err != nil {
				return err
			}
			c.metrics.BytesWritten.Add(int64(len(payloads[i])))
		}
	}
	return nil
}

// reindex rewrites the item index of a ReturnCodeError produced by a
// single-variable transfer inside a batch.
func reindex(err error, item int) error {
	if rcErr, ok := err.(*ReturnCodeError); ok {
		return &ReturnCodeError{Code: rcErr.Code, Item: item}
	}
	return err
}
