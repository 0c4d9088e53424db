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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edgeo-scada/s7/internal/transport"
)

// Client is an S7 session with a single PLC. Operations are serialized;
// a session lost to a transport or protocol error is re-established on
// the next call.
type Client struct {
	addr       string
	opts       *clientOptions
	localTSAP  uint16
	remoteTSAP uint16

	transport *transport.TCPTransport
	seq       SequenceGenerator

	// opMu serializes operations: one request is in flight per session.
	opMu     sync.Mutex
	tpduSize int
	tpduNum  uint8
	ready    bool // a session was established at least once

	mu      sync.Mutex
	state   ConnectionState
	closed  bool
	pduSize int

	metrics *Metrics
	logger  *slog.Logger
}

// NewClient creates a new S7 client. addr is host or host:port; the port
// defaults to 102. No connection is made until Connect or the first
// operation.
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("s7: address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.pduSize <= WriteOverhead || options.pduSize > 0xFFFF {
		return nil, fmt.Errorf("s7: PDU size %d out of range", options.pduSize)
	}
	if _, err := TPDUBytes(options.tpduSize); err != nil {
		return nil, err
	}

	local, remote := options.localTSAP, options.remoteTSAP
	if !options.customTSAP {
		var err error
		local, remote, err = TSAPFor(options.cpu, options.rack, options.slot)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		addr:       addr,
		opts:       options,
		localTSAP:  local,
		remoteTSAP: remote,
		transport:  transport.NewTCPTransport(addr, options.timeout),
		state:      StateDisconnected,
		pduSize:    options.pduSize,
		metrics:    NewMetrics(),
		logger:     options.logger,
	}, nil
}

// Open creates a client for host:port and establishes the session.
func Open(ctx context.Context, host string, port int, cpu CPUType, rack, slot int, timeout time.Duration, opts ...Option) (*Client, error) {
	if port == 0 {
		port = DefaultPort
	}
	base := []Option{WithCPU(cpu), WithRackSlot(rack, slot)}
	if timeout > 0 {
		base = append(base, WithTimeout(timeout))
	}
	c, err := NewClient(net.JoinHostPort(host, strconv.Itoa(port)), append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect establishes the session if it is not ready.
func (c *Client) Connect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.ensureReady(ctx)
}

// Close closes the session. A closed client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasReady := c.state == StateReady
	c.state = StateDisconnected
	if wasReady {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.logger.Debug("closing connection", slog.String("addr", c.addr))
	return c.transport.Close()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the session is ready.
func (c *Client) IsConnected() bool {
	return c.State() == StateReady && c.transport.IsConnected()
}

// MaxPDUSize returns the PDU length negotiated with the PLC, or the
// proposed length before the first setup.
func (c *Client) MaxPDUSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pduSize
}

// TSAPs returns the local and remote TSAP used in the connection request.
func (c *Client) TSAPs() (local, remote uint16) {
	return c.localTSAP, c.remoteTSAP
}

// Address returns the PLC address.
func (c *Client) Address() string {
	return c.addr
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ensureReady drives the handshake when the session is not ready.
// Must be called with opMu held.
func (c *Client) ensureReady(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	state := c.state
	c.mu.Unlock()

	if state == StateReady {
		if c.transport.IsConnected() {
			return nil
		}
		c.handleDisconnect(fmt.Errorf("%w: socket closed", ErrNotConnected))
	}

	if c.ready {
		c.metrics.Reconnections.Add(1)
		c.logger.Info("reconnecting", slog.String("addr", c.addr))
	}

	if err := c.handshake(ctx); err != nil {
		c.transport.Close()
		c.setState(StateDisconnected)
		c.logger.Debug("handshake failed", slog.String("addr", c.addr), slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	pdu := c.pduSize
	c.mu.Unlock()
	c.ready = true
	c.metrics.ActiveConns.Add(1)

	c.logger.Info("connected",
		slog.String("addr", c.addr),
		slog.Int("pdu", pdu),
		slog.Int("tpdu", c.tpduSize))

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Debug("connecting", slog.String("addr", c.addr))
	if err := c.transport.Connect(ctx); err != nil {
		return classify(err)
	}

	// Session counters restart with every connection.
	c.seq.Reset()
	c.tpduNum = 0
	c.tpduSize, _ = TPDUBytes(c.opts.tpduSize)
	c.mu.Lock()
	c.pduSize = c.opts.pduSize
	c.mu.Unlock()

	c.setState(StateCotpHandshake)
	cr := NewConnectionRequest(c.localTSAP, c.remoteTSAP, c.opts.tpduSize)
	var cc *ConnectionPDU
	err := c.transport.Exchange(ctx, func(rw io.ReadWriter) error {
		if err := WriteTPDU(rw, cr); err != nil {
			return err
		}
		p, err := ReadTPDU(rw)
		if err != nil {
			return err
		}
		var ok bool
		cc, ok = p.(*ConnectionPDU)
		if !ok || cc.Kind != TPDUConnectionConfirm {
			return fmt.Errorf("%w: expected connection confirm, got %s", ErrHandshake, p.Type())
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}
	if v, ok := cc.Param(ParamTPDUSize); ok && len(v) == 1 {
		if n, err := TPDUBytes(v[0]); err == nil && n < c.tpduSize {
			c.tpduSize = n
		}
	}

	c.setState(StateS7Setup)
	resp, err := c.roundTrip(ctx, &SetupParam{
		MaxAmqCaller: 1,
		MaxAmqCallee: 1,
		PDULength:    uint16(c.opts.pduSize),
	})
	if err != nil {
		var hdrErr *HeaderError
		if errors.As(err, &hdrErr) {
			return fmt.Errorf("%w: setup rejected: %w", ErrHandshake, err)
		}
		return err
	}
	setup, ok := resp.Param.(*SetupParam)
	if !ok {
		return fmt.Errorf("%w: setup answered with %T", ErrHandshake, resp.Param)
	}
	if int(setup.PDULength) <= WriteOverhead {
		return fmt.Errorf("%w: PLC offered PDU length %d", ErrHandshake, setup.PDULength)
	}

	c.mu.Lock()
	c.pduSize = int(setup.PDULength)
	c.mu.Unlock()
	return nil
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasReady := c.state == StateReady
	c.state = StateDisconnected
	if wasReady {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.transport.Close()

	if !wasReady {
		return
	}
	c.logger.Warn("disconnected", slog.String("addr", c.addr), slog.String("error", err.Error()))
	if c.opts.onDisconnect != nil {
		c.opts.onDisconnect(err)
	}
}

// fail records err and drops the session when err leaves it unusable.
func (c *Client) fail(err error) error {
	err = classify(err)
	if IsConnectionError(err) {
		c.handleDisconnect(err)
	}
	return err
}

// classify maps deadline expiry onto ErrTimeout.
func classify(err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, transport.ErrNotConnected) {
		return ErrNotConnected
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// roundTrip sends one Job and returns the matching AckData. Response
// correlation relies on one outstanding request per session.
// Must be called with opMu held.
func (c *Client) roundTrip(ctx context.Context, param Parameter) (*Message, error) {
	fn := param.Function()
	seq := c.seq.Next()
	req := EncodeMessage(&Message{
		Header: Header{Kind: KindJob, Sequence: seq},
		Param:  param,
	})

	c.logger.Debug("sending request",
		slog.Uint64("seq", uint64(seq)),
		slog.String("func", fn.String()),
		slog.Int("bytes", len(req)))

	start := time.Now()
	var resp *Message
	err := c.transport.Exchange(ctx, func(rw io.ReadWriter) error {
		next, err := WriteData(rw, req, c.tpduSize, c.tpduNum)
		c.tpduNum = next
		if err != nil {
			return err
		}
		raw, err := ReadData(rw)
		if err != nil {
			return err
		}
		resp, err = DecodeMessage(raw)
		return err
	})
	if err == nil {
		err = validateResponse(resp, seq, fn)
	}
	duration := time.Since(start)
	c.metrics.observe(fn, duration, err)
	if err != nil {
		return nil, c.fail(err)
	}

	c.logger.Debug("received response",
		slog.Uint64("seq", uint64(seq)),
		slog.Duration("duration", duration))
	return resp, nil
}

func validateResponse(m *Message, seq uint16, fn FunctionCode) error {
	if m.Header.Sequence != seq {
		return fmt.Errorf("%w: sequence mismatch (expected %d, got %d)", ErrProtocol, seq, m.Header.Sequence)
	}
	if m.Header.Kind != KindAck && m.Header.Kind != KindAckData {
		return fmt.Errorf("%w: expected AckData, got %s", ErrProtocol, m.Header.Kind)
	}
	if err := m.Header.Err(); err != nil {
		return err
	}
	if m.Param == nil {
		return fmt.Errorf("%w: %s answered without parameter", ErrProtocol, m.Header.Kind)
	}
	if m.Param.Function() != fn {
		return fmt.Errorf("%w: function mismatch (expected %s, got %s)", ErrProtocol, fn, m.Param.Function())
	}
	return nil
}

// itemError turns a non-success return code into a ReturnCodeError.
func (c *Client) itemError(code ReturnCode, item int) error {
	if code == ReturnSuccess {
		return nil
	}
	c.metrics.ItemErrors.Add(1)
	return &ReturnCodeError{Code: code, Item: item}
}

func checkQuantity(addr Address, n int) error {
	switch {
	case n <= 0:
		return fmt.Errorf("%w: %d bytes", ErrInvalidQuantity, n)
	case addr.IsBit() && n != 1:
		return fmt.Errorf("%w: bit address %s transfers exactly one value, got %d", ErrInvalidQuantity, addr, n)
	case (addr.Area == AreaTimer || addr.Area == AreaCounter) && n%2 != 0:
		return fmt.Errorf("%w: %s needs a whole number of 2-byte elements, got %d bytes", ErrInvalidQuantity, addr, n)
	}
	return nil
}

// chunkBudget returns how many payload bytes of addr fit a single request
// with the given overhead.
func (c *Client) chunkBudget(addr Address, overhead int) int {
	budget := c.MaxPDUSize() - overhead
	if addr.Area == AreaTimer || addr.Area == AreaCounter {
		budget &^= 1
	}
	return budget
}

// Read reads n bytes starting at addr, splitting the transfer into as many
// requests as the negotiated PDU length requires. Bit addresses read one
// bit, returned as a single 0 or 1 byte.
func (c *Client) Read(ctx context.Context, addr Address, n int) ([]byte, error) {
	if err := checkQuantity(addr, n); err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	return c.readChunked(ctx, addr, n)
}

func (c *Client) readChunked(ctx context.Context, addr Address, n int) ([]byte, error) {
	budget := c.chunkBudget(addr, ReadOverhead)
	out := make([]byte, 0, n)
	for offset := 0; offset < n; {
		chunk := min(n-offset, budget)
		item := NewRequestItem(addr, offset, chunk)
		resp, err := c.roundTrip(ctx, &ReadVarRequest{Items: []RequestItem{item}})
		if err != nil {
			return nil, err
		}
		rr, ok := resp.Param.(*ReadVarResponse)
		if !ok || len(rr.Items) != 1 {
			return nil, c.fail(fmt.Errorf("%w: malformed read response", ErrProtocol))
		}
		if err := c.itemError(rr.Items[0].ReturnCode, 0); err != nil {
			return nil, err
		}
		data := rr.Items[0].Data
		if len(data) != chunk {
			return nil, c.fail(fmt.Errorf("%w: requested %d bytes at %s+%d, got %d", ErrProtocol, chunk, addr, offset, len(data)))
		}
		out = append(out, data...)
		offset += chunk
	}
	c.metrics.BytesRead.Add(int64(len(out)))
	return out, nil
}

// Write writes data starting at addr, chunked like Read. A bit address
// takes exactly one byte whose zero or non-zero value clears or sets the bit.
func (c *Client) Write(ctx context.Context, addr Address, data []byte) error {
	if err := checkQuantity(addr, len(data)); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	return c.writeChunked(ctx, addr, data)
}

func (c *Client) writeChunked(ctx context.Context, addr Address, data []byte) error {
	if addr.IsBit() {
		data = []byte{bitValue(data[0])}
	}
	budget := c.chunkBudget(addr, WriteOverhead)
	for offset := 0; offset < len(data); {
		chunk := min(len(data)-offset, budget)
		item := NewRequestItem(addr, offset, chunk)
		req := &WriteVarRequest{
			Items: []RequestItem{item},
			Data:  []DataItem{NewWriteDataItem(item, data[offset:offset+chunk])},
		}
		resp, err := c.roundTrip(ctx, req)
		if err != nil {
			return err
		}
		wr, ok := resp.Param.(*WriteVarResponse)
		if !ok || len(wr.Codes) != 1 {
			return c.fail(fmt.Errorf("%w: malformed write response", ErrProtocol))
		}
		if err := c.itemError(wr.Codes[0], 0); err != nil {
			return err
		}
		offset += chunk
	}
	c.metrics.BytesWritten.Add(int64(len(data)))
	return nil
}

func bitValue(b byte) byte {
	if b != 0 {
		return 1
	}
	return 0
}

// ReadValue reads and decodes the value at addr using the session string
// encoding.
func (c *Client) ReadValue(ctx context.Context, addr Address) (any, error) {
	raw, err := c.Read(ctx, addr, transferSize(addr))
	if err != nil {
		return nil, err
	}
	return DecodeValue(addr.Type, raw, c.opts.stringEncoding)
}

// WriteValue encodes v as the type of addr and writes it.
func (c *Client) WriteValue(ctx context.Context, addr Address, v any) error {
	raw, err := EncodeValue(addr.Type, v, addr.Length, c.opts.stringEncoding)
	if err != nil {
		return err
	}
	return c.Write(ctx, addr, raw)
}

func transferSize(addr Address) int {
	if addr.IsBit() {
		return 1
	}
	return addr.Size()
}
