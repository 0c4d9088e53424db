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

package s7_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/plcsim"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func startPLC(t *testing.T, opts ...plcsim.Option) (*plcsim.Server, *plcsim.Memory, string) {
	t.Helper()
	mem := plcsim.NewMemory(1024)
	srv := plcsim.NewServer(mem, opts...)
	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, mem, addr
}

func newClient(t *testing.T, addr string, opts ...s7.Option) *s7.Client {
	t.Helper()
	client, err := s7.NewClient(addr, append([]s7.Option{s7.WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func mustParse(t *testing.T, s string) s7.Address {
	t.Helper()
	a, err := s7.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return a
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestNewClient(t *testing.T) {
	client, err := s7.NewClient("192.0.2.1", s7.WithRackSlot(0, 1))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if client.Address() != "192.0.2.1:102" {
		t.Errorf("Address: expected default port, got %s", client.Address())
	}
	if client.State() != s7.StateDisconnected {
		t.Errorf("State: expected disconnected, got %s", client.State())
	}
	if local, remote := client.TSAPs(); local != 0x0100 || remote != 0x0301 {
		t.Errorf("TSAPs: got 0x%04X/0x%04X", local, remote)
	}
	if client.MaxPDUSize() != s7.DefaultPDUSize {
		t.Errorf("MaxPDUSize before setup: expected %d, got %d", s7.DefaultPDUSize, client.MaxPDUSize())
	}
}

func TestNewClient_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []s7.Option
	}{
		{"pdu too small", []s7.Option{s7.WithPDUSize(20)}},
		{"bad tpdu code", []s7.Option{s7.WithTPDUSize(0x0E)}},
		{"rack out of range", []s7.Option{s7.WithRackSlot(16, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s7.NewClient("localhost", tt.opts...); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := s7.NewClient(""); err == nil {
		t.Error("empty address: expected error")
	}
}

func TestClientConnectNotRunning(t *testing.T) {
	client := newClient(t, "127.0.0.1:1", s7.WithTimeout(200*time.Millisecond))

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if client.State() != s7.StateDisconnected {
		t.Errorf("State: expected disconnected, got %s", client.State())
	}
}

func TestClient_S7200SmartSession(t *testing.T) {
	srv, mem, addr := startPLC(t, plcsim.WithPDUSize(240), plcsim.WithRemoteTSAP(0x0301))
	db := make([]byte, 64)
	copy(db[32:], []byte{0x42, 0x28, 0x00, 0x00})
	mem.SetDB(1, db)

	var connects int32
	client := newClient(t, addr,
		s7.WithCPU(s7.CPUS7200Smart),
		s7.WithOnConnect(func() { atomic.AddInt32(&connects, 1) }))
	ctx := context.Background()

	raw, err := client.Read(ctx, mustParse(t, "DB1.DBD32"), 4)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x42, 0x28, 0x00, 0x00}) {
		t.Errorf("Read: got % X", raw)
	}

	if client.State() != s7.StateReady {
		t.Errorf("State: expected ready, got %s", client.State())
	}
	if client.MaxPDUSize() != 240 {
		t.Errorf("MaxPDUSize: expected 240, got %d", client.MaxPDUSize())
	}
	if src, dst := srv.TSAPs(); src != 0x1000 || dst != 0x0301 {
		t.Errorf("TSAPs sent: 0x%04X/0x%04X", src, dst)
	}
	if atomic.LoadInt32(&connects) != 1 {
		t.Errorf("OnConnect: expected 1 call, got %d", connects)
	}

	v, err := client.ReadValue(ctx, mustParse(t, "DB1.DBD32").WithType(s7.TypeReal, 0))
	if err != nil {
		t.Fatalf("ReadValue failed: %v", err)
	}
	if f, ok := v.(float32); !ok || f != 42 {
		t.Errorf("ReadValue: expected 42, got %#v", v)
	}
	if srv.Accepted() != 1 {
		t.Errorf("expected one connection, got %d", srv.Accepted())
	}
}

func TestClient_WrongTSAPRefused(t *testing.T) {
	_, _, addr := startPLC(t, plcsim.WithRemoteTSAP(0x0301))
	client := newClient(t, addr, s7.WithCPU(s7.CPUS7300))

	err := client.Connect(context.Background())
	if !errors.Is(err, s7.ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if client.State() != s7.StateDisconnected {
		t.Errorf("State: expected disconnected, got %s", client.State())
	}
}

func TestClient_ReadChunking(t *testing.T) {
	tests := []struct {
		n, pdu, requests int
	}{
		{222, 240, 1},
		{223, 240, 2},
		{1000, 240, 5},
		{1000, 960, 2},
	}
	for _, tt := range tests {
		srv, mem, addr := startPLC(t, plcsim.WithPDUSize(tt.pdu))
		want := pattern(1024)
		mem.SetDB(3, want)
		client := newClient(t, addr)

		got, err := client.Read(context.Background(), mustParse(t, "DB3.DBB0"), tt.n)
		if err != nil {
			t.Fatalf("n=%d pdu=%d: Read failed: %v", tt.n, tt.pdu, err)
		}
		if !bytes.Equal(got, want[:tt.n]) {
			t.Errorf("n=%d pdu=%d: data mismatch", tt.n, tt.pdu)
		}

		reqs := srv.Requests()
		if len(reqs) != tt.requests {
			t.Errorf("n=%d pdu=%d: expected %d requests, got %d", tt.n, tt.pdu, tt.requests, len(reqs))
		}
		next := uint32(0)
		for _, r := range reqs {
			if r.Function != s7.FuncReadVar || len(r.Items) != 1 {
				t.Fatalf("unexpected request %+v", r)
			}
			it := r.Items[0]
			if int(it.Count) > tt.pdu-s7.ReadOverhead {
				t.Errorf("chunk of %d bytes exceeds pdu %d", it.Count, tt.pdu)
			}
			if it.Address != next {
				t.Errorf("chunk address: expected %d, got %d", next, it.Address)
			}
			next += uint32(it.Count) * 8
		}
	}
}

func TestClient_WriteChunking(t *testing.T) {
	srv, mem, addr := startPLC(t, plcsim.WithPDUSize(240))
	mem.SetDB(2, make([]byte, 600))
	client := newClient(t, addr)

	data := pattern(500)
	if err := client.Write(context.Background(), mustParse(t, "DB2.DBB10"), data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// 212 payload bytes per request.
	if n := len(srv.Requests()); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
	for _, r := range srv.Requests() {
		if r.Size > 240 {
			t.Errorf("request of %d bytes exceeds pdu", r.Size)
		}
	}
	if got := mem.DB(2)[10:510]; !bytes.Equal(got, data) {
		t.Error("memory does not hold the written data")
	}
}

func TestClient_SegmentedResponse(t *testing.T) {
	_, mem, addr := startPLC(t, plcsim.WithSegmentSize(16))
	want := pattern(300)
	mem.SetDB(1, want)
	client := newClient(t, addr)

	got, err := client.Read(context.Background(), mustParse(t, "DB1.DBB0"), 300)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("data mismatch after reassembly")
	}
}

func TestClient_SmallTPDU(t *testing.T) {
	_, mem, addr := startPLC(t, plcsim.WithTPDUSize(s7.TPDUSize128))
	mem.SetDB(1, make([]byte, 400))
	client := newClient(t, addr)
	ctx := context.Background()

	// A 400-byte write spans several DT PDUs in each direction.
	if err := client.Write(ctx, mustParse(t, "DB1.DBB0"), pattern(400)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := client.Read(ctx, mustParse(t, "DB1.DBB0"), 400)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, pattern(400)) {
		t.Error("data mismatch")
	}
}

func TestClient_BitAccess(t *testing.T) {
	_, mem, addr := startPLC(t)
	mem.SetDB(1, []byte{0x00, 0b00100000})
	client := newClient(t, addr)
	ctx := context.Background()

	v, err := client.ReadValue(ctx, mustParse(t, "DB1.DBX1.5"))
	if err != nil {
		t.Fatalf("ReadValue failed: %v", err)
	}
	if v != true {
		t.Errorf("DB1.DBX1.5: expected true, got %v", v)
	}

	if err := client.WriteValue(ctx, mustParse(t, "DB1.DBX0.3"), true); err != nil {
		t.Fatalf("WriteValue failed: %v", err)
	}
	if err := client.Write(ctx, mustParse(t, "DB1.DBX1.5"), []byte{0}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := mem.DB(1); got[0] != 0x08 || got[1] != 0x00 {
		t.Errorf("memory: % X", got)
	}

	if _, err := client.Read(ctx, mustParse(t, "DB1.DBX0.0"), 2); !errors.Is(err, s7.ErrInvalidQuantity) {
		t.Errorf("bit read of 2: expected ErrInvalidQuantity, got %v", err)
	}
}

func TestClient_TimersAndCounters(t *testing.T) {
	_, mem, addr := startPLC(t)
	client := newClient(t, addr)
	ctx := context.Background()

	if err := client.WriteValue(ctx, mustParse(t, "T3"), 20*time.Second); err != nil {
		t.Fatalf("WriteValue T3 failed: %v", err)
	}
	if got := mem.Peek(s7.AreaTimer, 6, 2); !bytes.Equal(got, []byte{0x12, 0x00}) {
		t.Errorf("T3 memory: % X", got)
	}
	v, err := client.ReadValue(ctx, mustParse(t, "T3"))
	if err != nil || v != 20*time.Second {
		t.Errorf("ReadValue T3: %v (%v)", v, err)
	}

	mem.Poke(s7.AreaCounter, 2, []byte{0x01, 0x23})
	v, err = client.ReadValue(ctx, mustParse(t, "C1"))
	if err != nil || v != uint16(123) {
		t.Errorf("ReadValue C1: %v (%v)", v, err)
	}

	if _, err := client.Read(ctx, mustParse(t, "T0"), 3); !errors.Is(err, s7.ErrInvalidQuantity) {
		t.Errorf("odd timer read: expected ErrInvalidQuantity, got %v", err)
	}
}

func TestClient_ReturnCodeKeepsSession(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 16))
	client := newClient(t, addr)
	ctx := context.Background()

	_, err := client.Read(ctx, mustParse(t, "DB99.DBW0"), 2)
	if !s7.IsObjectDoesNotExist(err) {
		t.Fatalf("expected object does not exist, got %v", err)
	}
	if s7.IsConnectionError(err) {
		t.Error("return code must not be a connection error")
	}

	_, err = client.Read(ctx, mustParse(t, "DB1.DBW20"), 2)
	if !s7.IsAddressOutOfRange(err) {
		t.Fatalf("expected address out of range, got %v", err)
	}

	if _, err := client.Read(ctx, mustParse(t, "DB1.DBW0"), 2); err != nil {
		t.Fatalf("Read after item error failed: %v", err)
	}
	if !client.IsConnected() || srv.Accepted() != 1 {
		t.Errorf("session should survive item errors (accepted %d)", srv.Accepted())
	}
	if client.Metrics().ItemErrors.Value() != 2 {
		t.Errorf("ItemErrors: expected 2, got %d", client.Metrics().ItemErrors.Value())
	}
}

func TestClient_ForcedReturnCodeOnWrite(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 16))
	a := mustParse(t, "DB1.DBW4")
	srv.SetReturnCode(s7.NewRequestItem(a, 0, 2), s7.ReturnAccessingObjectNotAllowed)
	client := newClient(t, addr)

	err := client.Write(context.Background(), a, []byte{1, 2})
	var rcErr *s7.ReturnCodeError
	if !errors.As(err, &rcErr) || rcErr.Code != s7.ReturnAccessingObjectNotAllowed {
		t.Fatalf("expected access denied, got %v", err)
	}
	if !errors.Is(err, &s7.ReturnCodeError{Code: s7.ReturnAccessingObjectNotAllowed}) {
		t.Error("errors.Is should match on the return code")
	}
}

func TestClient_HeaderErrorKeepsSession(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 16))
	client := newClient(t, addr)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	srv.Inject(plcsim.FaultHeaderError)

	_, err := client.Read(ctx, mustParse(t, "DB1.DBW0"), 2)
	var hdrErr *s7.HeaderError
	if !errors.As(err, &hdrErr) || hdrErr.Class != 0x85 {
		t.Fatalf("expected header error class 0x85, got %v", err)
	}
	if _, err := client.Read(ctx, mustParse(t, "DB1.DBW0"), 2); err != nil {
		t.Fatalf("Read after header error failed: %v", err)
	}
	if srv.Accepted() != 1 {
		t.Errorf("expected the session to be kept, got %d connections", srv.Accepted())
	}
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, []byte{0xCA, 0xFE})

	disconnected := make(chan error, 1)
	client := newClient(t, addr, s7.WithOnDisconnect(func(err error) {
		select {
		case disconnected <- err:
		default:
		}
	}))
	ctx := context.Background()
	a := mustParse(t, "DB1.DBW0")

	if _, err := client.Read(ctx, a, 2); err != nil {
		t.Fatalf("first Read failed: %v", err)
	}

	srv.Inject(plcsim.FaultDrop)
	_, err := client.Read(ctx, a, 2)
	if err == nil || !s7.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if client.State() != s7.StateDisconnected {
		t.Errorf("State after drop: expected disconnected, got %s", client.State())
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Error("OnDisconnect was not called")
	}

	got, err := client.Read(ctx, a, 2)
	if err != nil {
		t.Fatalf("Read after reconnect failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0xCA, 0xFE}) {
		t.Errorf("Read after reconnect: got % X", got)
	}
	if srv.Accepted() != 2 {
		t.Errorf("expected 2 connections, got %d", srv.Accepted())
	}
	if client.Metrics().Reconnections.Value() != 1 {
		t.Errorf("Reconnections: expected 1, got %d", client.Metrics().Reconnections.Value())
	}
}

func TestClient_ReconnectAfterServerClose(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 4))
	client := newClient(t, addr)
	ctx := context.Background()
	a := mustParse(t, "DB1.DBW0")

	if _, err := client.Read(ctx, a, 2); err != nil {
		t.Fatalf("first Read failed: %v", err)
	}
	srv.DropConnections()

	// The first call after the drop may or may not observe it; one of
	// the next two must succeed on a fresh session.
	var err error
	for i := 0; i < 2; i++ {
		if _, err = client.Read(ctx, a, 2); err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("Read did not recover: %v", err)
	}
	if srv.Accepted() != 2 {
		t.Errorf("expected 2 connections, got %d", srv.Accepted())
	}
}

func TestClient_SequenceMismatch(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 4))
	client := newClient(t, addr)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	srv.Inject(plcsim.FaultBadSequence)

	_, err := client.Read(ctx, mustParse(t, "DB1.DBW0"), 2)
	if !errors.Is(err, s7.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if client.IsConnected() {
		t.Error("session should be dropped after a sequence mismatch")
	}
	if _, err := client.Read(ctx, mustParse(t, "DB1.DBW0"), 2); err != nil {
		t.Fatalf("Read after mismatch failed: %v", err)
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 4))
	client := newClient(t, addr)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	srv.Inject(plcsim.FaultStall)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.Read(ctx, mustParse(t, "DB1.DBW0"), 2)
	if !errors.Is(err, s7.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Read returned after %s", time.Since(start))
	}
	if client.IsConnected() {
		t.Error("session should be dropped after a timeout")
	}
}

func TestClient_ContextCancel(t *testing.T) {
	srv, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 4))
	client := newClient(t, addr)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	srv.Inject(plcsim.FaultStall)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := client.Read(ctx, mustParse(t, "DB1.DBW0"), 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if _, err := client.Read(context.Background(), mustParse(t, "DB1.DBW0"), 2); err != nil {
		t.Fatalf("Read after cancel failed: %v", err)
	}
}

func TestClient_ReadMulti(t *testing.T) {
	srv, mem, addr := startPLC(t, plcsim.WithPDUSize(240))
	mem.SetDB(1, pattern(512))
	mem.Poke(s7.AreaMemory, 10, []byte{0x12, 0x34})
	client := newClient(t, addr)

	addrs := []s7.Address{
		mustParse(t, "DB1.DBB3"),
		mustParse(t, "MW10"),
		mustParse(t, "DB1.DBD8"),
		mustParse(t, "DB1.STR0.250"),
		mustParse(t, "DB1.DBX0.1"),
	}
	got, err := client.ReadMulti(context.Background(), addrs)
	if err != nil {
		t.Fatalf("ReadMulti failed: %v", err)
	}
	want := [][]byte{
		pattern(512)[3:4],
		{0x12, 0x34},
		pattern(512)[8:12],
		pattern(512)[0:250],
		{(pattern(512)[0] >> 1) & 1},
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("item %d: expected % X, got % X", i, want[i], got[i])
		}
	}
	for _, r := range srv.Requests() {
		if r.Size > 240 {
			t.Errorf("request of %d bytes exceeds pdu", r.Size)
		}
	}
}

func TestClient_ReadMultiItemError(t *testing.T) {
	_, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 8))
	client := newClient(t, addr)

	_, err := client.ReadMulti(context.Background(), []s7.Address{
		mustParse(t, "DB1.DBW0"),
		mustParse(t, "DB7.DBW0"),
	})
	var rcErr *s7.ReturnCodeError
	if !errors.As(err, &rcErr) {
		t.Fatalf("expected ReturnCodeError, got %v", err)
	}
	if rcErr.Item != 1 || rcErr.Code != s7.ReturnObjectDoesNotExist {
		t.Errorf("expected item 1 object does not exist, got %+v", rcErr)
	}
	if !client.IsConnected() {
		t.Error("session should survive an item error")
	}
}

func TestClient_WriteMulti(t *testing.T) {
	_, mem, addr := startPLC(t, plcsim.WithPDUSize(240))
	mem.SetDB(1, make([]byte, 64))
	client := newClient(t, addr)

	addrs := []s7.Address{
		mustParse(t, "DB1.DBB1"),
		mustParse(t, "DB1.DBW2"),
		mustParse(t, "DB1.DBX6.0"),
		mustParse(t, "MD0"),
	}
	data := [][]byte{{0xAA}, {0xBB, 0xCC}, {0x01}, {1, 2, 3, 4}}
	if err := client.WriteMulti(context.Background(), addrs, data); err != nil {
		t.Fatalf("WriteMulti failed: %v", err)
	}

	db := mem.DB(1)
	if db[1] != 0xAA || db[2] != 0xBB || db[3] != 0xCC || db[6] != 0x01 {
		t.Errorf("DB1: % X", db[:8])
	}
	if got := mem.Peek(s7.AreaMemory, 0, 4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("MD0: % X", got)
	}

	if err := client.WriteMulti(context.Background(), addrs, data[:2]); !errors.Is(err, s7.ErrInvalidQuantity) {
		t.Errorf("mismatched payloads: expected ErrInvalidQuantity, got %v", err)
	}
}

func TestClient_Strings(t *testing.T) {
	_, mem, addr := startPLC(t)
	mem.SetDB(5, make([]byte, 64))
	client := newClient(t, addr)
	ctx := context.Background()

	str := mustParse(t, "DB5.DBB0").WithType(s7.TypeS7String, 20)
	if err := client.WriteValue(ctx, str, "pump 3"); err != nil {
		t.Fatalf("WriteValue failed: %v", err)
	}
	if got := mem.DB(5)[:8]; !bytes.Equal(got, []byte{20, 6, 'p', 'u', 'm', 'p', ' ', '3'}) {
		t.Errorf("STRING memory: % X", got)
	}
	v, err := client.ReadValue(ctx, str)
	if err != nil || v != "pump 3" {
		t.Errorf("ReadValue: %v (%v)", v, err)
	}
}

func TestClientClose(t *testing.T) {
	_, mem, addr := startPLC(t)
	mem.SetDB(1, make([]byte, 4))
	client := newClient(t, addr)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.Close()

	if _, err := client.Read(context.Background(), mustParse(t, "DB1.DBW0"), 2); !errors.Is(err, s7.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClientMetrics(t *testing.T) {
	_, mem, addr := startPLC(t, plcsim.WithPDUSize(240))
	mem.SetDB(1, make([]byte, 500))
	client := newClient(t, addr)
	ctx := context.Background()

	if _, err := client.Read(ctx, mustParse(t, "DB1.DBB0"), 300); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	m := client.Metrics()
	// setup + two ReadVar chunks
	if m.RequestsTotal.Value() != 3 {
		t.Errorf("RequestsTotal: expected 3, got %d", m.RequestsTotal.Value())
	}
	if m.BytesRead.Value() != 300 {
		t.Errorf("BytesRead: expected 300, got %d", m.BytesRead.Value())
	}
	if m.ActiveConns.Value() != 1 {
		t.Errorf("ActiveConns: expected 1, got %d", m.ActiveConns.Value())
	}
}
