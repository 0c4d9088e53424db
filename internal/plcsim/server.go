// Package plcsim implements a minimal S7 PLC that speaks ISO-on-TCP. It is
// used to exercise the client against a real socket.
package plcsim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/s7"
)

// Fault is a one-shot misbehaviour applied to the next job.
type Fault int

const (
	FaultNone Fault = iota
	// FaultDrop closes the connection instead of answering.
	FaultDrop
	// FaultBadSequence answers with a sequence number the client did not send.
	FaultBadSequence
	// FaultHeaderError answers with a non-zero error class.
	FaultHeaderError
	// FaultStall never answers.
	FaultStall
)

// Request is a job received by the simulator.
type Request struct {
	Function s7.FunctionCode
	Items    []s7.RequestItem
	// Size is the encoded length of the S7 message.
	Size int
}

// Option configures a Server.
type Option func(*options)

type options struct {
	pduSize    int
	tpduSize   uint8
	segment    int
	remoteTSAP uint16
	delay      time.Duration
	logger     *slog.Logger
}

// WithPDUSize sets the largest PDU length the simulator accepts during setup.
func WithPDUSize(n int) Option {
	return func(o *options) { o.pduSize = n }
}

// WithTPDUSize sets the largest TPDU size code the simulator confirms.
func WithTPDUSize(code uint8) Option {
	return func(o *options) { o.tpduSize = code }
}

// WithSegmentSize splits every response into DT PDUs carrying at most n
// payload bytes.
func WithSegmentSize(n int) Option {
	return func(o *options) { o.segment = n }
}

// WithRemoteTSAP makes the simulator refuse connection requests addressed
// to any other TSAP.
func WithRemoteTSAP(tsap uint16) Option {
	return func(o *options) { o.remoteTSAP = tsap }
}

// WithResponseDelay delays every response.
func WithResponseDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Server is a simulated PLC.
type Server struct {
	mem  *Memory
	opts *options

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	requests []Request
	codes    map[s7.RequestItem]s7.ReturnCode
	fault    Fault
	tsaps    [2]uint16
	closed   int32
	accepted atomic.Int64
	wg       sync.WaitGroup
}

// NewServer creates a simulator backed by mem.
func NewServer(mem *Memory, opts ...Option) *Server {
	o := &options{
		pduSize:  s7.DefaultPDUSize,
		tpduSize: s7.TPDUSize8192,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Server{
		mem:   mem,
		opts:  o,
		conns: make(map[net.Conn]struct{}),
		codes: make(map[s7.RequestItem]s7.ReturnCode),
	}
}

// Start listens on a random loopback port and serves in the background.
func (s *Server) Start() (string, error) {
	return s.Listen("127.0.0.1:0")
}

// Listen serves on addr in the background and returns the bound address.
func (s *Server) Listen(addr string) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(l)
	}()
	return l.Addr().String(), nil
}

func (s *Server) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.accepted.Add(1)

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops the simulator and drops all connections.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// DropConnections closes every open connection but keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Requests returns the ReadVar and WriteVar jobs received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

// SetReturnCode makes every request for exactly item fail with code.
func (s *Server) SetReturnCode(item s7.RequestItem, code s7.ReturnCode) {
	s.mu.Lock()
	s.codes[item] = code
	s.mu.Unlock()
}

// Inject arms a fault for the next ReadVar or WriteVar job.
func (s *Server) Inject(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// TSAPs returns the source and destination TSAPs of the last connection request.
func (s *Server) TSAPs() (src, dst uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tsaps[0], s.tsaps[1]
}

func (s *Server) takeFault() Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fault
	s.fault = FaultNone
	return f
}

func (s *Server) forcedCode(item s7.RequestItem) (s7.ReturnCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[item]
	return code, ok
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	tpdu, ok := s.accept(conn)
	if !ok {
		return
	}

	pdu := s.opts.pduSize
	var next uint8
	for {
		raw, err := s7.ReadData(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && atomic.LoadInt32(&s.closed) == 0 {
				s.opts.logger.Debug("read error", slog.String("error", err.Error()))
			}
			return
		}
		req, err := s7.DecodeMessage(raw)
		if err != nil {
			s.opts.logger.Debug("bad message", slog.String("error", err.Error()))
			return
		}

		fault := FaultNone
		if _, setup := req.Param.(*s7.SetupParam); !setup {
			fault = s.takeFault()
		}
		switch fault {
		case FaultDrop:
			return
		case FaultStall:
			// Hold the connection until the peer gives up.
			io.Copy(io.Discard, conn)
			return
		}

		resp := s.handle(req, len(raw), &pdu, fault)
		if resp == nil {
			return
		}
		if s.opts.delay > 0 {
			time.Sleep(s.opts.delay)
		}

		out := s7.EncodeMessage(resp)
		size := tpdu
		if s.opts.segment > 0 {
			size = s.opts.segment + 3
		}
		if next, err = s7.WriteData(conn, out, size, next); err != nil {
			return
		}
	}
}

// accept runs the COTP connection phase and returns the confirmed TPDU size.
func (s *Server) accept(conn net.Conn) (int, bool) {
	p, err := s7.ReadTPDU(conn)
	if err != nil {
		return 0, false
	}
	cr, ok := p.(*s7.ConnectionPDU)
	if !ok || cr.Kind != s7.TPDUConnectionRequest {
		return 0, false
	}
	src, dst := cr.TSAPs()
	s.mu.Lock()
	s.tsaps = [2]uint16{src, dst}
	s.mu.Unlock()

	if s.opts.remoteTSAP != 0 && dst != s.opts.remoteTSAP {
		s7.WriteTPDU(conn, &s7.DisconnectPDU{
			Kind:   s7.TPDUDisconnectRequest,
			DstRef: cr.SrcRef,
			Reason: 0x81,
		})
		return 0, false
	}

	code := s.opts.tpduSize
	if v, ok := cr.Param(s7.ParamTPDUSize); ok && len(v) == 1 && v[0] < code {
		code = v[0]
	}
	cc := &s7.ConnectionPDU{
		Kind:   s7.TPDUConnectionConfirm,
		DstRef: cr.SrcRef,
		SrcRef: 0x0044,
		Params: []s7.COTPParam{s7.NewCOTPParam(s7.ParamTPDUSize, 1, []byte{code})},
	}
	for _, prm := range cr.Params {
		if prm.Code == s7.ParamSrcTSAP || prm.Code == s7.ParamDstTSAP {
			cc.Params = append(cc.Params, prm)
		}
	}
	if err := s7.WriteTPDU(conn, cc); err != nil {
		return 0, false
	}
	size, _ := s7.TPDUBytes(code)
	return size, true
}

// handle builds the response to req. A nil response closes the connection.
func (s *Server) handle(req *s7.Message, size int, pdu *int, fault Fault) *s7.Message {
	resp := &s7.Message{Header: s7.Header{Kind: s7.KindAckData, Sequence: req.Header.Sequence}}
	if req.Header.Kind != s7.KindJob {
		return nil
	}

	if setup, ok := req.Param.(*s7.SetupParam); ok {
		*pdu = min(int(setup.PDULength), s.opts.pduSize)
		resp.Param = &s7.SetupParam{MaxAmqCaller: 1, MaxAmqCallee: 1, PDULength: uint16(*pdu)}
		return resp
	}

	var items []s7.RequestItem
	switch p := req.Param.(type) {
	case *s7.ReadVarRequest:
		items = p.Items
	case *s7.WriteVarRequest:
		items = p.Items
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{Function: req.Param.Function(), Items: items, Size: size})
	s.mu.Unlock()

	switch {
	case fault == FaultBadSequence:
		resp.Header.Sequence++
	case fault == FaultHeaderError, size > *pdu:
		return rejected(resp, req.Param.Function())
	}

	switch p := req.Param.(type) {
	case *s7.ReadVarRequest:
		out := &s7.ReadVarResponse{Items: make([]s7.DataItem, len(p.Items))}
		for i, it := range p.Items {
			out.Items[i] = s.read(it)
		}
		resp.Param = out
		if n := len(s7.EncodeMessage(resp)); n > *pdu {
			s.opts.logger.Warn("response exceeds PDU", slog.Int("size", n), slog.Int("pdu", *pdu))
			return rejected(resp, s7.FuncReadVar)
		}
	case *s7.WriteVarRequest:
		out := &s7.WriteVarResponse{Codes: make([]s7.ReturnCode, len(p.Items))}
		for i, it := range p.Items {
			if code, ok := s.forcedCode(it); ok {
				out.Codes[i] = code
				continue
			}
			if i >= len(p.Data) {
				out.Codes[i] = s7.ReturnDataTypeInconsistent
				continue
			}
			out.Codes[i] = s.mem.Write(it, p.Data[i].Data)
		}
		resp.Param = out
	default:
		panic(fmt.Sprintf("plcsim: unexpected parameter %T", req.Param))
	}
	return resp
}

// rejected turns resp into an empty answer carrying an "error on supplies"
// header error, as a PLC does for jobs larger than the negotiated PDU.
func rejected(resp *s7.Message, fn s7.FunctionCode) *s7.Message {
	resp.Header.ErrorClass, resp.Header.ErrorCode = 0x85, 0x00
	if fn == s7.FuncWriteVar {
		resp.Param = &s7.WriteVarResponse{}
	} else {
		resp.Param = &s7.ReadVarResponse{}
	}
	return resp
}

func (s *Server) read(it s7.RequestItem) s7.DataItem {
	if code, ok := s.forcedCode(it); ok {
		return s7.DataItem{ReturnCode: code}
	}
	data, code := s.mem.Read(it)
	if code != s7.ReturnSuccess {
		return s7.DataItem{ReturnCode: code}
	}
	ts := s7.DTSByte
	switch it.TransportSize {
	case s7.TSBit:
		ts = s7.DTSBit
	case s7.TSTimer, s7.TSCounter:
		ts = s7.DTSOctetString
	case s7.TSReal:
		ts = s7.DTSReal
	case s7.TSInt, s7.TSDInt:
		ts = s7.DTSInteger
	}
	return s7.DataItem{ReturnCode: code, TransportSize: ts, Data: data}
}
