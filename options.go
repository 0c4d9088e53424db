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
	"log/slog"
	"time"

	"golang.org/x/text/encoding"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	// Endpoint selection
	cpu        CPUType
	rack       int
	slot       int
	localTSAP  uint16
	remoteTSAP uint16
	customTSAP bool

	// Negotiation
	timeout  time.Duration
	pduSize  int
	tpduSize uint8

	// Codec
	stringEncoding encoding.Encoding

	// Callbacks
	onConnect    func()
	onDisconnect func(error)

	// Logging
	logger *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		cpu:      CPUS7300,
		rack:     0,
		slot:     2,
		timeout:  DefaultTimeout,
		pduSize:  DefaultPDUSize,
		tpduSize: DefaultTPDUSize,
		logger:   slog.Default(),
	}
}

// WithCPU selects the CPU family, which decides the TSAP pair.
func WithCPU(cpu CPUType) Option {
	return func(o *clientOptions) {
		o.cpu = cpu
	}
}

// WithRackSlot sets the rack and slot of the CPU (S7-300/400/1200/1500).
func WithRackSlot(rack, slot int) Option {
	return func(o *clientOptions) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTSAP overrides the TSAP pair derived from the CPU family.
func WithTSAP(local, remote uint16) Option {
	return func(o *clientOptions) {
		o.localTSAP = local
		o.remoteTSAP = remote
		o.customTSAP = true
	}
}

// WithTimeout sets the timeout for operations.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithPDUSize sets the PDU length proposed during communication setup.
// The PLC may answer with a smaller value.
func WithPDUSize(n int) Option {
	return func(o *clientOptions) {
		o.pduSize = n
	}
}

// WithTPDUSize sets the COTP TPDU size code proposed in the connection request.
func WithTPDUSize(code uint8) Option {
	return func(o *clientOptions) {
		o.tpduSize = code
	}
}

// WithStringEncoding sets the character encoding of STRING and CHARS values
// for this session. nil passes bytes through unchanged.
func WithStringEncoding(enc encoding.Encoding) Option {
	return func(o *clientOptions) {
		o.stringEncoding = enc
	}
}

// WithOnConnect sets a callback to be called when the session becomes ready.
func WithOnConnect(fn func()) Option {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the session is lost.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// PoolOption is a functional option for configuring the connection pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	size            int
	maxIdleTime     time.Duration
	healthCheckFreq time.Duration
	clientOpts      []Option
}

func defaultPoolOptions() *poolOptions {
	return &poolOptions{
		size:            3,
		maxIdleTime:     5 * time.Minute,
		healthCheckFreq: 1 * time.Minute,
	}
}

// WithSize sets the pool size.
func WithSize(size int) PoolOption {
	return func(o *poolOptions) {
		o.size = size
	}
}

// WithMaxIdleTime sets the maximum idle time before a connection is closed.
func WithMaxIdleTime(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.maxIdleTime = d
	}
}

// WithHealthCheckFrequency sets how often to check connection health.
func WithHealthCheckFrequency(d time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.healthCheckFreq = d
	}
}

// WithClientOptions sets the options to use when creating new client connections.
func WithClientOptions(opts ...Option) PoolOption {
	return func(o *poolOptions) {
		o.clientOpts = opts
	}
}
