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
	"errors"
	"fmt"
	"io"
)

// TPKT constants (RFC 1006).
const (
	TPKTVersion    = 3
	TPKTHeaderSize = 4
)

// TPKTHeader is the 4-byte ISO-on-TCP header.
type TPKTHeader struct {
	Version  uint8
	Reserved uint8
	// Length is the total frame length including the header.
	Length uint16
}

// Encode encodes the header to bytes.
func (h *TPKTHeader) Encode() []byte {
	buf := make([]byte, TPKTHeaderSize)
	buf[0] = h.Version
	buf[1] = h.Reserved
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	return buf
}

// Decode decodes the header from bytes.
func (h *TPKTHeader) Decode(data []byte) error {
	if len(data) < TPKTHeaderSize {
		return fmt.Errorf("%w: TPKT header too short", ErrFrame)
	}
	h.Version = data[0]
	h.Reserved = data[1]
	h.Length = binary.BigEndian.Uint16(data[2:4])
	if h.Version != TPKTVersion {
		return fmt.Errorf("%w: TPKT version %d", ErrFrame, h.Version)
	}
	if h.Length < TPKTHeaderSize {
		return fmt.Errorf("%w: TPKT length %d", ErrFrame, h.Length)
	}
	return nil
}

// Frame is one TPKT frame carrying a COTP PDU.
type Frame struct {
	Header  TPKTHeader
	Payload []byte
}

// Encode encodes the frame to bytes, fixing up the header length.
func (f *Frame) Encode() []byte {
	f.Header.Version = TPKTVersion
	f.Header.Length = uint16(TPKTHeaderSize + len(f.Payload))
	buf := make([]byte, 0, TPKTHeaderSize+len(f.Payload))
	buf = append(buf, f.Header.Encode()...)
	return append(buf, f.Payload...)
}

// Decode decodes a frame from a complete buffer.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	n := int(f.Header.Length)
	if len(data) < n {
		return fmt.Errorf("%w: incomplete frame, need %d bytes, got %d", ErrFrame, n, len(data))
	}
	f.Payload = make([]byte, n-TPKTHeaderSize)
	copy(f.Payload, data[TPKTHeaderSize:n])
	return nil
}

// MaxTPKTPayload is the largest payload a single frame can carry.
const MaxTPKTPayload = 0xFFFF - TPKTHeaderSize

// ReadFrame reads exactly one frame from r. A stream that ends before the
// declared length is reached fails with ErrFrame.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, TPKTHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, frameReadError("header", err)
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}

	f.Payload = make([]byte, int(f.Header.Length)-TPKTHeaderSize)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, frameReadError("payload", err)
	}
	return &f, nil
}

// WriteFrame writes payload to w as one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxTPKTPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrFrame, len(payload), MaxTPKTPayload)
	}
	f := Frame{Payload: payload}
	_, err := w.Write(f.Encode())
	return err
}

// frameReadError marks short reads as framing errors and keeps network
// errors such as timeouts visible to errors.As.
func frameReadError(part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s: %w", ErrFrame, part, err)
	}
	return fmt.Errorf("read %s: %w", part, err)
}
