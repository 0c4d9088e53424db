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
	"net"
)

// Common errors.
var (
	// ErrFrame indicates a malformed or truncated TPKT frame.
	ErrFrame = errors.New("s7: invalid frame")

	// ErrProtocol indicates an unexpected COTP or S7 message.
	ErrProtocol = errors.New("s7: protocol error")

	// ErrHandshake indicates the COTP connection or communication setup was refused.
	ErrHandshake = errors.New("s7: handshake failed")

	// ErrTimeout indicates a deadline expired while waiting on the PLC.
	ErrTimeout = errors.New("s7: timeout")

	// ErrValueFormat indicates bytes that cannot be decoded as, or a value
	// that cannot be encoded to, the requested data type.
	ErrValueFormat = errors.New("s7: invalid value format")

	// ErrAddressSyntax indicates an address string outside the grammar.
	ErrAddressSyntax = errors.New("s7: invalid address")

	// ErrConnectionClosed indicates the client was closed.
	ErrConnectionClosed = errors.New("s7: connection closed")

	// ErrNotConnected indicates the session is not ready.
	ErrNotConnected = errors.New("s7: not connected")

	// ErrInvalidQuantity indicates an invalid element count or empty payload.
	ErrInvalidQuantity = errors.New("s7: invalid quantity")

	// ErrPoolExhausted indicates no connections are available in the pool.
	ErrPoolExhausted = errors.New("s7: connection pool exhausted")

	// ErrPoolClosed indicates the pool has been closed.
	ErrPoolClosed = errors.New("s7: connection pool closed")
)

// ReturnCodeError is returned when the PLC rejects an item.
type ReturnCodeError struct {
	Code ReturnCode
	// Item is the index of the failing item within the operation.
	Item int
}

// Error implements the error interface.
func (e *ReturnCodeError) Error() string {
	return fmt.Sprintf("s7: item %d: %s (0x%02X)", e.Item, e.Code, uint8(e.Code))
}

// Is checks if the error matches the target.
func (e *ReturnCodeError) Is(target error) bool {
	t, ok := target.(*ReturnCodeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// HeaderError is the error class and code of an Ack or AckData header.
type HeaderError struct {
	Class uint8
	Code  uint8
}

// Error implements the error interface.
func (e *HeaderError) Error() string {
	return fmt.Sprintf("s7: PLC error class 0x%02X code 0x%02X (%s)", e.Class, e.Code, e.className())
}

func (e *HeaderError) className() string {
	switch e.Class {
	case 0x81:
		return "application relationship"
	case 0x82:
		return "object definition"
	case 0x83:
		return "no resources available"
	case 0x84:
		return "error on service processing"
	case 0x85:
		return "error on supplies"
	case 0x87:
		return "access error"
	default:
		return "unknown"
	}
}

// AddressError describes why an address string was rejected.
type AddressError struct {
	Address string
	Token   string
	Reason  string
}

// Error implements the error interface.
func (e *AddressError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("s7: invalid address %q: %s", e.Address, e.Reason)
	}
	return fmt.Sprintf("s7: invalid address %q at %q: %s", e.Address, e.Token, e.Reason)
}

// Unwrap returns ErrAddressSyntax.
func (e *AddressError) Unwrap() error {
	return ErrAddressSyntax
}

// IsReturnCode checks if an error is a specific item return code.
func IsReturnCode(err error, code ReturnCode) bool {
	var rcErr *ReturnCodeError
	if errors.As(err, &rcErr) {
		return rcErr.Code == code
	}
	return false
}

// IsAddressOutOfRange checks if the PLC reported the address as out of range.
func IsAddressOutOfRange(err error) bool {
	return IsReturnCode(err, ReturnAddressOutOfRange)
}

// IsObjectDoesNotExist checks if the PLC reported a missing object, typically a data block.
func IsObjectDoesNotExist(err error) bool {
	return IsReturnCode(err, ReturnObjectDoesNotExist)
}

// IsConnectionError reports whether err leaves the session unusable.
// Item return codes and header errors are answers from a healthy session.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var rcErr *ReturnCodeError
	var hdrErr *HeaderError
	switch {
	case errors.Is(err, ErrHandshake), errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionClosed):
		return true
	case errors.As(err, &rcErr), errors.As(err, &hdrErr):
		return false
	case errors.Is(err, ErrValueFormat), errors.Is(err, ErrAddressSyntax), errors.Is(err, ErrInvalidQuantity):
		return false
	case errors.Is(err, ErrFrame), errors.Is(err, ErrProtocol), errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
