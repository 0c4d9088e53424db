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
	"fmt"
	"strings"
)

// Address limits.
const (
	MaxDBNumber    = 65535
	MaxByteOffset  = 0x1FFFFF // 24-bit bit address
	MaxElementNum  = 0xFFFF   // timers and counters
	maxDigitsInNum = 8
)

// Address is a parsed PLC memory location.
type Address struct {
	Area     Area
	DBNumber int
	// Start is the byte offset, or the element number for timers and counters.
	Start int
	// Bit is the bit number 0-7, or -1 for byte-level addresses.
	Bit  int
	Type ValueType
	// Length is the declared character count of string types.
	Length int
}

// Size returns the number of bytes one value at this address occupies.
func (a Address) Size() int {
	return a.Type.Size(a.Length)
}

// IsBit reports whether the address selects a single bit.
func (a Address) IsBit() bool {
	return a.Bit >= 0
}

// WithType returns a copy of a interpreted as t. For string types length
// is the declared character count.
func (a Address) WithType(t ValueType, length int) Address {
	a.Type = t
	a.Length = length
	return a
}

// String returns the canonical address notation.
func (a Address) String() string {
	switch a.Area {
	case AreaTimer:
		return fmt.Sprintf("T%d", a.Start)
	case AreaCounter:
		return fmt.Sprintf("C%d", a.Start)
	case AreaDataBlock:
		switch {
		case a.IsBit():
			return fmt.Sprintf("DB%d.DBX%d.%d", a.DBNumber, a.Start, a.Bit)
		case a.Type == TypeString:
			return fmt.Sprintf("DB%d.STR%d.%d", a.DBNumber, a.Start, a.Length)
		}
		return fmt.Sprintf("DB%d.DB%s%d", a.DBNumber, sizeLetter(a.Size()), a.Start)
	}
	if a.IsBit() {
		return fmt.Sprintf("%s%d.%d", a.Area, a.Start, a.Bit)
	}
	return fmt.Sprintf("%s%s%d", a.Area, sizeLetter(a.Size()), a.Start)
}

func sizeLetter(n int) string {
	switch n {
	case 2:
		return "W"
	case 4:
		return "D"
	default:
		return "B"
	}
}

// ParseAddress parses an address string. Accepted forms (case-insensitive):
//
//	DB<n>.DBX<byte>.<bit>   DB<n>.DBB<byte>   DB<n>.DBW<byte>   DB<n>.DBD<byte>
//	DB<n>.STR<byte>.<len>
//	IB<n> IW<n> ID<n>       (E is accepted for I)
//	QB<n> QW<n> QD<n>       (A and O are accepted for Q)
//	MB<n> MW<n> MD<n>
//	I<byte>.<bit> Q<byte>.<bit> M<byte>.<bit>
//	T<n>                    C<n> (Z is accepted for C)
func ParseAddress(s string) (Address, error) {
	p := &addrParser{src: s, in: strings.ToUpper(strings.TrimSpace(s))}
	a, err := p.parse()
	if err != nil {
		return Address{}, err
	}
	return a, nil
}

type addrParser struct {
	src string
	in  string
	pos int
}

func (p *addrParser) fail(reason string) error {
	tok := ""
	if p.pos < len(p.in) {
		tok = p.in[p.pos:]
	}
	return &AddressError{Address: p.src, Token: tok, Reason: reason}
}

func (p *addrParser) peek() byte {
	if p.pos < len(p.in) {
		return p.in[p.pos]
	}
	return 0
}

func (p *addrParser) accept(prefix string) bool {
	if strings.HasPrefix(p.in[p.pos:], prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

func (p *addrParser) number(what string, max int) (int, error) {
	start := p.pos
	n := 0
	for p.pos < len(p.in) && p.in[p.pos] >= '0' && p.in[p.pos] <= '9' {
		if p.pos-start >= maxDigitsInNum {
			p.pos = start
			return 0, p.fail(what + " too large")
		}
		n = n*10 + int(p.in[p.pos]-'0')
		p.pos++
	}
	if p.pos == start {
		return 0, p.fail("expected " + what)
	}
	if n > max {
		p.pos = start
		return 0, p.fail(fmt.Sprintf("%s %d exceeds %d", what, n, max))
	}
	return n, nil
}

func (p *addrParser) bit() (int, error) {
	if !p.accept(".") {
		return 0, p.fail("expected '.' before bit number")
	}
	start := p.pos
	if p.pos+1 != len(p.in) || p.in[p.pos] < '0' || p.in[p.pos] > '7' {
		p.pos = start
		return 0, p.fail("bit number must be 0-7")
	}
	p.pos++
	return int(p.in[start] - '0'), nil
}

func (p *addrParser) end() error {
	if p.pos != len(p.in) {
		return p.fail("unexpected trailing characters")
	}
	return nil
}

func (p *addrParser) parse() (Address, error) {
	if p.in == "" {
		return Address{}, p.fail("empty address")
	}
	if p.accept("DB") {
		return p.parseDB()
	}

	var area Area
	switch p.peek() {
	case 'I', 'E':
		area = AreaInput
	case 'Q', 'A', 'O':
		area = AreaOutput
	case 'M':
		area = AreaMemory
	case 'T':
		p.pos++
		return p.parseElement(AreaTimer, TypeTimer, "timer number")
	case 'C', 'Z':
		p.pos++
		return p.parseElement(AreaCounter, TypeCounter, "counter number")
	default:
		return Address{}, p.fail("unknown memory area")
	}
	p.pos++

	a := Address{Area: area, Bit: -1}
	if t, ok := sizeType(p.peek()); ok {
		p.pos++
		start, err := p.number("byte offset", MaxByteOffset)
		if err != nil {
			return Address{}, err
		}
		a.Start, a.Type = start, t
		return a, p.end()
	}

	start, err := p.number("byte offset", MaxByteOffset)
	if err != nil {
		return Address{}, err
	}
	bit, err := p.bit()
	if err != nil {
		return Address{}, err
	}
	a.Start, a.Bit, a.Type = start, bit, TypeBit
	return a, nil
}

func (p *addrParser) parseDB() (Address, error) {
	db, err := p.number("data block number", MaxDBNumber)
	if err != nil {
		return Address{}, err
	}
	if db == 0 {
		p.pos--
		return Address{}, p.fail("data block number must be 1-65535")
	}
	if !p.accept(".") {
		return Address{}, p.fail("expected '.' after data block number")
	}
	a := Address{Area: AreaDataBlock, DBNumber: db, Bit: -1}

	if p.accept("STR") {
		start, err := p.number("byte offset", MaxByteOffset)
		if err != nil {
			return Address{}, err
		}
		if !p.accept(".") {
			return Address{}, p.fail("expected '.' before string length")
		}
		n, err := p.number("string length", MaxS7StringCapacity)
		if err != nil {
			return Address{}, err
		}
		if n == 0 {
			p.pos--
			return Address{}, p.fail("string length must be 1-254")
		}
		a.Start, a.Type, a.Length = start, TypeString, n
		return a, p.end()
	}

	if !p.accept("DB") {
		return Address{}, p.fail("expected DBX, DBB, DBW, DBD or STR")
	}
	if p.accept("X") {
		start, err := p.number("byte offset", MaxByteOffset)
		if err != nil {
			return Address{}, err
		}
		bit, err := p.bit()
		if err != nil {
			return Address{}, err
		}
		a.Start, a.Bit, a.Type = start, bit, TypeBit
		return a, nil
	}
	t, ok := sizeType(p.peek())
	if !ok {
		return Address{}, p.fail("expected size X, B, W or D")
	}
	p.pos++
	start, err := p.number("byte offset", MaxByteOffset)
	if err != nil {
		return Address{}, err
	}
	a.Start, a.Type = start, t
	return a, p.end()
}

func (p *addrParser) parseElement(area Area, t ValueType, what string) (Address, error) {
	n, err := p.number(what, MaxElementNum)
	if err != nil {
		return Address{}, err
	}
	return Address{Area: area, Start: n, Bit: -1, Type: t}, p.end()
}

func sizeType(c byte) (ValueType, bool) {
	switch c {
	case 'B':
		return TypeByte, true
	case 'W':
		return TypeWord, true
	case 'D':
		return TypeDWord, true
	}
	return 0, false
}
