package plcsim

import (
	"sync"

	"github.com/edgeo-scada/s7"
)

// Memory is the addressable storage of a simulated PLC.
type Memory struct {
	mu    sync.RWMutex
	areas map[s7.Area][]byte
	dbs   map[int][]byte
}

// NewMemory creates memory with size bytes in each of the I, Q and M areas
// and room for 256 timers and counters.
func NewMemory(size int) *Memory {
	return &Memory{
		areas: map[s7.Area][]byte{
			s7.AreaInput:   make([]byte, size),
			s7.AreaOutput:  make([]byte, size),
			s7.AreaMemory:  make([]byte, size),
			s7.AreaTimer:   make([]byte, 512),
			s7.AreaCounter: make([]byte, 512),
		},
		dbs: make(map[int][]byte),
	}
}

// SetDB creates or replaces a data block.
func (m *Memory) SetDB(n int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbs[n] = append([]byte(nil), data...)
}

// DB returns a copy of a data block, or nil if it does not exist.
func (m *Memory) DB(n int) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if db, ok := m.dbs[n]; ok {
		return append([]byte(nil), db...)
	}
	return nil
}

// Poke writes raw bytes into an area other than DB.
func (m *Memory) Poke(area s7.Area, offset int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.areas[area]; ok && offset+len(data) <= len(buf) {
		copy(buf[offset:], data)
	}
}

// Peek returns a copy of n bytes of an area other than DB.
func (m *Memory) Peek(area s7.Area, offset, n int) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.areas[area]
	if !ok || offset+n > len(buf) {
		return nil
	}
	return append([]byte(nil), buf[offset:offset+n]...)
}

func elementSize(ts s7.TransportSize) int {
	switch ts {
	case s7.TSWord, s7.TSInt, s7.TSTimer, s7.TSCounter:
		return 2
	case s7.TSDWord, s7.TSDInt, s7.TSReal:
		return 4
	default:
		return 1
	}
}

// locate resolves an item to its backing buffer and byte range.
// Must be called with mu held.
func (m *Memory) locate(it s7.RequestItem) (buf []byte, off, n int, rc s7.ReturnCode) {
	if it.Area == s7.AreaDataBlock {
		db, ok := m.dbs[int(it.DBNumber)]
		if !ok {
			return nil, 0, 0, s7.ReturnObjectDoesNotExist
		}
		buf = db
	} else {
		area, ok := m.areas[it.Area]
		if !ok {
			return nil, 0, 0, s7.ReturnAccessingObjectNotAllowed
		}
		buf = area
	}

	switch it.TransportSize {
	case s7.TSBit:
		off, n = int(it.Address/8), 1
	case s7.TSTimer, s7.TSCounter:
		off, n = int(it.Address)*2, int(it.Count)*2
	default:
		off, n = int(it.Address/8), int(it.Count)*elementSize(it.TransportSize)
	}
	if off+n > len(buf) {
		return nil, 0, 0, s7.ReturnAddressOutOfRange
	}
	return buf, off, n, s7.ReturnSuccess
}

// Read returns the bytes addressed by it. A bit item yields one 0 or 1 byte.
func (m *Memory) Read(it s7.RequestItem) ([]byte, s7.ReturnCode) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf, off, n, rc := m.locate(it)
	if rc != s7.ReturnSuccess {
		return nil, rc
	}
	if it.TransportSize == s7.TSBit {
		set, _ := s7.DecodeBit(buf[off], int(it.Address%8))
		if set {
			return []byte{1}, rc
		}
		return []byte{0}, rc
	}
	return append([]byte(nil), buf[off:off+n]...), rc
}

// Write stores data at the location addressed by it.
func (m *Memory) Write(it s7.RequestItem, data []byte) s7.ReturnCode {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, off, n, rc := m.locate(it)
	if rc != s7.ReturnSuccess {
		return rc
	}
	if len(data) != n {
		return s7.ReturnDataTypeInconsistent
	}
	if it.TransportSize == s7.TSBit {
		buf[off] = s7.SetBit(buf[off], int(it.Address%8), data[0] != 0)
		return rc
	}
	copy(buf[off:], data)
	return rc
}
