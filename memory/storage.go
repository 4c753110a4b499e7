// Package memory provides sparse byte-addressable storage for simulated
// physical memories.
package memory

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned when an access goes beyond the storage capacity.
var ErrOutOfRange = errors.New(
	"accessing physical address beyond the storage capacity")

// A Storage keeps the content of a physical memory.
//
// The storage manages memory in units, similar to pages. A unit that has
// never been touched reads as zero and takes no host memory. All accesses are
// safe for concurrent use.
type Storage struct {
	sync.RWMutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity.
func NewStorage(capacity uint64) *Storage {
	storage := new(Storage)

	storage.unitSize = 4096
	storage.capacity = capacity
	storage.data = make(map[uint64][]byte)

	return storage
}

// Capacity returns the size of the storage in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

// TouchedUnits returns the number of units that have been written.
func (s *Storage) TouchedUnits() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.data)
}

func (s *Storage) checkRange(address, length uint64) error {
	if address+length > s.capacity || address+length < address {
		return errors.Wrapf(ErrOutOfRange, "access [0x%x, 0x%x), capacity 0x%x",
			address, address+length, s.capacity)
	}

	return nil
}

// getOrCreateUnit retrieves a storage unit, creating it if it has not been
// touched before.
func (s *Storage) getOrCreateUnit(baseAddr uint64) []byte {
	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	if err := s.checkRange(address, length); err != nil {
		return nil, err
	}

	s.RLock()
	defer s.RUnlock()

	res := make([]byte, length)
	dataOffset := uint64(0)

	for dataOffset < length {
		currAddr := address + dataOffset
		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenToRead := min(length-dataOffset, s.unitSize-inUnitAddr)

		if unit, ok := s.data[baseAddr]; ok {
			copy(res[dataOffset:dataOffset+lenToRead],
				unit[inUnitAddr:inUnitAddr+lenToRead])
		}

		dataOffset += lenToRead
	}

	return res, nil
}

func (s *Storage) Write(address uint64, data []byte) error {
	length := uint64(len(data))
	if err := s.checkRange(address, length); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	dataOffset := uint64(0)
	for dataOffset < length {
		currAddr := address + dataOffset
		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenToWrite := min(length-dataOffset, s.unitSize-inUnitAddr)

		unit := s.getOrCreateUnit(baseAddr)
		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])

		dataOffset += lenToWrite
	}

	return nil
}

// Memset fills size bytes at address with a repeating little-endian pattern
// of elemSize bytes. size must be a multiple of elemSize.
func (s *Storage) Memset(address uint64, pattern uint64, elemSize int, size uint64) error {
	if elemSize != 4 && elemSize != 8 {
		return errors.Errorf("invalid memset element size %d", elemSize)
	}

	if size%uint64(elemSize) != 0 {
		return errors.Errorf("memset size 0x%x is not a multiple of %d", size, elemSize)
	}

	if err := s.checkRange(address, size); err != nil {
		return err
	}

	elem := make([]byte, 8)
	binary.LittleEndian.PutUint64(elem, pattern)
	elem = elem[:elemSize]

	s.Lock()
	defer s.Unlock()

	for off := uint64(0); off < size; off += uint64(elemSize) {
		baseAddr, inUnitAddr := s.parseAddress(address + off)

		if pattern == 0 {
			if _, ok := s.data[baseAddr]; !ok {
				continue
			}
		}

		unit := s.getOrCreateUnit(baseAddr)
		copy(unit[inUnitAddr:], elem)
	}

	return nil
}

// ReadUint64 reads a little-endian 64-bit word.
func (s *Storage) ReadUint64(address uint64) (uint64, error) {
	buf, err := s.Read(address, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf), nil
}

// WriteUint64 writes a little-endian 64-bit word.
func (s *Storage) WriteUint64(address uint64, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return s.Write(address, buf)
}
