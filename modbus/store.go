package modbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// addressSpace is the number of addressable holding registers.
const addressSpace = 1 << 16

// RegisterRange defines a continuous stretch of holding register addresses
// in a Store.
type RegisterRange struct {
	// StartAddress is the address of the first register in the range.
	StartAddress uint16

	// Len is the number of registers in the range. Must be positive, and the
	// range must fit into the address space.
	Len int

	// Values are the initial values of the first len(Values) registers.
	// Remaining registers start at zero.
	Values []uint16
}

// Validate checks whether this register range is valid.
func (rr RegisterRange) Validate() error {
	if rr.Len <= 0 {
		return errors.New("non-positive range length")
	}
	if int(rr.StartAddress)+rr.Len > addressSpace {
		return errors.New("length exceeds address space")
	}
	if len(rr.Values) > rr.Len {
		return fmt.Errorf("%d initial values exceed range length %d",
			len(rr.Values), rr.Len)
	}
	return nil
}

// registerBlock is a basic block of registers which can be changed
// atomically.
type registerBlock struct {
	// mx synchronises access to this block.
	mx sync.RWMutex

	// start is the address of the first register in this block.
	start int

	// values holds the register values.
	values []uint16
}

// end returns the address after the last register of this block.
func (b *registerBlock) end() int {
	return b.start + len(b.values)
}

// Store is the addressable memory of 16-bit holding registers of a server.
// Each configured range is a separately locked block; operations spanning
// several blocks lock all of them atomically, so a Store may be shared
// between sessions.
type Store struct {
	// blocks are the register blocks, sorted by start address and
	// non-overlapping.
	blocks []*registerBlock

	// all locks every block for writing.
	all sync.Locker
}

// NewStore creates a register store with the given ranges.
func NewStore(ranges ...RegisterRange) (*Store, error) {
	if len(ranges) == 0 {
		return nil, errors.New("no register ranges")
	}
	result := &Store{}
	for i, rr := range ranges {
		if err := rr.Validate(); err != nil {
			return nil, fmt.Errorf("register range %d invalid: %w", i, err)
		}
		block := &registerBlock{
			start:  int(rr.StartAddress),
			values: make([]uint16, rr.Len),
		}
		copy(block.values, rr.Values)
		result.blocks = append(result.blocks, block)
	}
	sort.Slice(result.blocks, func(i, j int) bool {
		return result.blocks[i].start < result.blocks[j].start
	})
	for i := 1; i < len(result.blocks); i++ {
		if result.blocks[i].start < result.blocks[i-1].end() {
			return nil, fmt.Errorf(
				"register range starting at %d overlaps with previous range",
				result.blocks[i].start)
		}
	}
	result.all = result.writeLocker(result.blocks)
	return result, nil
}

// NewStoreValues creates a register store holding exactly the given values,
// starting at address zero.
func NewStoreValues(values ...uint16) (*Store, error) {
	return NewStore(RegisterRange{Len: len(values), Values: values})
}

// Len returns the number of registers in this store.
func (s *Store) Len() int {
	n := 0
	for _, b := range s.blocks {
		n += len(b.values)
	}
	return n
}

// neededBlocks returns the blocks covering count registers from start. The
// blocks must cover the range without gaps.
func (s *Store) neededBlocks(start, count int) ([]*registerBlock, error) {
	if count <= 0 || start+count > addressSpace {
		return nil, fmt.Errorf("%w: %d registers from %d",
			ErrIllegalDataAddress, count, start)
	}
	idx := sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].end() > start
	})
	var result []*registerBlock
	next := start
	for ; idx < len(s.blocks) && next < start+count; idx++ {
		b := s.blocks[idx]
		if b.start > next {
			break
		}
		result = append(result, b)
		next = b.end()
	}
	if next < start+count {
		return nil, fmt.Errorf("%w: %d registers from %d",
			ErrIllegalDataAddress, count, start)
	}
	return result, nil
}

// readLocker returns a locker which atomically read-locks the given blocks.
func (*Store) readLocker(blocks []*registerBlock) sync.Locker {
	lockers := make([]sync.Locker, len(blocks))
	for i, b := range blocks {
		lockers[i] = b.mx.RLocker()
	}
	return multilocker.New(lockers...)
}

// writeLocker returns a locker which atomically write-locks the given blocks.
func (*Store) writeLocker(blocks []*registerBlock) sync.Locker {
	lockers := make([]sync.Locker, len(blocks))
	for i, b := range blocks {
		lockers[i] = &b.mx
	}
	return multilocker.New(lockers...)
}

// copyOut copies count registers from start out of blocks, which must be
// locked.
func copyOut(blocks []*registerBlock, start, count int) []uint16 {
	result := make([]uint16, 0, count)
	for _, b := range blocks {
		from := start + len(result) - b.start
		n := len(b.values) - from
		if rest := count - len(result); n > rest {
			n = rest
		}
		result = append(result, b.values[from:from+n]...)
	}
	return result
}

// copyIn copies values into blocks from start. The blocks must be locked for
// writing.
func copyIn(blocks []*registerBlock, start int, values []uint16) {
	for _, b := range blocks {
		from := start - b.start
		if from < 0 {
			from = 0
		}
		n := copy(b.values[from:], values)
		values = values[n:]
		start += n
	}
}

// Read reads quantity registers starting at address.
func (s *Store) Read(address uint16, quantity int) ([]uint16, error) {
	blocks, err := s.neededBlocks(int(address), quantity)
	if err != nil {
		return nil, err
	}
	ml := s.readLocker(blocks)
	ml.Lock()
	defer ml.Unlock()
	return copyOut(blocks, int(address), quantity), nil
}

// Write writes values to consecutive registers starting at address.
func (s *Store) Write(address uint16, values []uint16) error {
	blocks, err := s.neededBlocks(int(address), len(values))
	if err != nil {
		return err
	}
	ml := s.writeLocker(blocks)
	ml.Lock()
	defer ml.Unlock()
	copyIn(blocks, int(address), values)
	return nil
}

// Operation is a read-modify-write operation on a Store, run by Apply.
type Operation func(tx *Tx) error

// Apply runs op with all registers of this store locked for writing, so that
// op is serialized with every other access to the store. Writes made by op
// before it returns an error are kept.
func (s *Store) Apply(op Operation) error {
	s.all.Lock()
	defer s.all.Unlock()
	return op(&Tx{store: s})
}

// Tx gives an Operation access to a locked Store. It must not be used after
// the Operation returns.
type Tx struct {
	store *Store
}

// Read reads quantity registers starting at address.
func (tx *Tx) Read(address uint16, quantity int) ([]uint16, error) {
	blocks, err := tx.store.neededBlocks(int(address), quantity)
	if err != nil {
		return nil, err
	}
	return copyOut(blocks, int(address), quantity), nil
}

// Write writes values to consecutive registers starting at address.
func (tx *Tx) Write(address uint16, values []uint16) error {
	blocks, err := tx.store.neededBlocks(int(address), len(values))
	if err != nil {
		return err
	}
	copyIn(blocks, int(address), values)
	return nil
}

// Update replaces every register value v at address addr with fn(addr, v).
func (tx *Tx) Update(fn func(addr uint16, v uint16) uint16) {
	for _, b := range tx.store.blocks {
		for i, v := range b.values {
			b.values[i] = fn(uint16(b.start+i), v)
		}
	}
}
