package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"commitdb/pkg/types"
)

// Kind enumerates mutation kinds carried by a batch.
type Kind byte

const (
	KindPut Kind = iota
	KindDelete
	KindMerge
	// KindDeleteRange stores the range start as the key and the exclusive
	// range end as the value.
	KindDeleteRange
)

const headerLen = 4 // uint32 count

var (
	ErrCorruptBatch = errors.New("batch: corrupt contents")
	ErrTooManyOps   = errors.New("batch: operation count overflow")
)

// Batch is an ordered sequence of keyed mutations. It is built by one caller
// and must not be modified after it is handed to the commit pipeline.
type Batch struct {
	data []byte

	hasMerge       bool
	hasDeleteRange bool
}

func New() *Batch {
	b := &Batch{data: make([]byte, headerLen, 256)}
	return b
}

func (b *Batch) Put(key types.Key, value types.Value) {
	b.appendOp(KindPut, key, value)
}

func (b *Batch) Delete(key types.Key) {
	b.appendOp(KindDelete, key, nil)
}

func (b *Batch) Merge(key types.Key, operand types.Value) {
	b.hasMerge = true
	b.appendOp(KindMerge, key, operand)
}

func (b *Batch) DeleteRange(start, end types.Key) {
	b.hasDeleteRange = true
	b.appendOp(KindDeleteRange, start, end)
}

func (b *Batch) appendOp(kind Kind, key, value []byte) {
	if b.Count() == math.MaxUint32 {
		panic(ErrTooManyOps)
	}
	b.setCount(b.Count() + 1)
	b.data = append(b.data, byte(kind))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	if kind != KindDelete {
		b.data = binary.AppendUvarint(b.data, uint64(len(value)))
		b.data = append(b.data, value...)
	}
}

// Count reports the number of operations in the batch.
func (b *Batch) Count() uint32 {
	return binary.LittleEndian.Uint32(b.data[:headerLen])
}

func (b *Batch) setCount(n uint32) {
	binary.LittleEndian.PutUint32(b.data[:headerLen], n)
}

// ByteSize is the serialized size of the batch including its header.
func (b *Batch) ByteSize() int64 {
	return int64(len(b.data))
}

func (b *Batch) Empty() bool {
	return b.Count() == 0
}

func (b *Batch) HasMerge() bool {
	return b.hasMerge
}

func (b *Batch) HasDeleteRange() bool {
	return b.hasDeleteRange
}

// Contents returns the serialized batch. The slice aliases the batch's
// internal buffer; callers must treat it as read-only.
func (b *Batch) Contents() []byte {
	return b.data
}

// Append merges other into b preserving operation order. The group leader
// uses it to build the single WAL payload for a commit group.
func (b *Batch) Append(other *Batch) {
	total := uint64(b.Count()) + uint64(other.Count())
	if total > math.MaxUint32 {
		panic(ErrTooManyOps)
	}
	b.data = append(b.data, other.data[headerLen:]...)
	b.setCount(uint32(total))
	b.hasMerge = b.hasMerge || other.hasMerge
	b.hasDeleteRange = b.hasDeleteRange || other.hasDeleteRange
}

// Reset clears the batch for reuse.
func (b *Batch) Reset() {
	b.data = b.data[:headerLen]
	b.setCount(0)
	b.hasMerge = false
	b.hasDeleteRange = false
}

// FromContents reconstructs a batch from serialized contents, e.g. a WAL
// record payload read back during recovery.
func FromContents(data []byte) (*Batch, error) {
	if len(data) < headerLen {
		return nil, ErrCorruptBatch
	}
	b := &Batch{data: append([]byte(nil), data...)}
	// Walk the ops once to validate framing and restore capability flags.
	n := uint32(0)
	err := b.Iterate(func(kind Kind, _, _ []byte) error {
		n++
		switch kind {
		case KindMerge:
			b.hasMerge = true
		case KindDeleteRange:
			b.hasDeleteRange = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n != b.Count() {
		return nil, fmt.Errorf("%w: header count %d, decoded %d", ErrCorruptBatch, b.Count(), n)
	}
	return b, nil
}

// Iterate replays the batch operations in insertion order. For
// KindDeleteRange the value argument carries the exclusive range end.
func (b *Batch) Iterate(fn func(kind Kind, key, value []byte) error) error {
	buf := b.data[headerLen:]
	for len(buf) > 0 {
		kind := Kind(buf[0])
		buf = buf[1:]
		if kind > KindDeleteRange {
			return fmt.Errorf("%w: unknown kind %d", ErrCorruptBatch, kind)
		}
		key, rest, err := decodeSlice(buf)
		if err != nil {
			return err
		}
		buf = rest
		var value []byte
		if kind != KindDelete {
			value, rest, err = decodeSlice(buf)
			if err != nil {
				return err
			}
			buf = rest
		}
		if err := fn(kind, key, value); err != nil {
			return err
		}
	}
	return nil
}

func decodeSlice(buf []byte) (s, rest []byte, err error) {
	n, read := binary.Uvarint(buf)
	if read <= 0 || uint64(len(buf)-read) < n {
		return nil, nil, ErrCorruptBatch
	}
	return buf[read : read+int(n)], buf[read+int(n):], nil
}
