package db

import (
	"bytes"
	"errors"
	"fmt"

	"commitdb/pkg/batch"
	"commitdb/pkg/dberrors"
	"commitdb/pkg/memtable"
	"commitdb/pkg/sstable"
	"commitdb/pkg/types"
)

// Get returns the newest committed value for key.
func (d *DB) Get(key types.Key) (types.Value, error) {
	return d.getAt(key, d.VisibleSequence())
}

// GetAt reads key as of the snapshot.
func (d *DB) GetAt(key types.Key, s *Snapshot) (types.Value, error) {
	return d.getAt(key, s.seq)
}

// getAt resolves key at visibleSeq, newest data first: memtable, then
// tables. Merge operands accumulate until a base value or tombstone is
// found.
func (d *DB) getAt(key types.Key, visibleSeq types.SequenceNumber) (types.Value, error) {
	var operands [][]byte

	if it, ok := d.mt.Lookup(key, visibleSeq); ok {
		switch it.Kind {
		case batch.KindDelete:
			return nil, dberrors.ErrNotFound
		case batch.KindMerge:
			operands = append(operands, it.Value)
		default:
			return it.Value, nil
		}
	}

	d.tableMu.RLock()
	tables := append([]*sstable.Reader(nil), d.tables...)
	ranges := append([]memtable.RangeTombstone(nil), d.ranges...)
	d.tableMu.RUnlock()

	for _, t := range tables {
		e, err := t.Get(key, visibleSeq)
		if errors.Is(err, sstable.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if masked(ranges, key, e.Seq, visibleSeq) {
			return d.foldOperands(key, nil, operands)
		}
		switch e.Kind {
		case batch.KindDelete, batch.KindDeleteRange:
			return d.foldOperands(key, nil, operands)
		case batch.KindMerge:
			operands = append(operands, e.Value)
		default:
			return d.foldOperands(key, e.Value, operands)
		}
	}
	return d.foldOperands(key, nil, operands)
}

// masked reports whether a flushed range tombstone newer than seq covers
// key within the visible horizon.
func masked(ranges []memtable.RangeTombstone, key []byte, seq, visibleSeq types.SequenceNumber) bool {
	for _, rt := range ranges {
		if rt.Seq > visibleSeq || rt.Seq <= seq {
			continue
		}
		if bytes.Compare(rt.Start, key) <= 0 && bytes.Compare(key, rt.End) < 0 {
			return true
		}
	}
	return false
}

// foldOperands finishes a read: plain hit, plain miss, or a merge fold over
// the collected operands. Operands were gathered newest first.
func (d *DB) foldOperands(key []byte, base types.Value, operands [][]byte) (types.Value, error) {
	if len(operands) == 0 {
		if base == nil {
			return nil, dberrors.ErrNotFound
		}
		return base, nil
	}
	for i, j := 0, len(operands)-1; i < j; i, j = i+1, j-1 {
		operands[i], operands[j] = operands[j], operands[i]
	}
	merged, err := d.merger.Merge(key, base, operands)
	if err != nil {
		return nil, fmt.Errorf("db: merge read %q: %w", key, err)
	}
	return merged, nil
}

// Snapshot pins a read horizon. Live snapshots keep compaction from
// collapsing the versions they can still observe.
type Snapshot struct {
	seq types.SequenceNumber
	db  *DB
}

func (d *DB) NewSnapshot() *Snapshot {
	s := &Snapshot{seq: d.VisibleSequence(), db: d}
	d.snapMu.Lock()
	d.snaps[s] = struct{}{}
	d.snapMu.Unlock()
	return s
}

func (s *Snapshot) Sequence() types.SequenceNumber { return s.seq }

func (s *Snapshot) Release() {
	s.db.snapMu.Lock()
	delete(s.db.snaps, s)
	s.db.snapMu.Unlock()
}

func (d *DB) liveSnapshots() []types.SequenceNumber {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	seqs := make([]types.SequenceNumber, 0, len(d.snaps))
	for s := range d.snaps {
		seqs = append(seqs, s.seq)
	}
	return seqs
}
