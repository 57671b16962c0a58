package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"commitdb/pkg/batch"
	"commitdb/pkg/config"
	"commitdb/pkg/types"
)

type sortedMap = skipmap.FuncMap[[]byte, Item]

func newSortedMap() *sortedMap {
	return skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// RangeTombstone deletes every key in [Start, End) at sequences up to Seq.
type RangeTombstone struct {
	Start, End types.Key
	Seq        types.SequenceNumber
}

// Memtable is the in-memory sorted write buffer. The underlying skipmap
// supports concurrent insertion of non-overlapping keys, which is what the
// parallel apply path of the commit pipeline relies on.
type Memtable struct {
	cfg  *config.MemtableConfig
	size atomic.Int64

	underlying atomic.Pointer[sortedMap]

	// Range tombstones are rare; a flat slice under a mutex is enough.
	rtMu sync.Mutex
	rts  []RangeTombstone

	// Rotated tables stay readable here until the flusher releases them.
	immMu sync.Mutex
	imms  []*FlushTask

	flushChan chan *FlushTask
}

// FlushTask carries a rotated immutable table to the background flusher.
type FlushTask struct {
	Table  *sortedMap
	Ranges []RangeTombstone
	Bytes  int64
}

func New(cfg config.MemtableConfig) *Memtable {
	mt := Memtable{
		cfg:       &cfg,
		flushChan: make(chan *FlushTask, cfg.FlushChanBuffSize),
	}
	mt.underlying.Store(newSortedMap())
	return &mt
}

// Lookup returns the newest item for key visible at visibleSeq, including
// tombstones: a covering range tombstone or point delete comes back as a
// delete-kind item so the caller stops searching older data. Rotated tables
// awaiting flush are still consulted.
func (mt *Memtable) Lookup(k types.Key, visibleSeq types.SequenceNumber) (Item, bool) {
	it, ok := mt.underlying.Load().Load(k)
	if ok && it.Seq > visibleSeq {
		ok = false
	}

	mt.immMu.Lock()
	if !ok {
		for i := len(mt.imms) - 1; i >= 0; i-- {
			if old, found := mt.imms[i].Table.Load(k); found && old.Seq <= visibleSeq {
				it, ok = old, true
				break
			}
		}
	}
	shadow := func(rts []RangeTombstone) {
		for _, rt := range rts {
			if rt.Seq > visibleSeq {
				continue
			}
			if bytes.Compare(rt.Start, k) <= 0 && bytes.Compare(k, rt.End) < 0 {
				if !ok || rt.Seq > it.Seq {
					it = Item{Seq: rt.Seq, Kind: batch.KindDelete}
					ok = true
				}
			}
		}
	}
	for _, imm := range mt.imms {
		shadow(imm.Ranges)
	}
	mt.immMu.Unlock()

	mt.rtMu.Lock()
	shadow(mt.rts)
	mt.rtMu.Unlock()

	return it, ok
}

// Get returns the newest visible value for key. Tombstoned keys read as
// absent.
func (mt *Memtable) Get(k types.Key, visibleSeq types.SequenceNumber) (Item, bool) {
	it, ok := mt.Lookup(k, visibleSeq)
	if !ok || it.Tombstone() {
		return Item{}, false
	}
	return it, true
}

// Upsert stores an item for k, keeping the highest-sequence version when an
// older insert races a newer one (WAL replay and serial apply always run in
// ascending sequence order; the guard matters only across groups).
func (mt *Memtable) Upsert(k types.Key, it Item) {
	m := mt.underlying.Load()
	if old, ok := m.Load(k); ok && old.Seq > it.Seq {
		return
	}
	m.Store(k, it)
	mt.size.Add(int64(len(k)+len(it.Value)) + 16)
}

// ApplyBatch inserts every operation of b starting at seq, advancing the
// sequence by one per operation. It is safe for concurrent use by parallel
// group writers as long as their batches touch disjoint keys.
func (mt *Memtable) ApplyBatch(b *batch.Batch, seq types.SequenceNumber) (types.SequenceNumber, error) {
	err := b.Iterate(func(kind batch.Kind, key, value []byte) error {
		switch kind {
		case batch.KindDeleteRange:
			mt.rtMu.Lock()
			mt.rts = append(mt.rts, RangeTombstone{
				Start: append([]byte(nil), key...),
				End:   append([]byte(nil), value...),
				Seq:   seq,
			})
			mt.rtMu.Unlock()
			mt.size.Add(int64(len(key)+len(value)) + 16)
		default:
			mt.Upsert(append([]byte(nil), key...), Item{
				Value: append([]byte(nil), value...),
				Seq:   seq,
				Kind:  kind,
			})
		}
		seq++
		return nil
	})
	return seq, err
}

// ApproximateSize is a coarse byte estimate of the active table.
func (mt *Memtable) ApproximateSize() int64 {
	return mt.size.Load()
}

// ShouldRotate reports whether the active table crossed the flush threshold.
func (mt *Memtable) ShouldRotate() bool {
	return mt.size.Load() >= int64(mt.cfg.FlushThresholdBytes)
}

// Rotate swaps in a fresh active table and hands the old one to the flusher.
// Only the commit-group leader calls it, between groups, so no writer is
// inserting concurrently.
func (mt *Memtable) Rotate() {
	old := mt.underlying.Swap(newSortedMap())
	n := mt.size.Swap(0)
	mt.rtMu.Lock()
	ranges := mt.rts
	mt.rts = nil
	mt.rtMu.Unlock()

	task := &FlushTask{Table: old, Ranges: ranges, Bytes: n}
	mt.immMu.Lock()
	mt.imms = append(mt.imms, task)
	mt.immMu.Unlock()
	mt.flushChan <- task
}

// Release drops a flushed table from the immutable list. The flusher calls
// it after the data is readable elsewhere.
func (mt *Memtable) Release(task *FlushTask) {
	mt.immMu.Lock()
	for i, imm := range mt.imms {
		if imm == task {
			mt.imms = append(mt.imms[:i], mt.imms[i+1:]...)
			break
		}
	}
	mt.immMu.Unlock()
}

// FlushChan exposes rotated tables to the background flusher.
func (mt *Memtable) FlushChan() chan *FlushTask {
	return mt.flushChan
}

// Range iterates the active table in ascending key order.
func (mt *Memtable) Range(fn func(key types.Key, it Item) bool) {
	mt.underlying.Load().Range(fn)
}

// Len reports the number of point entries in the active table.
func (mt *Memtable) Len() int {
	return mt.underlying.Load().Len()
}

func (mt *Memtable) Close() {
	close(mt.flushChan)
}
