package compaction

import (
	"bytes"
	"container/heap"

	"commitdb/pkg/sstable"
)

// mergeIter multiplexes several table iterators into one stream ordered by
// key ascending, sequence descending. Ties on (key, seq) cannot occur
// because sequences are unique across inputs.
type mergeIter struct {
	h   iterHeap
	cur sstable.Entry
	ok  bool
	err error
}

type iterHeap []*sstable.Iterator

func (h iterHeap) Len() int { return len(h) }

func (h iterHeap) Less(i, j int) bool {
	ei, ej := h[i].Entry(), h[j].Entry()
	if c := bytes.Compare(ei.Key, ej.Key); c != 0 {
		return c < 0
	}
	return ei.Seq > ej.Seq
}

func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iterHeap) Push(x any) { *h = append(*h, x.(*sstable.Iterator)) }

func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func newMergeIter(inputs []*sstable.Reader) (*mergeIter, error) {
	m := &mergeIter{}
	for _, r := range inputs {
		it := r.NewIterator()
		it.First()
		if err := it.Err(); err != nil {
			return nil, err
		}
		if it.Valid() {
			m.h = append(m.h, it)
		}
	}
	heap.Init(&m.h)
	return m, nil
}

// next pops the globally smallest entry. Returns false at stream end or on
// error.
func (m *mergeIter) next() bool {
	m.ok = false
	if m.err != nil || len(m.h) == 0 {
		return false
	}
	top := m.h[0]
	m.cur = top.Entry()
	m.ok = true

	top.Next()
	if err := top.Err(); err != nil {
		m.err = err
		m.ok = false
		return false
	}
	if top.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return true
}
