package memtable

import (
	"commitdb/pkg/batch"
	"commitdb/pkg/types"
)

// Item is the stored record for a key: the value (or merge operand, or range
// end for a range tombstone), the mutation kind, and the sequence assigned by
// the commit pipeline.
type Item struct {
	Value types.Value
	Seq   types.SequenceNumber
	Kind  batch.Kind
}

// Tombstone reports whether the item hides the key from reads.
func (it Item) Tombstone() bool {
	return it.Kind == batch.KindDelete
}
