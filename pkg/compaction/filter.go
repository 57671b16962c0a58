package compaction

// Decision is a filter's verdict on a key's newest unprotected value.
type Decision int

const (
	// DecisionKeep leaves the entry untouched.
	DecisionKeep Decision = iota
	// DecisionDrop converts the entry into nothing; the key disappears from
	// the output as if deleted.
	DecisionDrop
	// DecisionReplace rewrites the entry's value.
	DecisionReplace
)

// Filter inspects put entries whose sequence is no longer protected by any
// snapshot. It never sees tombstones or merge operands.
type Filter interface {
	Decide(key, value []byte) (Decision, []byte)
}

// MergeOperator folds merge operands into a single value. Operands arrive
// oldest first; base is the underlying put value, or nil when the key has no
// base within the compacted inputs.
type MergeOperator interface {
	Merge(key, base []byte, operands [][]byte) ([]byte, error)
}
