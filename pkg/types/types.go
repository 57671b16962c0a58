package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SequenceNumber establishes the global write order. It is assigned by the
// commit pipeline, is monotonically non-decreasing, and is never reused.
type SequenceNumber = uint64

// MaxSequenceNumber marks a sequence that has not been assigned yet.
const MaxSequenceNumber SequenceNumber = 1<<64 - 1
