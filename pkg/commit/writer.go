package commit

import (
	"sync/atomic"

	"commitdb/pkg/batch"
	"commitdb/pkg/types"
)

// State tracks a writer's progress through the commit protocol.
type State uint32

const (
	// StateQueued means the writer sits in the pending queue waiting to be
	// promoted to leader or completed by another thread.
	StateQueued State = iota
	// StateGroupLeader means the writer drives the commit cycle for its group.
	StateGroupLeader
	// StateParallelMemTableCaller is the leader's state while a parallel
	// memtable phase it launched is in flight.
	StateParallelMemTableCaller
	// StateParallelMemTableWriter means the writer applies its own batch
	// concurrently with the rest of its group.
	StateParallelMemTableWriter
	// StateCompleted is terminal; the writer's final status is set.
	StateCompleted
)

// Validator is checked by the group leader before a writer's batch is
// counted into the group. A failure excludes the writer from the WAL payload
// and from memtable application without affecting the rest of the group.
type Validator interface {
	Validate() error
}

// PreReleaseCallback runs once per eligible writer, in group order, after
// the WAL append and before memtable application.
type PreReleaseCallback interface {
	OnPreRelease(seq types.SequenceNumber, disableMemtable, walUsed bool, indexInGroup, totalInGroup int) error
}

// PostMemTableCallback runs once per writer after the memtable phase,
// regardless of the writer's own outcome.
type PostMemTableCallback interface {
	OnPostMemTable(lastSequence types.SequenceNumber, disableMemtable bool) error
}

// Tracer observes submitted batches. When write order must be preserved the
// leader traces group members in group order; otherwise tracing happens at
// submission time.
type Tracer interface {
	IsWriteOrderPreserved() bool
	TraceWrite(b *batch.Batch) error
}

// Options are the per-write options honored by the pipeline.
type Options struct {
	// Sync requires the WAL record to be fsynced before the commit returns.
	Sync bool
	// DisableWAL skips logging entirely; the write is lost on crash.
	DisableWAL bool
	// DisableMemtable logs the batch without applying it (WAL-only
	// submission). In per-key mode such a writer consumes no sequence slots.
	DisableMemtable bool
	// LowPriority subjects the write to the low-priority byte throttle
	// before it joins the queue.
	LowPriority bool
}

// Writer wraps one caller's batch for a trip through the pipeline. The
// submitting goroutine owns it exclusively until the state reaches
// StateCompleted; afterwards it is read-only.
type Writer struct {
	Batch *batch.Batch
	Opts  Options

	// BatchCount is the sub-batch count consumed in per-batch mode.
	BatchCount uint64
	// IngestCount reserves extra sequence slots for a pre-built memtable
	// payload ingested alongside the batch. Ingesting writers lead their own
	// group of one.
	IngestCount uint64

	Validator    Validator
	PreRelease   PreReleaseCallback
	PostMemTable PostMemTableCallback

	state  atomic.Uint32
	signal chan State

	sequence types.SequenceNumber
	walUsed  bool
	group    *WriteGroup

	validationErr error
	preReleaseErr error
	memErr        error
}

// NewWriter wraps b for submission. BatchCount defaults to one sub-batch.
func NewWriter(b *batch.Batch, opts Options) *Writer {
	return &Writer{
		Batch:      b,
		Opts:       opts,
		BatchCount: 1,
		signal:     make(chan State, 2),
		sequence:   types.MaxSequenceNumber,
	}
}

// State returns the writer's current protocol state.
func (w *Writer) State() State {
	return State(w.state.Load())
}

func (w *Writer) setState(s State) {
	w.state.Store(uint32(s))
}

// transition is invoked by another thread (leader or last parallel
// finisher) to move the writer forward and wake its blocked caller. A writer
// is signalled at most twice: once into the parallel phase and once into
// StateCompleted, so the buffered channel never blocks the sender.
func (w *Writer) transition(s State) {
	w.setState(s)
	w.signal <- s
}

func (w *Writer) await() State {
	return <-w.signal
}

// Sequence is the starting sequence assigned to this writer's batch. Valid
// once the writer completed without a group-level failure.
func (w *Writer) Sequence() types.SequenceNumber {
	return w.sequence
}

// WALUsed reports whether the writer's data went into the log.
func (w *Writer) WALUsed() bool {
	return w.walUsed
}

// shouldWriteToMemtable mirrors the option, not the error state: a writer
// that failed its pre-release callback is skipped at apply time but still
// consumes the slots reserved for it.
func (w *Writer) shouldWriteToMemtable() bool {
	return !w.Opts.DisableMemtable
}

// eligible reports whether the writer survived validation.
func (w *Writer) eligible() bool {
	return w.validationErr == nil
}

// keyCount is the number of sequence slots the writer consumes in per-key
// mode.
func (w *Writer) keyCount() uint64 {
	if !w.shouldWriteToMemtable() {
		return 0
	}
	return uint64(w.Batch.Count())
}

// FinalStatus resolves the status visible to the submitting caller. Group
// level failures (WAL IO, pre-release callback) take precedence and are
// surfaced to every member.
func (w *Writer) FinalStatus() error {
	if w.group != nil && w.group.err != nil {
		return w.group.err
	}
	if w.validationErr != nil {
		return w.validationErr
	}
	if w.preReleaseErr != nil {
		return w.preReleaseErr
	}
	return w.memErr
}

// WriteGroup is the transient set of writers committed in one cycle. It is
// built by the leader and discarded at group exit.
type WriteGroup struct {
	writers []*Writer

	// Size is the combined serialized byte size of the member batches.
	Size int64
	// LastSequence is the top of the group's reserved range.
	LastSequence types.SequenceNumber

	// err is the group-level status surfaced to every member.
	err error
	// publishable is cleared when no sequence from this cycle may become
	// visible (WAL failure, memtable failure).
	publishable bool

	running atomic.Int32
}

// Writers exposes the members in group order.
func (g *WriteGroup) Writers() []*Writer {
	return g.writers
}
