package commit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"commitdb/pkg/batch"
	"commitdb/pkg/clock"
	"commitdb/pkg/dberrors"
	"commitdb/pkg/types"
)

const (
	defaultMaxGroupBytes = 1 << 20
	smallLeaderSlack     = 128 << 10
)

// LogWriter is the durable append contract consumed by the pipeline.
// *wal.WAL satisfies it.
type LogWriter interface {
	Append(payload []byte, seq types.SequenceNumber, sync, logOnly bool) (int64, error)
}

// TableApplier inserts a batch into the in-memory sorted structure at the
// given starting sequence. The implementation must be safe for concurrent
// insertion of disjoint key sets. *memtable.Memtable satisfies it.
type TableApplier interface {
	ApplyBatch(b *batch.Batch, seq types.SequenceNumber) (types.SequenceNumber, error)
}

// StatsCollector receives commit-path observations. Implementations must be
// safe for concurrent use; a nil collector disables reporting.
type StatsCollector interface {
	CommitDone(bySelf bool, groupSize int, keys uint64, bytes int64)
}

// EngineState holds the globally visible counters mutated only inside the
// leader / last-parallel-finisher protocol window.
type EngineState struct {
	// LastSequence is the published sequence: the newest write visible to
	// readers. It advances only after the group's WAL record is durable.
	LastSequence *clock.AtomicClock
	// HasUnpersisted is set when a WAL-disabled write was applied.
	HasUnpersisted atomic.Bool
}

func NewEngineState(lastSeq types.SequenceNumber) *EngineState {
	return &EngineState{LastSequence: clock.NewAtomic(lastSeq)}
}

// Config carries the engine-wide modes of the pipeline.
type Config struct {
	// AllowConcurrentWrites permits the parallel memtable phase for groups
	// of non-merge batches.
	AllowConcurrentWrites bool
	// SeqPerBatch reserves one sequence slot per valid batch instead of one
	// per key.
	SeqPerBatch bool
	// MaxGroupBytes caps a commit group's combined batch size. Zero selects
	// the built-in default.
	MaxGroupBytes int64
}

// Pipeline is the batch group coordinator: it queues writers, elects a
// leader per cycle, drives the WAL append, sequence assignment, callback and
// memtable phases, and publishes the result.
type Pipeline struct {
	cfg    Config
	log    LogWriter
	mem    TableApplier
	state  *EngineState
	tracer Tracer
	stats  StatsCollector

	// preprocess runs in the leader before group formation; the engine uses
	// it for memtable rotation. It may return an error to fail the cycle.
	preprocess func() error

	mu      sync.Mutex
	writers []*Writer // pending queue; index 0 is the writer owning the current cycle

	tmp batch.Batch // leader-only scratch for merged group payloads

	degraded atomic.Bool
	fatalMu  sync.Mutex
	fatalErr error
}

func NewPipeline(cfg Config, log LogWriter, mem TableApplier, state *EngineState) *Pipeline {
	p := &Pipeline{
		cfg:   cfg,
		log:   log,
		mem:   mem,
		state: state,
	}
	p.tmp = *batch.New()
	return p
}

// SetTracer installs the batch tracer invoked per submitted batch.
func (p *Pipeline) SetTracer(t Tracer) { p.tracer = t }

// SetStats installs the commit stats collector.
func (p *Pipeline) SetStats(s StatsCollector) { p.stats = s }

// SetPreprocess installs the leader-side hook run before group formation.
func (p *Pipeline) SetPreprocess(fn func() error) { p.preprocess = fn }

// VisibleSequence is the sequence at which reads should be performed.
func (p *Pipeline) VisibleSequence() types.SequenceNumber {
	return p.state.LastSequence.Val()
}

// FatalError returns the error that degraded the engine, if any.
func (p *Pipeline) FatalError() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

func (p *Pipeline) degrade(err error) {
	p.fatalMu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.fatalMu.Unlock()
	p.degraded.Store(true)
}

// Commit runs w through the protocol and blocks until the write is durable
// per its options and its batch is applied (or the cycle failed). It is the
// sole suspension point for caller threads.
func (p *Pipeline) Commit(w *Writer) error {
	if p.degraded.Load() {
		return dberrors.ErrEngineDegraded
	}
	if p.tracer != nil && !p.tracer.IsWriteOrderPreserved() {
		// Order does not matter, so trace before entering the queue instead
		// of adding latency inside the protocol window.
		_ = p.tracer.TraceWrite(w.Batch)
	}

	p.join(w)

	if w.State() == StateParallelMemTableWriter {
		p.parallelFollower(w)
	}
	if w.State() == StateCompleted {
		return w.FinalStatus()
	}
	return p.leaderCommit(w)
}

// join enqueues w. The caller blocks until it is promoted to leader, woken
// into the parallel phase, or completed by another thread.
func (p *Pipeline) join(w *Writer) {
	p.mu.Lock()
	p.writers = append(p.writers, w)
	if len(p.writers) == 1 {
		w.setState(StateGroupLeader)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	w.await()
}

// formGroup absorbs a maximal contiguous prefix of compatible queued writers
// behind the leader, bounded by the group byte cap.
func (p *Pipeline) formGroup(leader *Writer) *WriteGroup {
	p.mu.Lock()
	defer p.mu.Unlock()

	group := &WriteGroup{
		writers:     []*Writer{leader},
		Size:        leader.Batch.ByteSize(),
		publishable: true,
	}
	leader.group = group

	if leader.IngestCount > 0 {
		// Ingesting writers commit alone so the reserved ingest slots sit at
		// a known offset inside the group range.
		return group
	}

	maxSize := p.cfg.MaxGroupBytes
	if maxSize <= 0 {
		maxSize = defaultMaxGroupBytes
	}
	if group.Size <= smallLeaderSlack {
		// Do not let a large group delay a small leader too much.
		if limit := group.Size + smallLeaderSlack; limit < maxSize {
			maxSize = limit
		}
	}

	for _, fw := range p.writers[1:] {
		if fw.Opts.Sync != leader.Opts.Sync {
			break
		}
		if fw.Opts.DisableWAL != leader.Opts.DisableWAL {
			break
		}
		// A log record is flagged log-only as a whole, so WAL-only writers
		// never share a record with memtable-bound ones.
		if fw.Opts.DisableMemtable != leader.Opts.DisableMemtable {
			break
		}
		if fw.IngestCount > 0 {
			break
		}
		if group.Size+fw.Batch.ByteSize() > maxSize {
			break
		}
		group.Size += fw.Batch.ByteSize()
		fw.group = group
		group.writers = append(group.writers, fw)
	}
	return group
}

func (p *Pipeline) leaderCommit(w *Writer) error {
	var status error
	if p.preprocess != nil {
		status = p.preprocess()
	}

	lastSequence := p.state.LastSequence.Val()
	group := p.formGroup(w)

	var (
		parallel      bool
		preReleaseErr error
		walFailed     bool
	)

	if status == nil {
		parallel = p.cfg.AllowConcurrentWrites && !p.cfg.SeqPerBatch && len(group.writers) > 1

		var (
			totalKeys     uint64
			validBatches  uint64
			totalBytes    int64
			preReleaseCnt int
		)
		for _, wr := range group.writers {
			if wr.Validator != nil {
				if err := wr.Validator.Validate(); err != nil {
					wr.validationErr = err
					continue
				}
			}
			validBatches += wr.BatchCount
			if wr.shouldWriteToMemtable() {
				totalKeys += uint64(wr.Batch.Count())
				totalBytes += wr.Batch.ByteSize()
				if wr.Batch.HasMerge() {
					parallel = false
				}
			}
			if wr.PreRelease != nil {
				preReleaseCnt++
			}
		}

		if p.tracer != nil && p.tracer.IsWriteOrderPreserved() {
			for _, wr := range group.writers {
				if wr.eligible() {
					_ = p.tracer.TraceWrite(wr.Batch)
				}
			}
		}

		// In per-batch mode every valid batch consumes a slot even when it
		// is WAL-only; in per-key mode a slot per key actually applied.
		seqInc := totalKeys
		if p.cfg.SeqPerBatch {
			seqInc = validBatches
		}
		seqInc += w.IngestCount

		if w.Opts.DisableWAL {
			p.state.HasUnpersisted.Store(true)
		} else {
			payload := p.mergeGroupPayload(group)
			if payload != nil {
				if _, err := p.log.Append(payload, lastSequence+1, w.Opts.Sync, w.Opts.DisableMemtable); err != nil {
					status = fmt.Errorf("commit: wal append: %w", err)
					walFailed = true
				} else {
					for _, wr := range group.writers {
						if wr.eligible() {
							wr.walUsed = true
						}
					}
				}
			}
		}

		currentSequence := lastSequence + 1
		lastSequence += seqInc
		group.LastSequence = lastSequence

		if status == nil {
			// The advance rules here must match the replay path: a writer
			// that failed its pre-release callback keeps (and burns) its
			// reserved slots so later writers stay at their precomputed
			// positions.
			nextSequence := currentSequence
			index := 0
			for _, wr := range group.writers {
				if !wr.eligible() {
					continue
				}
				wr.sequence = nextSequence
				if wr.PreRelease != nil {
					err := wr.PreRelease.OnPreRelease(wr.sequence, wr.Opts.DisableMemtable, wr.walUsed, index, preReleaseCnt)
					index++
					if err != nil {
						wr.preReleaseErr = err
						if preReleaseErr == nil {
							preReleaseErr = err
						}
					}
				}
				if p.cfg.SeqPerBatch {
					nextSequence += wr.BatchCount
				} else {
					nextSequence += wr.keyCount()
				}
			}
		}

		if status == nil {
			if parallel {
				group.running.Store(int32(len(group.writers)))
				p.launchParallel(w, group)
				if p.applyAllowed(w) {
					if _, err := p.mem.ApplyBatch(w.Batch, w.sequence); err != nil {
						w.memErr = err
					}
				}
			} else {
				p.applySerial(group)
			}
		}

		if p.stats != nil {
			keys, bytes := totalKeys, totalBytes
			if parallel && status == nil {
				// The followers report their own shares from the parallel
				// phase, so the leader counts only its own batch here.
				keys = uint64(w.Batch.Count())
				bytes = w.Batch.ByteSize()
			}
			p.stats.CommitDone(true, len(group.writers), keys, bytes)
		}
	}

	if walFailed {
		group.err = status
		group.publishable = false
	} else if status != nil {
		group.err = status
		group.publishable = false
	} else if preReleaseErr != nil {
		// Surfaced to every member; the unaffected writers' data was still
		// committed and their range is still published.
		group.err = preReleaseErr
	}

	shouldExit := true
	if parallel && status == nil {
		shouldExit = p.completeParallel(w)
	}
	if shouldExit {
		p.finishGroup(group, !walFailed && status == nil)
	} else {
		w.await()
	}
	return w.FinalStatus()
}

// mergeGroupPayload builds the single WAL payload for the group out of the
// batches that passed validation. Returns nil when nothing is loggable.
func (p *Pipeline) mergeGroupPayload(group *WriteGroup) []byte {
	var first *Writer
	n := 0
	for _, wr := range group.writers {
		if wr.eligible() && !wr.Batch.Empty() {
			if first == nil {
				first = wr
			}
			n++
		}
	}
	switch n {
	case 0:
		// An all-empty group (e.g. a flush marker) has nothing to log.
		return nil
	case 1:
		return first.Batch.Contents()
	}
	p.tmp.Reset()
	for _, wr := range group.writers {
		if wr.eligible() && !wr.Batch.Empty() {
			p.tmp.Append(wr.Batch)
		}
	}
	return p.tmp.Contents()
}

// applyAllowed gates memtable application for one writer: it must have
// survived validation and its pre-release callback, and must not be
// WAL-only.
func (p *Pipeline) applyAllowed(wr *Writer) bool {
	return wr.eligible() && wr.preReleaseErr == nil && wr.shouldWriteToMemtable()
}

// applySerial inserts every eligible batch in group order. The sequences
// were assigned during the callback pass, so each writer lands exactly on
// its reserved range.
func (p *Pipeline) applySerial(group *WriteGroup) {
	for _, wr := range group.writers {
		if !p.applyAllowed(wr) {
			continue
		}
		if _, err := p.mem.ApplyBatch(wr.Batch, wr.sequence); err != nil {
			wr.memErr = err
			return
		}
	}
}

// launchParallel wakes the group's followers into the parallel memtable
// phase. The leader becomes the parallel caller and applies its own batch.
func (p *Pipeline) launchParallel(leader *Writer, group *WriteGroup) {
	leader.setState(StateParallelMemTableCaller)
	for _, wr := range group.writers {
		if wr != leader {
			wr.transition(StateParallelMemTableWriter)
		}
	}
}

// parallelFollower runs on a follower thread woken into the parallel phase:
// apply own batch, then either take over group exit as the last finisher or
// wait to be completed.
func (p *Pipeline) parallelFollower(w *Writer) {
	if p.applyAllowed(w) {
		if _, err := p.mem.ApplyBatch(w.Batch, w.sequence); err != nil {
			w.memErr = err
		}
	}
	if p.stats != nil {
		p.stats.CommitDone(false, 0, uint64(w.Batch.Count()), w.Batch.ByteSize())
	}
	if p.completeParallel(w) {
		p.finishGroup(w.group, true)
	} else {
		w.await()
	}
}

// completeParallel reports whether the calling writer is the last to finish
// the parallel phase and therefore owns group exit.
func (p *Pipeline) completeParallel(w *Writer) bool {
	return w.group.running.Add(-1) == 0
}

// finishGroup performs group-exit bookkeeping: post-memtable callbacks,
// publishing the last sequence (or degrading the engine on memtable
// failure), and releasing the queue.
func (p *Pipeline) finishGroup(group *WriteGroup, walOK bool) {
	if walOK {
		callbacksOK := true
		for _, wr := range group.writers {
			if wr.PostMemTable != nil {
				if err := wr.PostMemTable.OnPostMemTable(group.LastSequence, wr.Opts.DisableMemtable); err != nil {
					callbacksOK = false
				}
			}
		}

		var memErr error
		for _, wr := range group.writers {
			if wr.memErr != nil {
				memErr = wr.memErr
				break
			}
		}
		switch {
		case memErr != nil:
			// Never publish a partial group; the instance needs external
			// recovery before it can accept more commits.
			p.degrade(memErr)
			if group.err == nil {
				group.err = memErr
			}
		case callbacksOK && group.publishable:
			p.state.LastSequence.Ratchet(group.LastSequence)
		}
	}
	p.exitGroup(group)
}

// exitGroup pops the group off the queue, completes every member, and
// promotes the next queued writer to leader.
func (p *Pipeline) exitGroup(group *WriteGroup) {
	p.mu.Lock()
	p.writers = p.writers[len(group.writers):]
	var next *Writer
	if len(p.writers) > 0 {
		next = p.writers[0]
	}
	p.mu.Unlock()

	// The exit owner gets a signal it never reads; the buffered channel
	// absorbs it.
	for _, wr := range group.writers {
		wr.transition(StateCompleted)
	}
	if next != nil {
		next.transition(StateGroupLeader)
	}
}
