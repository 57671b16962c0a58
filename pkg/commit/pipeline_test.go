package commit

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitdb/pkg/batch"
	"commitdb/pkg/dberrors"
	"commitdb/pkg/types"
)

type walRecord struct {
	payload []byte
	seq     types.SequenceNumber
	sync    bool
	logOnly bool
}

// fakeLog records appended payloads. An optional gate blocks the first
// append so the test can stack writers behind the active leader.
type fakeLog struct {
	mu      sync.Mutex
	records []walRecord
	failErr error

	gate    chan struct{}
	entered chan struct{}
	gated   bool
}

func (f *fakeLog) Append(payload []byte, seq types.SequenceNumber, sync, logOnly bool) (int64, error) {
	if f.gate != nil {
		f.mu.Lock()
		first := !f.gated
		f.gated = true
		f.mu.Unlock()
		if first {
			f.entered <- struct{}{}
			<-f.gate
		}
	}
	if f.failErr != nil {
		return 0, f.failErr
	}
	cp := append([]byte(nil), payload...)
	f.mu.Lock()
	f.records = append(f.records, walRecord{payload: cp, seq: seq, sync: sync, logOnly: logOnly})
	f.mu.Unlock()
	return int64(len(payload)), nil
}

type appliedKey struct {
	key string
	seq types.SequenceNumber
}

// fakeMem records every key insertion with its assigned sequence.
type fakeMem struct {
	mu      sync.Mutex
	applied []appliedKey
	failErr error
}

func (f *fakeMem) ApplyBatch(b *batch.Batch, seq types.SequenceNumber) (types.SequenceNumber, error) {
	if f.failErr != nil {
		return seq, f.failErr
	}
	cur := seq
	err := b.Iterate(func(kind batch.Kind, key, value []byte) error {
		f.mu.Lock()
		f.applied = append(f.applied, appliedKey{key: string(key), seq: cur})
		f.mu.Unlock()
		cur++
		return nil
	})
	return cur, err
}

func (f *fakeMem) keys() []appliedKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appliedKey(nil), f.applied...)
}

func newTestPipeline(cfg Config, log *fakeLog, mem *fakeMem, lastSeq types.SequenceNumber) (*Pipeline, *EngineState) {
	state := NewEngineState(lastSeq)
	return NewPipeline(cfg, log, mem, state), state
}

func batchOf(keys ...string) *batch.Batch {
	b := batch.New()
	for _, k := range keys {
		b.Put([]byte(k), []byte("v-"+k))
	}
	return b
}

func TestCommitAssignsContiguousSequences(t *testing.T) {
	log := &fakeLog{}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 4)

	a := NewWriter(batchOf("a"), Options{})
	require.NoError(t, p.Commit(a))
	b := NewWriter(batchOf("b1", "b2"), Options{})
	require.NoError(t, p.Commit(b))

	assert.Equal(t, types.SequenceNumber(5), a.Sequence())
	assert.Equal(t, types.SequenceNumber(6), b.Sequence())
	assert.Equal(t, types.SequenceNumber(7), state.LastSequence.Val())

	keys := mem.keys()
	require.Len(t, keys, 3)
	assert.Equal(t, appliedKey{"a", 5}, keys[0])
	assert.Equal(t, appliedKey{"b1", 6}, keys[1])
	assert.Equal(t, appliedKey{"b2", 7}, keys[2])

	require.Len(t, log.records, 2)
	assert.Equal(t, types.SequenceNumber(5), log.records[0].seq)
	assert.Equal(t, types.SequenceNumber(6), log.records[1].seq)
}

func TestCommitSeqPerBatchMode(t *testing.T) {
	log := &fakeLog{}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{SeqPerBatch: true}, log, mem, 0)

	w := NewWriter(batchOf("x", "y", "z"), Options{})
	require.NoError(t, p.Commit(w))

	assert.Equal(t, types.SequenceNumber(1), w.Sequence())
	assert.Equal(t, types.SequenceNumber(1), state.LastSequence.Val())
}

func TestCommitWALFailurePublishesNothing(t *testing.T) {
	walErr := errors.New("disk full")
	log := &fakeLog{failErr: walErr}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 10)

	w := NewWriter(batchOf("k"), Options{})
	err := p.Commit(w)
	require.ErrorIs(t, err, walErr)

	assert.Equal(t, types.SequenceNumber(10), state.LastSequence.Val())
	assert.Empty(t, mem.keys())
	assert.False(t, w.WALUsed())

	// The failed cycle never advanced the published counter, so the next
	// write reuses the range.
	log.failErr = nil
	w2 := NewWriter(batchOf("k2"), Options{})
	require.NoError(t, p.Commit(w2))
	assert.Equal(t, types.SequenceNumber(11), w2.Sequence())
}

func TestCommitMemtableFailureDegradesEngine(t *testing.T) {
	memErr := errors.New("arena exhausted")
	log := &fakeLog{}
	mem := &fakeMem{failErr: memErr}
	p, state := newTestPipeline(Config{}, log, mem, 0)

	w := NewWriter(batchOf("k"), Options{})
	require.ErrorIs(t, p.Commit(w), memErr)
	assert.Equal(t, types.SequenceNumber(0), state.LastSequence.Val())
	require.ErrorIs(t, p.FatalError(), memErr)

	mem.failErr = nil
	w2 := NewWriter(batchOf("k2"), Options{})
	require.ErrorIs(t, p.Commit(w2), dberrors.ErrEngineDegraded)
}

func TestCommitDisableWALMarksUnpersisted(t *testing.T) {
	log := &fakeLog{}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 0)

	w := NewWriter(batchOf("k"), Options{DisableWAL: true})
	require.NoError(t, p.Commit(w))

	assert.True(t, state.HasUnpersisted.Load())
	assert.Empty(t, log.records)
	assert.False(t, w.WALUsed())
	assert.Equal(t, types.SequenceNumber(1), state.LastSequence.Val())
}

func TestCommitDisableMemtableConsumesNoSlots(t *testing.T) {
	log := &fakeLog{}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 7)

	w := NewWriter(batchOf("only-logged"), Options{DisableMemtable: true})
	require.NoError(t, p.Commit(w))

	assert.Empty(t, mem.keys())
	require.Len(t, log.records, 1)
	assert.True(t, log.records[0].logOnly)
	assert.Equal(t, types.SequenceNumber(7), state.LastSequence.Val())

	// The next write starts from the same range the WAL-only record was
	// logged at, so its record must be distinguishable on replay.
	w2 := NewWriter(batchOf("applied"), Options{})
	require.NoError(t, p.Commit(w2))
	require.Len(t, log.records, 2)
	assert.Equal(t, log.records[0].seq, log.records[1].seq)
	assert.False(t, log.records[1].logOnly)
	assert.Equal(t, types.SequenceNumber(8), state.LastSequence.Val())
}

func TestCommitWALOnlyWriterNeverSharesRecord(t *testing.T) {
	log := &fakeLog{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	mem := &fakeMem{}
	p, _ := newTestPipeline(Config{}, log, mem, 0)

	w1 := NewWriter(batchOf("shadow"), Options{DisableMemtable: true})
	w2 := NewWriter(batchOf("visible"), Options{})
	errs := stackGroup(t, p, log, w1, w2)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Blocker, then one record per writer: the log-only flag applies to a
	// whole record, so the two writers must not merge into one.
	require.Len(t, log.records, 3)
	assert.False(t, log.records[0].logOnly)
	assert.True(t, log.records[1].logOnly)
	assert.False(t, log.records[2].logOnly)
}

func TestCommitEmptyBatchWritesNoRecord(t *testing.T) {
	log := &fakeLog{}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 7)

	w := NewWriter(batch.New(), Options{})
	require.NoError(t, p.Commit(w))

	assert.Empty(t, log.records)
	assert.Empty(t, mem.keys())
	assert.Equal(t, types.SequenceNumber(7), state.LastSequence.Val())
}

type statsCall struct {
	bySelf    bool
	groupSize int
	keys      uint64
	bytes     int64
}

type recordingStats struct {
	mu    sync.Mutex
	calls []statsCall
}

func (s *recordingStats) CommitDone(bySelf bool, groupSize int, keys uint64, bytes int64) {
	s.mu.Lock()
	s.calls = append(s.calls, statsCall{bySelf, groupSize, keys, bytes})
	s.mu.Unlock()
}

type recordingValidator struct {
	err error
}

func (v recordingValidator) Validate() error { return v.err }

type recordingPreRelease struct {
	mu    sync.Mutex
	calls []types.SequenceNumber
	err   error
}

func (c *recordingPreRelease) OnPreRelease(seq types.SequenceNumber, disableMemtable, walUsed bool, indexInGroup, totalInGroup int) error {
	c.mu.Lock()
	c.calls = append(c.calls, seq)
	c.mu.Unlock()
	return c.err
}

type recordingPostMemTable struct {
	mu    sync.Mutex
	calls []types.SequenceNumber
}

func (c *recordingPostMemTable) OnPostMemTable(lastSequence types.SequenceNumber, disableMemtable bool) error {
	c.mu.Lock()
	c.calls = append(c.calls, lastSequence)
	c.mu.Unlock()
	return nil
}

func waitQueueLen(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		got := len(p.writers)
		p.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d writers", n)
}

// stackGroup commits blocker on its own goroutine while its WAL append is
// gated, queues the given writers behind it, then releases the gate. The
// queued writers form the next cycle's group.
func stackGroup(t *testing.T, p *Pipeline, log *fakeLog, writers ...*Writer) []error {
	t.Helper()
	blocker := NewWriter(batchOf("blocker"), Options{})
	blockerDone := make(chan error, 1)
	go func() { blockerDone <- p.Commit(blocker) }()
	<-log.entered

	errs := make([]error, len(writers))
	var wg sync.WaitGroup
	for i, w := range writers {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Commit(w)
		}()
		// Queue order decides sequence assignment, so admit one at a time.
		waitQueueLen(t, p, i+2)
	}
	close(log.gate)

	require.NoError(t, <-blockerDone)
	wg.Wait()
	return errs
}

func TestCommitPreReleaseFailureSkipsOneWriter(t *testing.T) {
	log := &fakeLog{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 0)

	cbErr := errors.New("callback rejected")
	good1 := &recordingPreRelease{}
	bad := &recordingPreRelease{err: cbErr}
	good2 := &recordingPreRelease{}
	post := &recordingPostMemTable{}

	w1 := NewWriter(batchOf("g1"), Options{})
	w1.PreRelease = good1
	w2 := NewWriter(batchOf("b1", "b2"), Options{})
	w2.PreRelease = bad
	w3 := NewWriter(batchOf("g2"), Options{})
	w3.PreRelease = good2
	w3.PostMemTable = post

	errs := stackGroup(t, p, log, w1, w2, w3)
	for _, err := range errs {
		require.ErrorIs(t, err, cbErr)
	}

	// The failed writer's reserved slots stay burned; the survivors land on
	// their precomputed positions and the full range is published.
	assert.Equal(t, []types.SequenceNumber{2}, good1.calls)
	assert.Equal(t, []types.SequenceNumber{3}, bad.calls)
	assert.Equal(t, []types.SequenceNumber{5}, good2.calls)
	assert.Equal(t, types.SequenceNumber(5), state.LastSequence.Val())
	assert.Equal(t, []types.SequenceNumber{5}, post.calls)

	var keys []string
	for _, ak := range mem.keys() {
		keys = append(keys, ak.key)
	}
	assert.NotContains(t, keys, "b1")
	assert.NotContains(t, keys, "b2")
	assert.Contains(t, keys, "g1")
	assert.Contains(t, keys, "g2")
}

func TestCommitValidationFailureExcludesWriter(t *testing.T) {
	log := &fakeLog{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 0)

	valErr := errors.New("stale ingest")
	w1 := NewWriter(batchOf("ok1"), Options{})
	w2 := NewWriter(batchOf("rejected"), Options{})
	w2.Validator = recordingValidator{err: valErr}
	w3 := NewWriter(batchOf("ok2"), Options{})

	errs := stackGroup(t, p, log, w1, w2, w3)
	require.NoError(t, errs[0])
	require.ErrorIs(t, errs[1], valErr)
	require.NoError(t, errs[2])

	// The invalid batch reserves no slots and never reaches the log.
	assert.Equal(t, types.SequenceNumber(2), w1.Sequence())
	assert.Equal(t, types.SequenceNumber(3), w3.Sequence())
	assert.Equal(t, types.SequenceNumber(3), state.LastSequence.Val())
	for _, rec := range log.records {
		b, err := batch.FromContents(rec.payload)
		require.NoError(t, err)
		require.NoError(t, b.Iterate(func(kind batch.Kind, key, value []byte) error {
			assert.NotEqual(t, "rejected", string(key))
			return nil
		}))
	}
}

func TestCommitGroupSharesOneWALRecord(t *testing.T) {
	log := &fakeLog{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	mem := &fakeMem{}
	p, _ := newTestPipeline(Config{}, log, mem, 0)

	w1 := NewWriter(batchOf("m1"), Options{})
	w2 := NewWriter(batchOf("m2"), Options{})
	w3 := NewWriter(batchOf("m3"), Options{})
	errs := stackGroup(t, p, log, w1, w2, w3)
	for _, err := range errs {
		require.NoError(t, err)
	}

	// One record for the blocker, one merged record for the group of three.
	require.Len(t, log.records, 2)
	merged, err := batch.FromContents(log.records[1].payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), merged.Count())
	assert.Equal(t, types.SequenceNumber(2), log.records[1].seq)
}

func TestCommitConcurrentWritersPublishEveryKey(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", parallel), func(t *testing.T) {
			log := &fakeLog{}
			mem := &fakeMem{}
			p, state := newTestPipeline(Config{AllowConcurrentWrites: parallel}, log, mem, 0)

			const writers = 16
			const keysPerWriter = 4
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					keys := make([]string, keysPerWriter)
					for j := range keys {
						keys[j] = fmt.Sprintf("w%02d-k%d", i, j)
					}
					w := NewWriter(batchOf(keys...), Options{})
					assert.NoError(t, p.Commit(w))
				}()
			}
			wg.Wait()

			assert.Equal(t, types.SequenceNumber(writers*keysPerWriter), state.LastSequence.Val())
			applied := mem.keys()
			require.Len(t, applied, writers*keysPerWriter)
			seen := make(map[types.SequenceNumber]string, len(applied))
			for _, ak := range applied {
				prev, dup := seen[ak.seq]
				require.False(t, dup, "sequence %d assigned to both %s and %s", ak.seq, prev, ak.key)
				seen[ak.seq] = ak.key
			}
		})
	}
}

func TestCommitParallelGroupReportsKeysOnce(t *testing.T) {
	log := &fakeLog{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	mem := &fakeMem{}
	p, _ := newTestPipeline(Config{AllowConcurrentWrites: true}, log, mem, 0)
	stats := &recordingStats{}
	p.SetStats(stats)

	w1 := NewWriter(batchOf("p1a", "p1b"), Options{})
	w2 := NewWriter(batchOf("p2"), Options{})
	w3 := NewWriter(batchOf("p3a", "p3b", "p3c"), Options{})
	wantBytes := batchOf("blocker").ByteSize() +
		w1.Batch.ByteSize() + w2.Batch.ByteSize() + w3.Batch.ByteSize()

	errs := stackGroup(t, p, log, w1, w2, w3)
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Blocker cycle plus one call per member of the parallel group. Each
	// key and byte is attributed to exactly one call.
	stats.mu.Lock()
	defer stats.mu.Unlock()
	require.Len(t, stats.calls, 4)
	var keys uint64
	var bytes int64
	leaders := 0
	for _, c := range stats.calls {
		keys += c.keys
		bytes += c.bytes
		if c.bySelf {
			leaders++
		}
	}
	assert.Equal(t, uint64(7), keys)
	assert.Equal(t, wantBytes, bytes)
	assert.Equal(t, 2, leaders)
}

func TestCommitMergeBatchForcesSerialApply(t *testing.T) {
	log := &fakeLog{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{AllowConcurrentWrites: true}, log, mem, 0)

	b := batch.New()
	b.Merge([]byte("counter"), []byte("+1"))
	w1 := NewWriter(b, Options{})
	w2 := NewWriter(batchOf("plain"), Options{})
	errs := stackGroup(t, p, log, w1, w2)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, types.SequenceNumber(3), state.LastSequence.Val())
}

func TestCommitIngestingWriterLeadsAlone(t *testing.T) {
	log := &fakeLog{}
	mem := &fakeMem{}
	p, state := newTestPipeline(Config{}, log, mem, 0)

	w := NewWriter(batchOf("ingest-anchor"), Options{})
	w.IngestCount = 3
	require.NoError(t, p.Commit(w))

	// One slot for the key plus three reserved for the ingested payload.
	assert.Equal(t, types.SequenceNumber(1), w.Sequence())
	assert.Equal(t, types.SequenceNumber(4), state.LastSequence.Val())
}

type recordingTracer struct {
	mu      sync.Mutex
	ordered bool
	batches []*batch.Batch
}

func (tr *recordingTracer) IsWriteOrderPreserved() bool { return tr.ordered }

func (tr *recordingTracer) TraceWrite(b *batch.Batch) error {
	tr.mu.Lock()
	tr.batches = append(tr.batches, b)
	tr.mu.Unlock()
	return nil
}

func (tr *recordingTracer) traced() []*batch.Batch {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]*batch.Batch(nil), tr.batches...)
}

func TestCommitTracesEveryBatch(t *testing.T) {
	for _, ordered := range []bool{true, false} {
		t.Run(fmt.Sprintf("ordered=%v", ordered), func(t *testing.T) {
			log := &fakeLog{}
			mem := &fakeMem{}
			p, _ := newTestPipeline(Config{}, log, mem, 0)
			tr := &recordingTracer{ordered: ordered}
			p.SetTracer(tr)

			b1 := batchOf("a")
			b2 := batchOf("b")
			w1 := NewWriter(b1, Options{})
			w2 := NewWriter(b2, Options{})
			require.NoError(t, p.Commit(w1))
			require.NoError(t, p.Commit(w2))

			traced := tr.traced()
			require.Len(t, traced, 2)
			assert.Same(t, b1, traced[0])
			assert.Same(t, b2, traced[1])
		})
	}
}
