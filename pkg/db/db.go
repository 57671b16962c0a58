package db

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"commitdb/pkg/batch"
	"commitdb/pkg/commit"
	"commitdb/pkg/compaction"
	"commitdb/pkg/config"
	"commitdb/pkg/listener"
	"commitdb/pkg/memtable"
	"commitdb/pkg/metrics"
	"commitdb/pkg/sstable"
	"commitdb/pkg/types"
	"commitdb/pkg/wal"
)

// Options carry the optional collaborators of an engine instance.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Merger resolves merge operands at read time and during compaction.
	// Without it merge writes are rejected.
	Merger compaction.MergeOperator
	// Filter is applied to unprotected values during compaction.
	Filter compaction.Filter
}

// DB is a single-process log-structured engine built around a group-commit
// write pipeline.
type DB struct {
	cfg    config.DB
	logger *slog.Logger
	stats  *metrics.Metrics
	merger compaction.MergeOperator
	filter compaction.Filter

	journal  *wal.WAL
	mt       *memtable.Memtable
	state    *commit.EngineState
	pipeline *commit.Pipeline
	flusher  *listener.Listener[*memtable.FlushTask]
	lowPri   *rate.Limiter

	// forceFlush asks the next commit-group leader to rotate the memtable.
	forceFlush chan struct{}

	tableMu sync.RWMutex
	// tables is ordered newest first; reads stop at the first visible hit.
	tables []*sstable.Reader
	// ranges are the flushed range tombstones, consulted on table reads.
	ranges  []memtable.RangeTombstone
	fileSeq int

	snapMu sync.Mutex
	snaps  map[*Snapshot]struct{}

	compactMu  sync.Mutex
	compactGen int
	// resume state of the last failed compaction
	pendingInputs     []*sstable.Reader
	compactCheckpoint []byte
	compactOutputs    []compaction.Output

	closeOnce sync.Once
	closeErr  error
}

// Open recovers the engine from dir's WAL and tables and starts the
// background flusher.
func Open(cfg config.DB, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("db: create data dir: %w", err)
	}

	journal, err := wal.Open(cfg.DataDir, wal.Options{ManualFlush: cfg.WAL.ManualFlush})
	if err != nil {
		return nil, err
	}

	d := &DB{
		cfg:        cfg,
		logger:     opts.Logger,
		stats:      opts.Metrics,
		merger:     opts.Merger,
		filter:     opts.Filter,
		journal:    journal,
		mt:         memtable.New(cfg.Memtable),
		forceFlush: make(chan struct{}, 1),
		snaps:      make(map[*Snapshot]struct{}),
	}
	if cfg.Commit.LowPriBytesPerSec > 0 {
		d.lowPri = rate.NewLimiter(rate.Limit(cfg.Commit.LowPriBytesPerSec), cfg.Commit.LowPriBytesPerSec)
	}

	if err := d.loadTables(); err != nil {
		journal.Close()
		return nil, err
	}

	lastSeq, err := d.replayJournal()
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("db: wal replay: %w", err)
	}
	d.state = commit.NewEngineState(lastSeq)

	d.pipeline = commit.NewPipeline(commit.Config{
		AllowConcurrentWrites: cfg.Commit.AllowConcurrentWrites,
		SeqPerBatch:           cfg.Commit.SeqPerBatch,
		MaxGroupBytes:         cfg.Commit.MaxGroupBytes,
	}, journal, d.mt, d.state)
	d.pipeline.SetPreprocess(d.maybeRotate)
	if d.stats != nil {
		d.pipeline.SetStats(d.stats)
	}

	d.flusher = listener.New(d.mt.FlushChan(), d.flushTask)
	d.flusher.Start(context.Background())

	d.logger.Info("engine opened",
		"data_dir", cfg.DataDir,
		"last_sequence", lastSeq,
		"tables", len(d.tables),
	)
	return d, nil
}

// loadTables opens every *.sst in the data dir, newest first, and rebuilds
// the flushed range-tombstone set.
func (d *DB) loadTables() error {
	entries, err := os.ReadDir(d.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("db: read data dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sst") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		r, err := sstable.Open(filepath.Join(d.cfg.DataDir, name))
		if err != nil {
			d.logger.Error("skipping unreadable table", "file", name, "error", err)
			continue
		}
		d.tables = append(d.tables, r)
		if err := d.collectRanges(r); err != nil {
			return err
		}
		if seq := tableFileSeq(name); seq >= d.fileSeq {
			d.fileSeq = seq + 1
		}
	}
	return nil
}

func tableFileSeq(name string) int {
	var seq int
	if _, err := fmt.Sscanf(name, "%06d.sst", &seq); err != nil {
		return -1
	}
	return seq
}

func (d *DB) collectRanges(r *sstable.Reader) error {
	it := r.NewIterator()
	for it.First(); it.Valid(); it.Next() {
		e := it.Entry()
		if e.Kind == batch.KindDeleteRange {
			d.ranges = append(d.ranges, memtable.RangeTombstone{
				Start: append([]byte(nil), e.Key...),
				End:   append([]byte(nil), e.Value...),
				Seq:   e.Seq,
			})
		}
	}
	return it.Err()
}

// replayJournal reapplies logged batches to the fresh memtable and returns
// the recovered last sequence.
func (d *DB) replayJournal() (types.SequenceNumber, error) {
	var last types.SequenceNumber
	err := d.journal.Replay(func(seq types.SequenceNumber, payload []byte, logOnly bool) error {
		if logOnly {
			// Durable for the caller's sake only; reapplying it would make
			// a write visible that the live path never applied.
			return nil
		}
		b, err := batch.FromContents(payload)
		if err != nil {
			return err
		}
		end, err := d.mt.ApplyBatch(b, seq)
		if err != nil {
			return err
		}
		if end > 0 && end-1 > last {
			last = end - 1
		}
		return nil
	})
	return last, err
}

// maybeRotate runs inside the commit-group leader, between groups, where no
// writer is inserting.
func (d *DB) maybeRotate() error {
	force := false
	select {
	case <-d.forceFlush:
		force = true
	default:
	}
	if !force && !d.mt.ShouldRotate() {
		return nil
	}
	if d.mt.Len() == 0 && d.mt.ApproximateSize() == 0 {
		return nil
	}
	d.mt.Rotate()
	return nil
}

// flushTask writes one rotated memtable to a fresh table file. It runs on
// the flusher goroutine.
func (d *DB) flushTask(task *memtable.FlushTask) error {
	d.tableMu.Lock()
	seq := d.fileSeq
	d.fileSeq++
	d.tableMu.Unlock()

	path := filepath.Join(d.cfg.DataDir, fmt.Sprintf("%06d.sst", seq))
	w, err := sstable.Create(path, 0)
	if err != nil {
		return err
	}

	// Interleave flushed range tombstones by start key so the output stays
	// sorted.
	ranges := append([]memtable.RangeTombstone(nil), task.Ranges...)
	sort.Slice(ranges, func(i, j int) bool {
		return bytes.Compare(ranges[i].Start, ranges[j].Start) < 0
	})
	ri := 0
	emitRange := func() error {
		err := w.Add(sstable.Entry{
			Key:   ranges[ri].Start,
			Value: ranges[ri].End,
			Seq:   ranges[ri].Seq,
			Kind:  batch.KindDeleteRange,
		})
		ri++
		return err
	}
	// Equal keys must stay in descending sequence order for reads.
	emitRangesBefore := func(key []byte, seq types.SequenceNumber) error {
		for ri < len(ranges) {
			cmp := -1
			if key != nil {
				cmp = bytes.Compare(ranges[ri].Start, key)
			}
			if cmp > 0 || (cmp == 0 && ranges[ri].Seq < seq) {
				return nil
			}
			if err := emitRange(); err != nil {
				return err
			}
		}
		return nil
	}
	emitRangesAt := func(key []byte) error {
		for ri < len(ranges) && bytes.Equal(ranges[ri].Start, key) {
			if err := emitRange(); err != nil {
				return err
			}
		}
		return nil
	}

	var addErr error
	task.Table.Range(func(key []byte, it memtable.Item) bool {
		if addErr = emitRangesBefore(key, it.Seq); addErr != nil {
			return false
		}
		if addErr = w.Add(sstable.Entry{Key: key, Value: it.Value, Seq: it.Seq, Kind: it.Kind}); addErr != nil {
			return false
		}
		addErr = emitRangesAt(key)
		return addErr == nil
	})
	if addErr == nil {
		addErr = emitRangesBefore(nil, 0)
	}
	if addErr != nil {
		if aerr := w.Abort(); aerr != nil {
			d.logger.Error("failed to drop partial table", "error", aerr)
		}
		return fmt.Errorf("db: flush table: %w", addErr)
	}

	meta, err := w.Finish()
	if err != nil {
		return fmt.Errorf("db: finish table: %w", err)
	}

	r, err := sstable.Open(path)
	if err != nil {
		return fmt.Errorf("db: reopen table: %w", err)
	}
	d.tableMu.Lock()
	d.tables = append([]*sstable.Reader{r}, d.tables...)
	d.ranges = append(d.ranges, task.Ranges...)
	d.tableMu.Unlock()

	// The data is readable from the table now; drop the immutable memtable.
	d.mt.Release(task)

	if d.stats != nil {
		d.stats.FlushDone(task.Bytes)
	}
	d.logger.Info("memtable flushed",
		"file", filepath.Base(path),
		"entries", meta.NumEntries,
		"bytes", meta.FileSize,
	)
	return nil
}

// VisibleSequence is the newest sequence readers observe.
func (d *DB) VisibleSequence() types.SequenceNumber {
	return d.pipeline.VisibleSequence()
}

// TableCount reports the number of live sstables.
func (d *DB) TableCount() int {
	d.tableMu.RLock()
	defer d.tableMu.RUnlock()
	return len(d.tables)
}

// MemtableBytes reports the approximate size of the active memtable.
func (d *DB) MemtableBytes() int64 {
	return d.mt.ApproximateSize()
}

// FatalError reports the error that degraded the engine, if any.
func (d *DB) FatalError() error {
	return d.pipeline.FatalError()
}

// Close stops the flusher and releases the journal and tables. Safe to call
// more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		var errs *multierror.Error

		d.flusher.Stop()
		d.mt.Close()
		if err := d.journal.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		d.tableMu.Lock()
		for _, t := range d.tables {
			if err := t.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		d.tables = nil
		d.tableMu.Unlock()

		d.closeErr = errs.ErrorOrNil()
		d.logger.Info("engine closed")
	})
	return d.closeErr
}
