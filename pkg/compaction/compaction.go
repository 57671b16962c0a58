package compaction

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"commitdb/pkg/batch"
	"commitdb/pkg/sstable"
	"commitdb/pkg/types"
)

// State is the terminal state of a compaction run.
type State int

const (
	StateCompleted State = iota
	// StateFailed means the run stopped early; every output finished before
	// the failure is preserved and the checkpoint names the last fully
	// processed key.
	StateFailed
)

func (s State) String() string {
	if s == StateCompleted {
		return "completed"
	}
	return "failed"
}

// Output is one finished table produced by a run.
type Output struct {
	Path string
	Meta sstable.Meta
}

// Result reports what a run produced, including partial progress on
// failure.
type Result struct {
	State      State
	Outputs    []Output
	Checkpoint []byte
	Err        error
}

// Options configure a run.
type Options struct {
	OutputDir string
	// FileBase prefixes output file names.
	FileBase string
	// TargetFileSizeBytes rotates the output when reached. Rotation happens
	// only at key boundaries so one key's versions never split across
	// outputs.
	TargetFileSizeBytes int64
	BlockSize           int
	// Snapshots are the live read snapshots, ascending. A version is
	// collapsible only when no snapshot separates it from a newer version of
	// the same key.
	Snapshots []types.SequenceNumber
	// Bottommost permits dropping tombstones that no snapshot protects.
	Bottommost bool
	Filter     Filter
	Merger     MergeOperator
	// Checkpoint resumes a failed run: keys at or before it are skipped.
	Checkpoint []byte
}

// Compaction merges the input tables into a filtered, deduplicated run of
// outputs.
type Compaction struct {
	opts   Options
	inputs []*sstable.Reader
	logger *slog.Logger
}

func New(inputs []*sstable.Reader, opts Options, logger *slog.Logger) *Compaction {
	if opts.FileBase == "" {
		opts.FileBase = "compact"
	}
	if logger == nil {
		logger = slog.Default()
	}
	sort.Slice(opts.Snapshots, func(i, j int) bool { return opts.Snapshots[i] < opts.Snapshots[j] })
	return &Compaction{opts: opts, inputs: inputs, logger: logger}
}

// stripeOf buckets a sequence by the snapshots: versions in the same bucket
// hide each other, buckets are separated by a live snapshot. Bucket zero is
// the unprotected region at or below the earliest snapshot.
func (c *Compaction) stripeOf(seq types.SequenceNumber) int {
	return sort.Search(len(c.opts.Snapshots), func(i int) bool {
		return c.opts.Snapshots[i] >= seq
	})
}

func (c *Compaction) unprotected(seq types.SequenceNumber) bool {
	return len(c.opts.Snapshots) == 0 || seq <= c.opts.Snapshots[0]
}

type run struct {
	c       *Compaction
	writer  *sstable.Writer
	outputs []Output
	fileSeq int

	curKey     []byte
	lastStripe int
	checkpoint []byte
}

// Run drives the record stream to completion or first failure. On failure
// the returned error matches Result.Err and the partial Result is still
// meaningful.
func (c *Compaction) Run(ctx context.Context) (Result, error) {
	mi, err := newMergeIter(c.inputs)
	if err != nil {
		return Result{State: StateFailed, Err: err}, err
	}

	r := &run{c: c, lastStripe: -1, checkpoint: append([]byte(nil), c.opts.Checkpoint...)}

	var pending []sstable.Entry // versions of curKey not yet emitted (merge run)
	fail := func(err error) (Result, error) {
		// The in-progress output may hold a partially processed key; drop it
		// so a resumed run can reprocess from the last finished output.
		if r.writer != nil {
			if aerr := r.writer.Abort(); aerr != nil {
				c.logger.Error("failed to drop partial output", "error", aerr)
			}
			r.writer = nil
		}
		cp := append([]byte(nil), c.opts.Checkpoint...)
		if n := len(r.outputs); n > 0 {
			cp = append([]byte(nil), r.outputs[n-1].Meta.LargestKey...)
		}
		res := Result{State: StateFailed, Outputs: r.outputs, Checkpoint: cp, Err: err}
		return res, err
	}

	for mi.next() {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		e := mi.cur

		if c.opts.Checkpoint != nil && bytes.Compare(e.Key, c.opts.Checkpoint) <= 0 {
			continue
		}

		if !bytes.Equal(e.Key, r.curKey) {
			if err := r.flushPending(&pending); err != nil {
				return fail(err)
			}
			if err := r.keyBoundary(e.Key); err != nil {
				return fail(err)
			}
		}

		keep, err := r.process(e, &pending)
		if err != nil {
			return fail(err)
		}
		if keep {
			if err := r.emit(e); err != nil {
				return fail(err)
			}
		}
	}
	if err := mi.err; err != nil {
		return fail(err)
	}
	if err := r.flushPending(&pending); err != nil {
		return fail(err)
	}
	if len(r.curKey) > 0 {
		r.checkpoint = append(r.checkpoint[:0], r.curKey...)
	}
	if err := r.finishOutput(); err != nil {
		return fail(err)
	}

	res := Result{State: StateCompleted, Outputs: r.outputs, Checkpoint: r.checkpoint}
	c.logger.Info("compaction completed",
		"outputs", len(res.Outputs),
		"inputs", len(c.inputs),
	)
	return res, nil
}

// keyBoundary records the finished key as the checkpoint and rotates the
// output if it grew past the target.
func (r *run) keyBoundary(next []byte) error {
	if len(r.curKey) > 0 {
		r.checkpoint = append(r.checkpoint[:0], r.curKey...)
	}
	r.curKey = append(r.curKey[:0], next...)
	r.lastStripe = -1

	if r.writer != nil && r.c.opts.TargetFileSizeBytes > 0 &&
		r.writer.EstimatedSize() >= r.c.opts.TargetFileSizeBytes {
		return r.finishOutput()
	}
	return nil
}

// process decides one version's fate. Versions arrive newest first; a
// version is hidden when a newer one exists in the same snapshot stripe.
// Merge operands are parked in pending until their base is known.
func (r *run) process(e sstable.Entry, pending *[]sstable.Entry) (bool, error) {
	stripe := r.c.stripeOf(e.Seq)
	newest := stripe != r.lastStripe
	hadNewer := r.lastStripe >= 0
	r.lastStripe = stripe

	if e.Kind == batch.KindMerge && r.c.opts.Merger != nil {
		if len(*pending) > 0 && newest {
			// A snapshot separates the parked operands from this one; fold
			// them so each stripe keeps its own visible result.
			if err := r.flushPending(pending); err != nil {
				return false, err
			}
		}
		if len(*pending) == 0 && hadNewer && !newest {
			// Overwritten by a newer point version in the same stripe.
			return false, nil
		}
		*pending = append(*pending, e)
		return false, nil
	}

	if len(*pending) > 0 {
		if e.Kind == batch.KindPut && !newest {
			// This put is the base of the parked run and is consumed by it.
			return false, r.foldPending(pending, e.Value)
		}
		if err := r.flushPending(pending); err != nil {
			return false, err
		}
	}

	if e.Kind == batch.KindDeleteRange {
		// Range tombstones pass through untouched; their spans are resolved
		// at read time.
		return true, nil
	}

	if !newest {
		return false, nil
	}

	switch e.Kind {
	case batch.KindDelete:
		if r.c.opts.Bottommost && r.c.unprotected(e.Seq) {
			// Nothing below this level can resurrect the key.
			return false, nil
		}
		return true, nil

	case batch.KindPut:
		if !hadNewer && r.c.opts.Filter != nil && r.c.unprotected(e.Seq) {
			switch decision, newValue := r.c.opts.Filter.Decide(e.Key, e.Value); decision {
			case DecisionDrop:
				if r.c.opts.Bottommost {
					return false, nil
				}
				// Keep masking older versions in lower levels.
				e.Value = nil
				e.Kind = batch.KindDelete
				return false, r.emit(e)
			case DecisionReplace:
				e.Value = newValue
				return false, r.emit(e)
			}
		}
		return true, nil
	}
	return true, nil
}

// flushPending folds a merge run that ended without a base under it.
func (r *run) flushPending(pending *[]sstable.Entry) error {
	if len(*pending) == 0 {
		return nil
	}
	return r.foldPending(pending, nil)
}

func (r *run) foldPending(pending *[]sstable.Entry, base []byte) error {
	run := *pending
	*pending = run[:0]

	// Operands were collected newest first; the operator wants them oldest
	// first.
	operands := make([][]byte, 0, len(run))
	for i := len(run) - 1; i >= 0; i-- {
		operands = append(operands, run[i].Value)
	}
	merged, err := r.c.opts.Merger.Merge(run[0].Key, base, operands)
	if err != nil {
		return fmt.Errorf("compaction: merge %q: %w", run[0].Key, err)
	}
	return r.emit(sstable.Entry{
		Key:   run[0].Key,
		Value: merged,
		Seq:   run[0].Seq,
		Kind:  batch.KindPut,
	})
}

func (r *run) emit(e sstable.Entry) error {
	if r.writer == nil {
		path := filepath.Join(r.c.opts.OutputDir,
			fmt.Sprintf("%s-%06d.sst", r.c.opts.FileBase, r.fileSeq))
		r.fileSeq++
		w, err := sstable.Create(path, r.c.opts.BlockSize)
		if err != nil {
			return err
		}
		r.writer = w
	}
	return r.writer.Add(e)
}

func (r *run) finishOutput() error {
	if r.writer == nil {
		return nil
	}
	w := r.writer
	r.writer = nil
	meta, err := w.Finish()
	if err != nil {
		return err
	}
	r.outputs = append(r.outputs, Output{
		Path: filepath.Join(r.c.opts.OutputDir,
			fmt.Sprintf("%s-%06d.sst", r.c.opts.FileBase, r.fileSeq-1)),
		Meta: meta,
	})
	return nil
}
