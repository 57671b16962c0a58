package db

import (
	"context"
	"fmt"
	"os"

	"commitdb/pkg/compaction"
	"commitdb/pkg/sstable"
)

// Compact merges every table that existed when compaction began into a
// fresh bottommost run. A failed or cancelled run keeps its finished
// outputs; calling Compact again resumes after the recorded checkpoint over
// the same inputs.
func (d *DB) Compact(ctx context.Context) error {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()

	inputs := d.compactInputs()
	if len(inputs) == 0 {
		return nil
	}

	gen := d.compactGen
	d.compactGen++

	c := compaction.New(inputs, compaction.Options{
		OutputDir:           d.cfg.DataDir,
		FileBase:            fmt.Sprintf("c%04d", gen),
		TargetFileSizeBytes: d.cfg.Compaction.TargetFileSizeBytes,
		Snapshots:           d.liveSnapshots(),
		Bottommost:          true,
		Filter:              d.filter,
		Merger:              d.merger,
		Checkpoint:          d.compactCheckpoint,
	}, d.logger)

	res, err := c.Run(ctx)
	if err != nil {
		d.compactCheckpoint = res.Checkpoint
		d.compactOutputs = append(d.compactOutputs, res.Outputs...)
		if d.stats != nil {
			d.stats.CompactionDone(res.State.String(), len(res.Outputs))
		}
		d.logger.Error("compaction failed",
			"error", err,
			"preserved_outputs", len(d.compactOutputs),
			"checkpoint", string(res.Checkpoint),
		)
		return err
	}

	outputs := append(d.compactOutputs, res.Outputs...)
	if err := d.installOutputs(inputs, outputs); err != nil {
		return err
	}

	d.pendingInputs = nil
	d.compactOutputs = nil
	d.compactCheckpoint = nil
	if d.stats != nil {
		d.stats.CompactionDone(res.State.String(), len(res.Outputs))
	}
	return nil
}

// compactInputs pins the input set: the first attempt takes the current
// table list, retries reuse it so checkpoint-skipped keys are never taken
// from a table the failed run did not see.
func (d *DB) compactInputs() []*sstable.Reader {
	if d.pendingInputs != nil {
		return d.pendingInputs
	}
	d.tableMu.RLock()
	inputs := append([]*sstable.Reader(nil), d.tables...)
	d.tableMu.RUnlock()
	d.pendingInputs = inputs
	return inputs
}

// installOutputs swaps the compacted inputs for the outputs, keeping any
// table flushed since the run started, and rebuilds the flushed
// range-tombstone set.
func (d *DB) installOutputs(inputs []*sstable.Reader, outputs []compaction.Output) error {
	replaced := make(map[*sstable.Reader]bool, len(inputs))
	for _, in := range inputs {
		replaced[in] = true
	}

	readers := make([]*sstable.Reader, 0, len(outputs))
	for _, out := range outputs {
		r, err := sstable.Open(out.Path)
		if err != nil {
			return fmt.Errorf("db: open compaction output: %w", err)
		}
		readers = append(readers, r)
	}

	d.tableMu.Lock()
	var next []*sstable.Reader
	for _, t := range d.tables {
		if !replaced[t] {
			next = append(next, t)
		}
	}
	next = append(next, readers...)
	d.tables = next

	d.ranges = nil
	var rangeErr error
	for _, t := range d.tables {
		if err := d.collectRanges(t); err != nil && rangeErr == nil {
			rangeErr = err
		}
	}
	d.tableMu.Unlock()
	if rangeErr != nil {
		return rangeErr
	}

	for _, in := range inputs {
		path := in.Path()
		if err := in.Close(); err != nil {
			d.logger.Error("failed to close compacted table", "file", path, "error", err)
		}
		if err := os.Remove(path); err != nil {
			d.logger.Error("failed to remove compacted table", "file", path, "error", err)
		}
	}

	d.logger.Info("compaction installed",
		"inputs", len(inputs),
		"outputs", len(outputs),
	)
	return nil
}
