package db

import (
	"context"
	"fmt"

	"commitdb/pkg/batch"
	"commitdb/pkg/commit"
	"commitdb/pkg/dberrors"
	"commitdb/pkg/types"
)

// Write commits b through the group-commit pipeline and blocks until the
// write is durable per opts and applied to the memtable.
func (d *DB) Write(ctx context.Context, b *batch.Batch, opts commit.Options) error {
	if b == nil || b.Empty() {
		return fmt.Errorf("%w: empty batch", dberrors.ErrInvalidArgument)
	}
	if opts.Sync && opts.DisableWAL {
		return fmt.Errorf("%w: sync write with WAL disabled", dberrors.ErrInvalidArgument)
	}
	if opts.DisableWAL && opts.DisableMemtable {
		return fmt.Errorf("%w: write targets neither WAL nor memtable", dberrors.ErrInvalidArgument)
	}
	if b.HasMerge() && d.merger == nil {
		return fmt.Errorf("%w: merge writes need a merge operator", dberrors.ErrNotSupported)
	}
	if b.HasDeleteRange() && d.cfg.Commit.SeqPerBatch {
		return fmt.Errorf("%w: range deletes in per-batch sequence mode", dberrors.ErrNotSupported)
	}

	if opts.LowPriority && d.lowPri != nil {
		n := int(b.ByteSize())
		if burst := d.lowPri.Burst(); n > burst {
			n = burst
		}
		if err := d.lowPri.WaitN(ctx, n); err != nil {
			return fmt.Errorf("db: low priority throttle: %w", err)
		}
	}

	w := commit.NewWriter(b, opts)
	if err := d.pipeline.Commit(w); err != nil {
		return err
	}
	if d.stats != nil {
		d.stats.SetPublishedSequence(d.VisibleSequence())
	}
	return nil
}

func (d *DB) defaultWriteOptions() commit.Options {
	return commit.Options{Sync: d.cfg.WAL.SyncOnWrite}
}

func (d *DB) Put(ctx context.Context, key types.Key, value types.Value) error {
	b := batch.New()
	b.Put(key, value)
	return d.Write(ctx, b, d.defaultWriteOptions())
}

func (d *DB) Delete(ctx context.Context, key types.Key) error {
	b := batch.New()
	b.Delete(key)
	return d.Write(ctx, b, d.defaultWriteOptions())
}

func (d *DB) Merge(ctx context.Context, key types.Key, operand types.Value) error {
	b := batch.New()
	b.Merge(key, operand)
	return d.Write(ctx, b, d.defaultWriteOptions())
}

func (d *DB) DeleteRange(ctx context.Context, start, end types.Key) error {
	b := batch.New()
	b.DeleteRange(start, end)
	return d.Write(ctx, b, d.defaultWriteOptions())
}

// Flush hands the active memtable to the background flusher. The rotation
// itself rides through the pipeline so it happens between commit groups.
func (d *DB) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.forceFlush <- struct{}{}:
	default:
	}
	// An empty marker batch gives the rotation request a leader to run on;
	// being empty, it never reaches the journal.
	w := commit.NewWriter(batch.New(), commit.Options{})
	return d.pipeline.Commit(w)
}

// FlushWAL flushes the journal's buffer, fsyncing when sync is set. Only
// meaningful in manual-flush mode.
func (d *DB) FlushWAL(sync bool) error {
	return d.journal.Flush(sync)
}
