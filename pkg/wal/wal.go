package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"commitdb/pkg/types"
)

const (
	fileName  = "wal.log"
	headerLen = 17 // length(4) + checksum(4) + startingSequence(8) + flags(1)
)

// Record flags. A log-only record was made durable without ever touching
// the memtable, so recovery must not reapply it.
const flagLogOnly = 1 << 0

var (
	ErrChecksum = errors.New("wal: record checksum mismatch")
	ErrClosed   = errors.New("wal: closed")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Options control append behaviour.
type Options struct {
	// ManualFlush defers fsync to explicit Flush calls. Appends then take an
	// internal mutex because the application may request a flush concurrently
	// with a leader's append; otherwise the commit pipeline already
	// serializes callers and no locking is needed.
	ManualFlush bool
}

// WAL is the append-only write-ahead log. One record holds the serialized
// batch of a whole commit group (or of a single WAL-only writer) together
// with the group's starting sequence number.
type WAL struct {
	opts     Options
	filePath string

	writeMu sync.Mutex // guards writer in manual-flush mode
	file    *os.File
	writer  *bufio.Writer

	fileSize   atomic.Int64
	totalBytes atomic.Int64
	unsynced   atomic.Bool
	closed     atomic.Bool
}

// Open creates the log directory if needed and opens the log for appending.
func Open(dir string, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("wal: empty dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: stat file: %w", err)
	}

	w := &WAL{
		opts:     opts,
		filePath: filePath,
		file:     file,
		writer:   bufio.NewWriter(file),
	}
	w.fileSize.Store(info.Size())
	return w, nil
}

// Append durably writes one log record and returns the number of record
// bytes written. When sync is requested the record is fsynced before
// returning. logOnly marks records whose batch never reached the memtable
// and must be skipped on replay. On IO failure the segment is marked
// unsynced and no sequence number from the attempt may be published by the
// caller.
func (w *WAL) Append(payload []byte, seq types.SequenceNumber, sync, logOnly bool) (int64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}

	var header [headerLen]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], seq)
	if logOnly {
		header[16] = flagLogOnly
	}
	crc := crc32.Checksum(header[8:17], castagnoli)
	crc = crc32.Update(crc, castagnoli, payload)
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if w.opts.ManualFlush {
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
	}

	if _, err := w.writer.Write(header[:]); err != nil {
		w.markNotSynced(err)
		return 0, fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		w.markNotSynced(err)
		return 0, fmt.Errorf("wal: write payload: %w", err)
	}
	if !w.opts.ManualFlush || sync {
		if err := w.writer.Flush(); err != nil {
			w.markNotSynced(err)
			return 0, fmt.Errorf("wal: flush: %w", err)
		}
	}
	if sync {
		if err := w.file.Sync(); err != nil {
			w.markNotSynced(err)
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	}

	n := int64(headerLen + len(payload))
	w.fileSize.Add(n)
	w.totalBytes.Add(n)
	return n, nil
}

func (w *WAL) markNotSynced(err error) {
	w.unsynced.Store(true)
	slog.Error("wal append failed, segment marked unsynced", "path", w.filePath, "error", err)
}

// Flush drains buffered records to the OS and, when sync is set, fsyncs.
// Used with manual-flush mode.
func (w *WAL) Flush(sync bool) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.writer.Flush(); err != nil {
		w.markNotSynced(err)
		return fmt.Errorf("wal: flush: %w", err)
	}
	if sync {
		if err := w.file.Sync(); err != nil {
			w.markNotSynced(err)
			return fmt.Errorf("wal: sync: %w", err)
		}
	}
	w.unsynced.Store(false)
	return nil
}

// Size reports the current log file size including buffered bytes.
func (w *WAL) Size() int64 {
	return w.fileSize.Load()
}

// TotalBytes reports cumulative bytes appended over the WAL's lifetime.
func (w *WAL) TotalBytes() int64 {
	return w.totalBytes.Load()
}

// Unsynced reports whether a previous append or sync failed, leaving the
// segment in an unknown durability state.
func (w *WAL) Unsynced() bool {
	return w.unsynced.Load()
}

// Replay reads the log from the beginning and invokes fn for every intact
// record. A truncated record at the tail ends replay cleanly; a checksum
// mismatch is reported as corruption.
func (w *WAL) Replay(fn func(seq types.SequenceNumber, payload []byte, logOnly bool) error) error {
	w.writeMu.Lock()
	if err := w.writer.Flush(); err != nil {
		w.writeMu.Unlock()
		return fmt.Errorf("wal: flush before replay: %w", err)
	}
	w.writeMu.Unlock()

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var header [headerLen]byte
	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("wal: read header: %w", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		seq := binary.LittleEndian.Uint64(header[8:16])
		logOnly := header[16]&flagLogOnly != 0

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn tail record from a crash mid-append.
				return nil
			}
			return fmt.Errorf("wal: read payload: %w", err)
		}

		crc := crc32.Checksum(header[8:17], castagnoli)
		crc = crc32.Update(crc, castagnoli, payload)
		if crc != wantCRC {
			return fmt.Errorf("%w at sequence %d", ErrChecksum, seq)
		}
		if err := fn(seq, payload, logOnly); err != nil {
			return fmt.Errorf("wal: replay callback: %w", err)
		}
	}
}

func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush on close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync on close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close file: %w", err)
	}
	return nil
}
