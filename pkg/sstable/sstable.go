package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/golang/snappy"

	"commitdb/pkg/batch"
	"commitdb/pkg/types"
)

// File layout: a run of snappy blocks, an uncompressed index, a fixed
// footer. Every block is framed as {compressedLen uint32, crc32c uint32,
// compressed bytes}; the crc covers the compressed bytes. Entries inside a
// block are {keyLen uvarint, key, seq uint64, kind byte, valueLen uvarint,
// value} in ascending key order.

const (
	magic            = 0x7473646265746c63 // "ctebdst"
	footerLen        = 8 + 4 + 8          // indexOffset + numBlocks + magic
	defaultBlockSize = 16 << 10
)

var (
	ErrCorruptTable = errors.New("sstable: corrupt table")
	ErrNotFound     = errors.New("sstable: key not found")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Entry is one key version stored in a table.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   types.SequenceNumber
	Kind  batch.Kind
}

type indexEntry struct {
	firstKey []byte
	offset   int64
	size     int
}

// Meta summarizes a finished table.
type Meta struct {
	NumEntries  uint64
	SmallestKey []byte
	LargestKey  []byte
	SmallestSeq types.SequenceNumber
	LargestSeq  types.SequenceNumber
	FileSize    int64
}

// Writer streams ascending-key entries into a table file.
type Writer struct {
	f   *os.File
	buf *bufio.Writer

	blockSize int
	block     bytes.Buffer
	firstKey  []byte
	offset    int64
	index     []indexEntry

	meta     Meta
	finished bool
}

// Create opens a new table file at path. blockSize of zero selects the
// default.
func Create(path string, blockSize int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	return &Writer{f: f, buf: bufio.NewWriter(f), blockSize: blockSize}, nil
}

// Add appends one entry. Keys must arrive in ascending order; equal keys in
// descending sequence order.
func (w *Writer) Add(e Entry) error {
	if w.finished {
		return errors.New("sstable: writer already finished")
	}
	if w.block.Len() == 0 {
		w.firstKey = append(w.firstKey[:0], e.Key...)
	}

	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(e.Key)))
	w.block.Write(scratch[:n])
	w.block.Write(e.Key)
	var seqBuf [9]byte
	binary.LittleEndian.PutUint64(seqBuf[:8], e.Seq)
	seqBuf[8] = byte(e.Kind)
	w.block.Write(seqBuf[:])
	n = binary.PutUvarint(scratch[:], uint64(len(e.Value)))
	w.block.Write(scratch[:n])
	w.block.Write(e.Value)

	if w.meta.NumEntries == 0 {
		w.meta.SmallestKey = append([]byte(nil), e.Key...)
		w.meta.SmallestSeq = e.Seq
		w.meta.LargestSeq = e.Seq
	}
	w.meta.LargestKey = append(w.meta.LargestKey[:0], e.Key...)
	if e.Seq < w.meta.SmallestSeq {
		w.meta.SmallestSeq = e.Seq
	}
	if e.Seq > w.meta.LargestSeq {
		w.meta.LargestSeq = e.Seq
	}
	w.meta.NumEntries++

	if w.block.Len() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}
	compressed := snappy.Encode(nil, w.block.Bytes())

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(compressed, castagnoli))
	if _, err := w.buf.Write(hdr[:]); err != nil {
		return fmt.Errorf("sstable: write block header: %w", err)
	}
	if _, err := w.buf.Write(compressed); err != nil {
		return fmt.Errorf("sstable: write block: %w", err)
	}

	w.index = append(w.index, indexEntry{
		firstKey: append([]byte(nil), w.firstKey...),
		offset:   w.offset,
		size:     len(hdr) + len(compressed),
	})
	w.offset += int64(len(hdr) + len(compressed))
	w.block.Reset()
	return nil
}

// EstimatedSize is the bytes written so far plus the buffered block.
func (w *Writer) EstimatedSize() int64 {
	return w.offset + int64(w.block.Len())
}

// Finish flushes the last block, writes the index and footer, and syncs the
// file.
func (w *Writer) Finish() (Meta, error) {
	if w.finished {
		return w.meta, errors.New("sstable: writer already finished")
	}
	w.finished = true

	if err := w.flushBlock(); err != nil {
		return w.meta, err
	}
	indexOffset := w.offset

	var scratch [binary.MaxVarintLen64]byte
	for _, ie := range w.index {
		n := binary.PutUvarint(scratch[:], uint64(len(ie.firstKey)))
		w.buf.Write(scratch[:n])
		w.buf.Write(ie.firstKey)
		var fixed [12]byte
		binary.LittleEndian.PutUint64(fixed[0:8], uint64(ie.offset))
		binary.LittleEndian.PutUint32(fixed[8:12], uint32(ie.size))
		if _, err := w.buf.Write(fixed[:]); err != nil {
			return w.meta, fmt.Errorf("sstable: write index: %w", err)
		}
	}

	var footer [footerLen]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint32(footer[8:12], uint32(len(w.index)))
	binary.LittleEndian.PutUint64(footer[12:20], magic)
	if _, err := w.buf.Write(footer[:]); err != nil {
		return w.meta, fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := w.buf.Flush(); err != nil {
		return w.meta, fmt.Errorf("sstable: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return w.meta, fmt.Errorf("sstable: sync: %w", err)
	}
	st, err := w.f.Stat()
	if err == nil {
		w.meta.FileSize = st.Size()
	}
	if err := w.f.Close(); err != nil {
		return w.meta, fmt.Errorf("sstable: close: %w", err)
	}
	return w.meta, nil
}

// Abort closes and removes a partially written table.
func (w *Writer) Abort() error {
	w.finished = true
	path := w.f.Name()
	if err := w.f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Reader serves point lookups and scans over a finished table. It is safe
// for concurrent use.
type Reader struct {
	f     *os.File
	path  string
	index []indexEntry
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	r := &Reader{f: f, path: path}
	if err := r.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) loadIndex() error {
	st, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("sstable: stat: %w", err)
	}
	if st.Size() < footerLen {
		return ErrCorruptTable
	}

	var footer [footerLen]byte
	if _, err := r.f.ReadAt(footer[:], st.Size()-footerLen); err != nil {
		return fmt.Errorf("sstable: read footer: %w", err)
	}
	if binary.LittleEndian.Uint64(footer[12:20]) != magic {
		return ErrCorruptTable
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	numBlocks := int(binary.LittleEndian.Uint32(footer[8:12]))
	if indexOffset < 0 || indexOffset > st.Size()-footerLen {
		return ErrCorruptTable
	}

	raw := make([]byte, st.Size()-footerLen-indexOffset)
	if _, err := r.f.ReadAt(raw, indexOffset); err != nil {
		return fmt.Errorf("sstable: read index: %w", err)
	}
	for i := 0; i < numBlocks; i++ {
		keyLen, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)) < uint64(n)+keyLen+12 {
			return ErrCorruptTable
		}
		raw = raw[n:]
		ie := indexEntry{
			firstKey: append([]byte(nil), raw[:keyLen]...),
			offset:   int64(binary.LittleEndian.Uint64(raw[keyLen : keyLen+8])),
			size:     int(binary.LittleEndian.Uint32(raw[keyLen+8 : keyLen+12])),
		}
		raw = raw[keyLen+12:]
		r.index = append(r.index, ie)
	}
	return nil
}

func (r *Reader) readBlock(ie indexEntry) ([]byte, error) {
	raw := make([]byte, ie.size)
	if _, err := r.f.ReadAt(raw, ie.offset); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	if len(raw) < 8 {
		return nil, ErrCorruptTable
	}
	compLen := binary.LittleEndian.Uint32(raw[0:4])
	wantCRC := binary.LittleEndian.Uint32(raw[4:8])
	if int(compLen) != len(raw)-8 {
		return nil, ErrCorruptTable
	}
	compressed := raw[8:]
	if crc32.Checksum(compressed, castagnoli) != wantCRC {
		return nil, ErrCorruptTable
	}
	block, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("sstable: decompress block: %w", err)
	}
	return block, nil
}

// blockIndexFor picks the earliest block that can contain key: one before
// the first block whose first key is >= key. Starting early costs at most
// one extra block scan; starting late would skip the newest versions when a
// key run straddles blocks.
func (r *Reader) blockIndexFor(key []byte) (int, bool) {
	if len(r.index) == 0 {
		return 0, false
	}
	lo, hi := 0, len(r.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(r.index[mid].firstKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 {
		lo--
	}
	return lo, true
}

// Get returns the newest version of key visible at visibleSeq. A tombstone
// hit is reported as found with a nil value and the delete kind.
func (r *Reader) Get(key []byte, visibleSeq types.SequenceNumber) (Entry, error) {
	start, ok := r.blockIndexFor(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	// Versions of one key can straddle a block boundary, so keep scanning
	// while the following block may still start at or before the key.
	for bi := start; bi < len(r.index); bi++ {
		if bi > start && bytes.Compare(r.index[bi].firstKey, key) > 0 {
			break
		}
		block, err := r.readBlock(r.index[bi])
		if err != nil {
			return Entry{}, err
		}
		for len(block) > 0 {
			e, rest, err := decodeEntry(block)
			if err != nil {
				return Entry{}, err
			}
			block = rest
			switch cmp := bytes.Compare(e.Key, key); {
			case cmp > 0:
				return Entry{}, ErrNotFound
			case cmp == 0 && e.Seq <= visibleSeq:
				// Versions of a key are stored newest first.
				return e, nil
			}
		}
	}
	return Entry{}, ErrNotFound
}

func (r *Reader) NumBlocks() int { return len(r.index) }

func (r *Reader) Path() string { return r.path }

func (r *Reader) Close() error { return r.f.Close() }

func decodeEntry(buf []byte) (Entry, []byte, error) {
	keyLen, n := binary.Uvarint(buf)
	if n <= 0 || uint64(len(buf)) < uint64(n)+keyLen+9 {
		return Entry{}, nil, ErrCorruptTable
	}
	buf = buf[n:]
	e := Entry{Key: buf[:keyLen:keyLen]}
	buf = buf[keyLen:]
	e.Seq = binary.LittleEndian.Uint64(buf[:8])
	e.Kind = batch.Kind(buf[8])
	buf = buf[9:]
	valLen, n := binary.Uvarint(buf)
	if n <= 0 || uint64(len(buf)) < uint64(n)+valLen {
		return Entry{}, nil, ErrCorruptTable
	}
	buf = buf[n:]
	if valLen > 0 {
		e.Value = buf[:valLen:valLen]
	}
	return e, buf[valLen:], nil
}

// Iterator walks a table's entries in key order. Not safe for concurrent
// use.
type Iterator struct {
	r        *Reader
	blockIdx int
	block    []byte
	cur      Entry
	valid    bool
	err      error
}

func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// First positions on the smallest key.
func (it *Iterator) First() {
	it.blockIdx = -1
	it.block = nil
	it.valid = false
	it.err = nil
	it.Next()
}

// Seek positions on the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.err = nil
	it.valid = false
	it.block = nil
	it.blockIdx = -1

	start, ok := it.r.blockIndexFor(target)
	if !ok {
		return
	}
	it.blockIdx = start - 1
	for it.loadNextBlock() {
		for len(it.block) > 0 {
			e, rest, err := decodeEntry(it.block)
			if err != nil {
				it.err = err
				return
			}
			it.block = rest
			if bytes.Compare(e.Key, target) >= 0 {
				it.cur = e
				it.valid = true
				return
			}
		}
	}
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	it.valid = false
	if it.err != nil {
		return
	}
	for {
		if len(it.block) > 0 {
			e, rest, err := decodeEntry(it.block)
			if err != nil {
				it.err = err
				return
			}
			it.block = rest
			it.cur = e
			it.valid = true
			return
		}
		if !it.loadNextBlock() {
			return
		}
	}
}

func (it *Iterator) loadNextBlock() bool {
	it.blockIdx++
	if it.blockIdx >= len(it.r.index) {
		return false
	}
	block, err := it.r.readBlock(it.r.index[it.blockIdx])
	if err != nil {
		it.err = err
		return false
	}
	it.block = block
	return true
}

func (it *Iterator) Valid() bool { return it.valid && it.err == nil }

func (it *Iterator) Entry() Entry { return it.cur }

func (it *Iterator) Key() []byte { return it.cur.Key }

func (it *Iterator) Value() []byte { return it.cur.Value }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error { return it.err }
