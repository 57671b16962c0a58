package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitdb/pkg/batch"
	"commitdb/pkg/types"
)

func buildTable(t *testing.T, blockSize int, entries []Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sst")
	w, err := Create(path, blockSize)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.Equal(t, uint64(len(entries)), meta.NumEntries)
	return path
}

func TestWriteReadRoundTrip(t *testing.T) {
	entries := []Entry{
		{Key: []byte("apple"), Value: []byte("red"), Seq: 10, Kind: batch.KindPut},
		{Key: []byte("banana"), Value: []byte("yellow"), Seq: 11, Kind: batch.KindPut},
		{Key: []byte("cherry"), Value: nil, Seq: 12, Kind: batch.KindDelete},
	}
	path := buildTable(t, 0, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get([]byte("banana"), types.MaxSequenceNumber)
	require.NoError(t, err)
	assert.Equal(t, []byte("yellow"), got.Value)
	assert.Equal(t, types.SequenceNumber(11), got.Seq)

	got, err = r.Get([]byte("cherry"), types.MaxSequenceNumber)
	require.NoError(t, err)
	assert.Equal(t, batch.KindDelete, got.Kind)
	assert.Nil(t, got.Value)

	_, err = r.Get([]byte("durian"), types.MaxSequenceNumber)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get([]byte("aaa"), types.MaxSequenceNumber)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetHonorsVisibleSequence(t *testing.T) {
	entries := []Entry{
		{Key: []byte("k"), Value: []byte("v3"), Seq: 30, Kind: batch.KindPut},
		{Key: []byte("k"), Value: []byte("v2"), Seq: 20, Kind: batch.KindPut},
		{Key: []byte("k"), Value: []byte("v1"), Seq: 10, Kind: batch.KindPut},
	}
	path := buildTable(t, 0, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get([]byte("k"), 25)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)

	got, err = r.Get([]byte("k"), types.MaxSequenceNumber)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got.Value)

	_, err = r.Get([]byte("k"), 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIteratorWalksMultipleBlocks(t *testing.T) {
	var entries []Entry
	for i := 0; i < 500; i++ {
		entries = append(entries, Entry{
			Key:   []byte(fmt.Sprintf("key-%04d", i)),
			Value: []byte(fmt.Sprintf("value-%04d", i)),
			Seq:   types.SequenceNumber(i + 1),
			Kind:  batch.KindPut,
		})
	}
	// A small block size forces dozens of blocks.
	path := buildTable(t, 256, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.Greater(t, r.NumBlocks(), 1)

	it := r.NewIterator()
	n := 0
	for it.First(); it.Valid(); it.Next() {
		assert.Equal(t, entries[n].Key, it.Key())
		assert.Equal(t, entries[n].Value, it.Value())
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(entries), n)

	it.Seek([]byte("key-0250"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("key-0250"), it.Key())

	it.Seek([]byte("key-9999"))
	assert.False(t, it.Valid())
}

func TestGetAcrossBlockBoundary(t *testing.T) {
	// Many versions of one key so the run straddles blocks.
	var entries []Entry
	for seq := 200; seq >= 1; seq-- {
		entries = append(entries, Entry{
			Key:   []byte("hot"),
			Value: []byte(fmt.Sprintf("v%03d", seq)),
			Seq:   types.SequenceNumber(seq),
			Kind:  batch.KindPut,
		})
	}
	path := buildTable(t, 128, entries)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.Greater(t, r.NumBlocks(), 1)

	got, err := r.Get([]byte("hot"), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("v003"), got.Value)
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.sst")
	require.NoError(t, os.WriteFile(path, []byte("not an sstable at all......"), 0o600))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrCorruptTable)
}
