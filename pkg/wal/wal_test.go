package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"commitdb/pkg/types"
)

type replayed struct {
	seq     types.SequenceNumber
	payload string
	logOnly bool
}

func replayAll(t *testing.T, w *WAL) []replayed {
	t.Helper()
	var got []replayed
	err := w.Replay(func(seq types.SequenceNumber, payload []byte, logOnly bool) error {
		got = append(got, replayed{seq, string(payload), logOnly})
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	require.NoError(t, err)

	_, err = w.Append([]byte("first"), 1, false, false)
	require.NoError(t, err)
	_, err = w.Append([]byte("second"), 4, true, false)
	require.NoError(t, err)
	_, err = w.Append([]byte("unapplied"), 6, false, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Reopen and replay, like engine recovery does.
	w2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer w2.Close()

	require.Equal(t, []replayed{
		{1, "first", false},
		{4, "second", false},
		{6, "unapplied", true},
	}, replayAll(t, w2))
}

func TestReplayToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	require.NoError(t, err)
	_, err = w.Append([]byte("intact"), 1, true, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: a header promising more bytes than exist.
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{200, 0, 0, 0, 1, 2, 3, 4, 9, 0, 0, 0, 0, 0, 0, 0, 0, 'x'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer w2.Close()

	require.Equal(t, []replayed{{1, "intact", false}}, replayAll(t, w2))
}

func TestReplayDetectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{})
	require.NoError(t, err)
	_, err = w.Append([]byte("payload"), 1, true, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a payload byte in place.
	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0600))

	w2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer w2.Close()

	err = w2.Replay(func(types.SequenceNumber, []byte, bool) error { return nil })
	require.ErrorIs(t, err, ErrChecksum)
}

func TestManualFlushDefersWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{ManualFlush: true})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("buffered"), 1, false, false)
	require.NoError(t, err)

	// Nothing reached the file yet.
	info, err := os.Stat(filepath.Join(dir, fileName))
	require.NoError(t, err)
	require.Zero(t, info.Size())

	require.NoError(t, w.Flush(true))
	info, err = os.Stat(filepath.Join(dir, fileName))
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestSizeCountsBufferedBytes(t *testing.T) {
	w, err := Open(t.TempDir(), Options{ManualFlush: true})
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Append([]byte("abc"), 1, false, false)
	require.NoError(t, err)
	require.Equal(t, int64(headerLen+3), n)
	require.Equal(t, n, w.Size())
	require.Equal(t, n, w.TotalBytes())
}

func TestAppendAfterCloseFails(t *testing.T) {
	w, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append([]byte("late"), 1, false, false)
	require.ErrorIs(t, err, ErrClosed)
}
