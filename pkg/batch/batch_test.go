package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedOp struct {
	kind  Kind
	key   string
	value string
}

func collect(t *testing.T, b *Batch) []recordedOp {
	t.Helper()
	var ops []recordedOp
	err := b.Iterate(func(kind Kind, key, value []byte) error {
		ops = append(ops, recordedOp{kind, string(key), string(value)})
		return nil
	})
	require.NoError(t, err)
	return ops
}

func TestIteratePreservesInsertionOrder(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))
	b.Merge([]byte("c"), []byte("+2"))
	b.DeleteRange([]byte("d"), []byte("g"))

	require.Equal(t, uint32(4), b.Count())
	require.True(t, b.HasMerge())
	require.True(t, b.HasDeleteRange())

	require.Equal(t, []recordedOp{
		{KindPut, "a", "1"},
		{KindDelete, "b", ""},
		{KindMerge, "c", "+2"},
		{KindDeleteRange, "d", "g"},
	}, collect(t, b))
}

func TestAppendMergesGroups(t *testing.T) {
	a := New()
	a.Put([]byte("k1"), []byte("v1"))

	b := New()
	b.Merge([]byte("k2"), []byte("v2"))
	b.Delete([]byte("k3"))

	a.Append(b)

	require.Equal(t, uint32(3), a.Count())
	require.True(t, a.HasMerge())
	require.Equal(t, []recordedOp{
		{KindPut, "k1", "v1"},
		{KindMerge, "k2", "v2"},
		{KindDelete, "k3", ""},
	}, collect(t, a))
}

func TestResetClearsState(t *testing.T) {
	b := New()
	b.Merge([]byte("a"), []byte("1"))
	b.DeleteRange([]byte("b"), []byte("c"))

	b.Reset()

	require.True(t, b.Empty())
	require.False(t, b.HasMerge())
	require.False(t, b.HasDeleteRange())
	require.Empty(t, collect(t, b))
}

func TestFromContentsRoundTrip(t *testing.T) {
	b := New()
	b.Put([]byte("key"), []byte("value"))
	b.Merge([]byte("cnt"), []byte("+1"))

	got, err := FromContents(b.Contents())
	require.NoError(t, err)

	require.Equal(t, b.Count(), got.Count())
	require.True(t, got.HasMerge())
	require.Equal(t, collect(t, b), collect(t, got))
}

func TestFromContentsRejectsCorruption(t *testing.T) {
	b := New()
	b.Put([]byte("key"), []byte("value"))

	t.Run("short header", func(t *testing.T) {
		_, err := FromContents([]byte{1, 2})
		require.ErrorIs(t, err, ErrCorruptBatch)
	})

	t.Run("truncated op", func(t *testing.T) {
		data := b.Contents()
		_, err := FromContents(data[:len(data)-3])
		require.ErrorIs(t, err, ErrCorruptBatch)
	})

	t.Run("count mismatch", func(t *testing.T) {
		data := append([]byte(nil), b.Contents()...)
		data[0] = 7
		_, err := FromContents(data)
		require.ErrorIs(t, err, ErrCorruptBatch)
	})

	t.Run("unknown kind", func(t *testing.T) {
		data := append([]byte(nil), b.Contents()...)
		data[4] = 0xEE
		_, err := FromContents(data)
		require.ErrorIs(t, err, ErrCorruptBatch)
	})
}

func TestByteSizeGrowsWithOps(t *testing.T) {
	b := New()
	empty := b.ByteSize()
	b.Put([]byte("key"), []byte("value"))
	require.Greater(t, b.ByteSize(), empty)
}
