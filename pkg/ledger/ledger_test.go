package ledger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/tgmirror/pkg/mirror"
)

var testPair = Pair{Source: -1001, Destination: -1002}

func openTestLedger(t *testing.T, path string, pair Pair) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), path, pair, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	l := openTestLedger(t, path, testPair)
	assert.Zero(t, l.Len())
	_, err := os.Stat(path)
	assert.NoError(t, err, "ledger file should have been created")
}

func TestOpen_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 512), 0600))

	_, err := Open(context.Background(), path, testPair, zerolog.Nop())
	assert.Error(t, err)
}

func TestOpen_DirectoryIsAnError(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), testPair, zerolog.Nop())
	assert.Error(t, err)
}

func TestSave_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(ctx, path, testPair, zerolog.Nop())
	require.NoError(t, err)
	l.Record(101, 501)
	l.Record(102, 502)
	require.NoError(t, l.Save(ctx))
	require.NoError(t, l.Close())

	reopened := openTestLedger(t, path, testPair)
	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[mirror.MessageID]mirror.MessageID{101: 501, 102: 502}, loaded)
}

func TestRecord_UnsavedEntriesAreLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(context.Background(), path, testPair, zerolog.Nop())
	require.NoError(t, err)
	l.Record(101, 501)
	require.NoError(t, l.Close())

	reopened := openTestLedger(t, path, testPair)
	assert.Zero(t, reopened.Len())
}

func TestPersist_WritesImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(ctx, path, testPair, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, l.Persist(ctx, 101, 501))
	dst, ok := l.Lookup(101)
	require.True(t, ok)
	assert.Equal(t, mirror.MessageID(501), dst)
	require.NoError(t, l.Close())

	reopened := openTestLedger(t, path, testPair)
	dst, ok = reopened.Lookup(101)
	require.True(t, ok)
	assert.Equal(t, mirror.MessageID(501), dst)
}

func TestRecord_FirstMappingWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	l := openTestLedger(t, path, testPair)

	require.NoError(t, l.Persist(ctx, 101, 501))
	l.Record(101, 999)
	require.NoError(t, l.Persist(ctx, 101, 998))
	require.NoError(t, l.Save(ctx))

	dst, _ := l.Lookup(101)
	assert.Equal(t, mirror.MessageID(501), dst)
	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, mirror.MessageID(501), entries[0].Destination)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestPairsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	first, err := Open(ctx, path, testPair, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Persist(ctx, 101, 501))
	require.NoError(t, first.Close())

	other := openTestLedger(t, path, Pair{Source: -1001, Destination: -1003})
	assert.Zero(t, other.Len())
	require.NoError(t, other.Persist(ctx, 101, 777))

	same := openTestLedger(t, path, testPair)
	dst, ok := same.Lookup(101)
	require.True(t, ok)
	assert.Equal(t, mirror.MessageID(501), dst)
}

func TestList_SortedBySource(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"), testPair)
	l.Record(30, 3)
	l.Record(10, 1)
	l.Record(20, 2)
	require.NoError(t, l.Save(ctx))

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, mirror.MessageID(10), entries[0].Source)
	assert.Equal(t, mirror.MessageID(20), entries[1].Source)
	assert.Equal(t, mirror.MessageID(30), entries[2].Source)
	assert.Equal(t, mirror.MessageID(3), entries[2].Destination)
}
