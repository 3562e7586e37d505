package storage_test

import (
	"errors"
	"math"
	"testing"

	"stash/pkg/protocol"
	"stash/pkg/storage"

	"github.com/stretchr/testify/require"
)

type fakeStaged struct {
	name      string
	discarded *[]string
	err       error
}

func (f fakeStaged) Discard() error {
	*f.discarded = append(*f.discarded, f.name)
	return f.err
}

func mustID(t *testing.T, s string) protocol.ID {
	t.Helper()
	id, err := protocol.ParseID(s)
	require.NoError(t, err, "ParseID error")
	return id
}

func TestKeyPathLayout(t *testing.T) {
	t.Parallel()

	identity := mustID(t, "00000000000000000000000000000001")
	hash := mustID(t, "11111111111111111111111111111111")
	key := storage.NewKey(protocol.KindPrimary, identity, hash)

	require.Equal(t, "00000000000000000000000000000001-11111111111111111111111111111111.bin", key.Filename())
	require.Equal(t, "00/00000000000000000000000000000001-11111111111111111111111111111111.bin", key.Path())

	parsed, err := storage.ParseFilename(key.Filename())
	require.NoError(t, err, "ParseFilename error")
	require.Equal(t, key, parsed, "filename should round trip")
}

func TestParseFilenameRejectsForeignFiles(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"README",
		"00000000000000000000000000000001.bin",
		"00000000000000000000000000000001-11111111111111111111111111111111.txt",
		"nothex-11111111111111111111111111111111.info",
	} {
		_, err := storage.ParseFilename(name)
		require.Error(t, err, "expected error for %q", name)
	}
}

func TestNegotiateVersion(t *testing.T) {
	t.Parallel()

	v, err := storage.NegotiateVersion(254)
	require.NoError(t, err)
	require.Equal(t, uint32(254), v)

	for _, bad := range []uint32{0, 1, 99999} {
		_, err := storage.NegotiateVersion(bad)
		require.ErrorIs(t, err, protocol.ErrWrongVersion, "version %d", bad)
	}
}

func TestCheckSize(t *testing.T) {
	t.Parallel()

	require.NoError(t, storage.CheckSize(0, 1<<40), "zero max is unlimited")
	require.NoError(t, storage.CheckSize(10, 10), "size equal to max is allowed")

	err := storage.CheckSize(10, 11)
	require.ErrorIs(t, err, storage.ErrFileTooLarge)

	var tooLarge *storage.FileTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, uint64(10), tooLarge.Max)
	require.Equal(t, uint64(11), tooLarge.Size)

	require.ErrorIs(t, storage.CheckSize(0, math.MaxUint64), storage.ErrFileTooLarge, "sizes beyond int64 are rejected")
}

func TestTransactionSetReplacesSlot(t *testing.T) {
	t.Parallel()

	var discarded []string
	txn := storage.NewTransaction[fakeStaged](protocol.ID{1}, protocol.ID{2})

	require.NoError(t, txn.Set(protocol.KindPrimary, fakeStaged{name: "first", discarded: &discarded}))
	require.NoError(t, txn.Set(protocol.KindPrimary, fakeStaged{name: "second", discarded: &discarded}))

	require.Equal(t, []string{"first"}, discarded, "replaced artifact should be discarded")
	require.Equal(t, 1, txn.Len())

	var committed []string
	require.NoError(t, txn.Commit(func(_ storage.Key, v fakeStaged) error {
		committed = append(committed, v.name)
		return nil
	}))
	require.Equal(t, []string{"second"}, committed)
}

func TestTransactionCommitOrderAndFailure(t *testing.T) {
	t.Parallel()

	var discarded []string
	txn := storage.NewTransaction[fakeStaged](protocol.ID{1}, protocol.ID{2})
	for _, kind := range []protocol.Kind{protocol.KindResource, protocol.KindMetadata, protocol.KindPrimary} {
		require.NoError(t, txn.Set(kind, fakeStaged{name: kind.String(), discarded: &discarded}))
	}

	var committed []protocol.Kind
	boom := errors.New("boom")
	err := txn.Commit(func(key storage.Key, v fakeStaged) error {
		require.Equal(t, protocol.ID{1}, key.Identity)
		require.Equal(t, protocol.ID{2}, key.Hash)
		if key.Kind == protocol.KindMetadata {
			return boom
		}
		committed = append(committed, key.Kind)
		return nil
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, []protocol.Kind{protocol.KindPrimary}, committed, "commits run in kind order and stop at the first failure")
	require.Equal(t, []string{"metadata", "resource"}, discarded, "failed and remaining slots are discarded")
	require.Zero(t, txn.Len(), "transaction is empty after commit")
}

func TestTransactionStateLifecycle(t *testing.T) {
	t.Parallel()

	var discarded []string
	var state storage.TransactionState[fakeStaged]

	require.False(t, state.InTransaction(), "zero value is idle")
	require.ErrorIs(t, state.Stage(protocol.KindPrimary, fakeStaged{name: "orphan", discarded: &discarded}), storage.ErrNotInTransaction)
	require.Empty(t, discarded, "rejected artifact stays with the caller")
	require.Nil(t, state.Take())
	require.NoError(t, state.Cancel(), "cancel while idle is a no-op")

	state.Start(protocol.ID{1}, protocol.ID{2})
	require.True(t, state.InTransaction())
	require.NoError(t, state.Stage(protocol.KindPrimary, fakeStaged{name: "a", discarded: &discarded}))

	// Starting again abandons what was staged.
	state.Start(protocol.ID{3}, protocol.ID{4})
	require.Equal(t, []string{"a"}, discarded)

	require.NoError(t, state.Stage(protocol.KindResource, fakeStaged{name: "r", discarded: &discarded}))
	require.NoError(t, state.Cancel())
	require.Equal(t, []string{"a", "r"}, discarded)
	require.False(t, state.InTransaction())

	state.Start(protocol.ID{5}, protocol.ID{6})
	require.NoError(t, state.Stage(protocol.KindMetadata, fakeStaged{name: "i", discarded: &discarded}))
	txn := state.Take()
	require.NotNil(t, txn)
	require.Equal(t, protocol.ID{5}, txn.Identity)
	require.Equal(t, 1, txn.Len())
	require.False(t, state.InTransaction(), "take leaves the state idle")
}
