package datastore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/testhelper"
)

func TestPinStore_Memory(t *testing.T) {
	testPinStore(t, memoryDatastoreFactory)
}

func testPinStore(t *testing.T, newStores datastoreFactory) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("pinning an unknown repository", func(t *testing.T) {
		_, _, pins := newStores(t)

		_, err := pins.Pin(ctx, 1, "missing")
		require.Equal(t, RepositoryNotFoundError{RepoHash: "missing"}, err)
		require.True(t, errors.Is(err, RepositoryNotFoundError{}))
	})

	t.Run("pin lifecycle", func(t *testing.T) {
		_, repos, pins := newStores(t)

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"}))

		count, err := pins.PinCount(ctx, "repo-1")
		require.NoError(t, err)
		require.Equal(t, 0, count)

		first, err := pins.Pin(ctx, 1, "repo-1")
		require.NoError(t, err)
		require.True(t, first, "the first pin raises the replica requirement")

		first, err = pins.Pin(ctx, 1, "repo-1")
		require.NoError(t, err)
		require.False(t, first, "pinning twice is a no-op")

		count, err = pins.PinCount(ctx, "repo-1")
		require.NoError(t, err)
		require.Equal(t, 1, count)

		first, err = pins.Pin(ctx, 2, "repo-1")
		require.NoError(t, err)
		require.False(t, first, "the repository is already pinned by another user")

		count, err = pins.PinCount(ctx, "repo-1")
		require.NoError(t, err)
		require.Equal(t, 2, count)

		require.NoError(t, pins.Unpin(ctx, 1, "repo-1"))
		require.NoError(t, pins.Unpin(ctx, 1, "repo-1"), "unpinning twice is a no-op")

		count, err = pins.PinCount(ctx, "repo-1")
		require.NoError(t, err)
		require.Equal(t, 1, count)

		require.NoError(t, pins.Unpin(ctx, 2, "repo-1"))

		first, err = pins.Pin(ctx, 3, "repo-1")
		require.NoError(t, err)
		require.True(t, first, "the repository lost all pins in between")
	})
}
