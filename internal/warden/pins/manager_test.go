package pins

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/testhelper"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

func testConfig() config.Config {
	return config.Config{
		Pins:  config.DefaultPinsConfig(),
		Tiers: config.DefaultTiers(),
	}
}

func TestManagerPin(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	queue := datastore.NewMemoryRepairEventQueue()
	mgr := NewManager(testhelper.NewDiscardingLogger(), ds, ds, queue, testConfig())

	require.NoError(t, ds.CreateRepository(ctx, datastore.Repository{RepoHash: "abc123", StorageTier: "free", Size: 100}))

	require.NoError(t, mgr.Pin(ctx, 1, "abc123"))

	events, err := queue.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1, "first pin schedules a repair cycle")
	require.Equal(t, datastore.RepairJob{Change: datastore.PinCreated, RepoHash: "abc123"}, events[0].Job)

	t.Run("pinning twice is idempotent", func(t *testing.T) {
		require.NoError(t, mgr.Pin(ctx, 1, "abc123"))

		count, err := ds.PinCount(ctx, "abc123")
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("second user pin schedules no repair", func(t *testing.T) {
		require.NoError(t, mgr.Pin(ctx, 2, "abc123"))

		events, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("unknown repository", func(t *testing.T) {
		err := mgr.Pin(ctx, 1, "missing")
		require.True(t, errors.Is(err, datastore.RepositoryNotFoundError{}))
	})
}

func TestManagerUnpin(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	mgr := NewManager(testhelper.NewDiscardingLogger(), ds, ds, datastore.NewMemoryRepairEventQueue(), testConfig())

	require.NoError(t, ds.CreateRepository(ctx, datastore.Repository{RepoHash: "abc123", StorageTier: "free", Size: 100}))
	require.NoError(t, mgr.Pin(ctx, 1, "abc123"))

	require.NoError(t, mgr.Unpin(ctx, 1, "abc123"))

	count, err := ds.PinCount(ctx, "abc123")
	require.NoError(t, err)
	require.Zero(t, count)

	t.Run("unpinning an unpinned repository is a no-op", func(t *testing.T) {
		require.NoError(t, mgr.Unpin(ctx, 1, "abc123"))
		require.NoError(t, mgr.Unpin(ctx, 9, "never-pinned"))
	})
}

func TestManagerEffectiveRequiredCount(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	mgr := NewManager(testhelper.NewDiscardingLogger(), ds, ds, datastore.NewMemoryRepairEventQueue(), testConfig())

	free := datastore.Repository{RepoHash: "free-repo", StorageTier: "free"}
	paid := datastore.Repository{RepoHash: "paid-repo", StorageTier: "paid"}
	require.NoError(t, ds.CreateRepository(ctx, free))
	require.NoError(t, ds.CreateRepository(ctx, paid))

	for _, tc := range []struct {
		desc     string
		repo     datastore.Repository
		pinned   bool
		required int
	}{
		{desc: "free tier default", repo: free, required: 3},
		{desc: "paid tier default", repo: paid, required: 5},
		{desc: "pin raises free tier to the floor", repo: free, pinned: true, required: 5},
		{desc: "pin does not lower the paid tier", repo: paid, pinned: true, required: 5},
		{desc: "unknown tier falls back to the first tier", repo: datastore.Repository{RepoHash: "free-repo", StorageTier: "mystery"}, required: 3},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if tc.pinned {
				require.NoError(t, mgr.Pin(ctx, 7, tc.repo.RepoHash))
				defer func() { require.NoError(t, mgr.Unpin(ctx, 7, tc.repo.RepoHash)) }()
			}

			required, err := mgr.EffectiveRequiredCount(ctx, tc.repo)
			require.NoError(t, err)
			require.Equal(t, tc.required, required)
		})
	}
}
