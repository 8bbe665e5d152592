package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/helper"
	"gitlab.com/hyrule/warden/internal/testhelper"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

func testConfig() config.Config {
	return config.Config{
		Registry:   config.DefaultRegistryConfig(),
		Reputation: config.DefaultReputationConfig(),
		Tiers:      config.DefaultTiers(),
	}
}

func TestRegistryRegister(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	registry := New(testhelper.NewDiscardingLogger(), ds, ds, datastore.NewMemoryRepairEventQueue(), nil, testConfig())

	require.NoError(t, registry.Register(ctx, datastore.Node{
		ID:              "node-1",
		Address:         "10.0.0.1",
		Port:            2306,
		StorageCapacity: 1000,
		// the caller does not pick its own score
		ReputationScore: 99,
	}))

	node, err := ds.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, 50, node.ReputationScore, "fresh nodes start at the configured initial score")

	t.Run("endpoint squatting", func(t *testing.T) {
		err := registry.Register(ctx, datastore.Node{ID: "node-2", Address: "10.0.0.1", Port: 2306})
		require.True(t, errors.Is(err, datastore.DuplicateNodeError{}))
	})
}

func TestRegistryListActive(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	registry := New(testhelper.NewDiscardingLogger(), ds, ds, datastore.NewMemoryRepairEventQueue(), nil, testConfig())

	require.NoError(t, registry.Register(ctx, datastore.Node{ID: "roomy", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000}))
	require.NoError(t, registry.Register(ctx, datastore.Node{ID: "full", Address: "10.0.0.2", Port: 2306, StorageCapacity: 1000}))
	require.NoError(t, registry.Heartbeat(ctx, "full", 950))

	active, err := registry.ListActive(ctx, 100)
	require.NoError(t, err)

	var ids []string
	for _, node := range active {
		ids = append(ids, node.ID)
	}
	require.Equal(t, []string{"roomy"}, ids)
}

func TestRegistrySweep(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	queue := datastore.NewMemoryRepairEventQueue()
	registry := New(testhelper.NewDiscardingLogger(), ds, ds, queue, nil, testConfig())

	require.NoError(t, registry.Register(ctx, datastore.Node{ID: "node-1", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000}))
	require.NoError(t, registry.Register(ctx, datastore.Node{ID: "node-2", Address: "10.0.0.2", Port: 2306, StorageCapacity: 1000}))

	require.NoError(t, ds.CreateRepository(ctx, datastore.Repository{RepoHash: "abc123", StorageTier: "free", Size: 100}))
	require.NoError(t, ds.CreateReplica(ctx, "abc123", "node-1", 0))

	t.Run("nothing overdue", func(t *testing.T) {
		require.NoError(t, registry.sweep(ctx))

		events, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("overdue node schedules repair once", func(t *testing.T) {
		ds := datastore.NewMemoryDatastore()
		queue := datastore.NewMemoryRepairEventQueue()

		conf := testConfig()
		conf.Registry.HeartbeatInterval = config.Duration(time.Millisecond)
		registry := New(testhelper.NewDiscardingLogger(), ds, ds, queue, nil, conf)

		require.NoError(t, registry.Register(ctx, datastore.Node{ID: "node-1", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000}))
		require.NoError(t, ds.CreateRepository(ctx, datastore.Repository{RepoHash: "abc123", StorageTier: "free", Size: 100}))
		require.NoError(t, ds.CreateReplica(ctx, "abc123", "node-1", 0))

		// let the staleness threshold of 3ms pass without a heartbeat
		time.Sleep(10 * time.Millisecond)

		require.NoError(t, registry.sweep(ctx))

		events, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, datastore.RepairJob{
			Change:   datastore.NodeStale,
			RepoHash: "abc123",
			NodeID:   "node-1",
		}, events[0].Job)

		// re-running before the next heartbeat is a no-op
		require.NoError(t, registry.sweep(ctx))
		more, err := queue.Dequeue(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, more)
	})
}

func TestRegistrySweepProbesBeforeGivingUp(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	queue := datastore.NewMemoryRepairEventQueue()

	conf := testConfig()
	conf.Registry.HeartbeatInterval = config.Duration(time.Millisecond)

	var probed []string
	prober := ProberFunc(func(_ context.Context, node datastore.Node) error {
		probed = append(probed, node.ID)
		if node.ID == "alive" {
			return nil
		}
		return errors.New("connection refused")
	})

	registry := New(testhelper.NewDiscardingLogger(), ds, ds, queue, prober, conf)

	require.NoError(t, registry.Register(ctx, datastore.Node{ID: "alive", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000}))
	require.NoError(t, registry.Register(ctx, datastore.Node{ID: "gone", Address: "10.0.0.2", Port: 2306, StorageCapacity: 1000}))

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, registry.sweep(ctx))
	require.ElementsMatch(t, []string{"alive", "gone"}, probed)

	alive, err := ds.GetNode(ctx, "alive")
	require.NoError(t, err)
	require.False(t, alive.Stale, "node that answered the probe must stay active")

	gone, err := ds.GetNode(ctx, "gone")
	require.NoError(t, err)
	require.True(t, gone.Stale)
}

func TestRegistryRun(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()
	registry := New(testhelper.NewDiscardingLogger(), ds, ds, datastore.NewMemoryRepairEventQueue(), nil, testConfig())

	runCtx, stop := context.WithCancel(ctx)
	ticker := helper.NewCountTicker(3, stop)

	err := registry.Run(runCtx, ticker)
	require.Equal(t, context.Canceled, err)
}
