package datastore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/testhelper"
)

func TestRepositoryStore_Memory(t *testing.T) {
	testRepositoryStore(t, memoryDatastoreFactory)
}

func testRepositoryStore(t *testing.T, newStores datastoreFactory) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	longAgo := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	registerNodes := func(t *testing.T, nodes NodeStore, ids ...string) {
		t.Helper()
		for i, id := range ids {
			require.NoError(t, nodes.Register(ctx, Node{
				ID:              id,
				Address:         fmt.Sprintf("10.0.0.%d", i+1),
				Port:            2306,
				StorageCapacity: 1000,
				ReputationScore: 50,
			}))
		}
	}

	t.Run("create and get repository", func(t *testing.T) {
		_, repos, _ := newStores(t)

		require.NoError(t, repos.CreateRepository(ctx, Repository{
			RepoHash:    "repo-1",
			OwnerID:     42,
			Name:        "zelda",
			Description: "a kingdom of source code",
			Size:        100,
			StorageTier: "paid",
			Private:     true,
		}))

		repo, err := repos.GetRepository(ctx, "repo-1")
		require.NoError(t, err)
		require.False(t, repo.CreatedAt.IsZero())
		require.False(t, repo.LastUpdated.IsZero())

		repo.CreatedAt = time.Time{}
		repo.LastUpdated = time.Time{}
		require.Equal(t, Repository{
			RepoHash:    "repo-1",
			OwnerID:     42,
			Name:        "zelda",
			Description: "a kingdom of source code",
			Size:        100,
			StorageTier: "paid",
			Private:     true,
		}, repo)

		err = repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"})
		require.Equal(t, RepositoryExistsError{RepoHash: "repo-1"}, err)
		require.True(t, errors.Is(err, RepositoryExistsError{}))

		_, err = repos.GetRepository(ctx, "missing")
		require.Equal(t, RepositoryNotFoundError{RepoHash: "missing"}, err)
	})

	t.Run("replica set generation guards mutations", func(t *testing.T) {
		nodes, repos, _ := newStores(t)
		registerNodes(t, nodes, "node-1", "node-2")

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"}))

		generation, err := repos.GetGeneration(ctx, "repo-1")
		require.NoError(t, err)
		require.EqualValues(t, 0, generation)

		err = repos.CreateReplica(ctx, "repo-1", "node-1", 5)
		require.Equal(t, ReplicaSetChangedError{RepoHash: "repo-1", ExpectedGeneration: 5, ActualGeneration: 0}, err)
		require.True(t, errors.Is(err, ReplicaSetChangedError{}))

		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-1", 0))

		generation, err = repos.GetGeneration(ctx, "repo-1")
		require.NoError(t, err)
		require.EqualValues(t, 1, generation, "a created replica advances the generation")

		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-1", 1),
			"an assignment that is already in place is not an error")

		generation, err = repos.GetGeneration(ctx, "repo-1")
		require.NoError(t, err)
		require.EqualValues(t, 1, generation, "a no-op assignment does not advance the generation")

		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-2", 1))

		require.NoError(t, repos.DeleteReplica(ctx, "repo-1", "node-1"))

		generation, err = repos.GetGeneration(ctx, "repo-1")
		require.NoError(t, err)
		require.EqualValues(t, 3, generation, "a deleted replica advances the generation")

		require.Equal(t, ErrNoRowsAffected, repos.DeleteReplica(ctx, "repo-1", "node-1"))

		err = repos.CreateReplica(ctx, "missing", "node-1", 0)
		require.Equal(t, RepositoryNotFoundError{RepoHash: "missing"}, err)

		err = repos.CreateReplica(ctx, "repo-1", "missing", 3)
		require.Equal(t, UnknownNodeError{NodeID: "missing"}, err)

		_, err = repos.GetGeneration(ctx, "missing")
		require.Equal(t, RepositoryNotFoundError{RepoHash: "missing"}, err)
	})

	t.Run("replica listings", func(t *testing.T) {
		nodes, repos, _ := newStores(t)
		registerNodes(t, nodes, "node-1", "node-2")

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"}))
		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-2", StorageTier: "free"}))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-2", 0))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-1", 1))
		require.NoError(t, repos.CreateReplica(ctx, "repo-2", "node-1", 0))

		replicas, err := repos.GetReplicas(ctx, "repo-1")
		require.NoError(t, err)
		require.Len(t, replicas, 2)
		require.Equal(t, "node-1", replicas[0].NodeID, "replicas are ordered by node id")
		require.Equal(t, "node-2", replicas[1].NodeID)
		for _, replica := range replicas {
			require.Equal(t, "repo-1", replica.RepoHash)
			require.False(t, replica.CreatedAt.IsZero())
			require.Nil(t, replica.LastVerified, "fresh replicas were never verified")
		}

		hashes, err := repos.ReposOnNode(ctx, "node-1")
		require.NoError(t, err)
		require.Equal(t, []string{"repo-1", "repo-2"}, hashes)

		hashes, err = repos.ReposOnNode(ctx, "node-2")
		require.NoError(t, err)
		require.Equal(t, []string{"repo-1"}, hashes)

		hashes, err = repos.ReposOnNode(ctx, "missing")
		require.NoError(t, err)
		require.Empty(t, hashes)
	})

	t.Run("healthy replica count", func(t *testing.T) {
		nodes, repos, _ := newStores(t)
		registerNodes(t, nodes, "node-1", "node-2", "node-3")

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"}))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-1", 0))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-2", 1))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-3", 2))

		// node-3 drops below the placement threshold
		_, err := nodes.AdjustReputation(ctx, "node-3", -30, 0, 100)
		require.NoError(t, err)

		count, err := repos.HealthyReplicaCount(ctx, "repo-1", "", longAgo, 25)
		require.NoError(t, err)
		require.Equal(t, 2, count, "replicas below the reputation threshold do not count")

		count, err = repos.HealthyReplicaCount(ctx, "repo-1", "node-1", longAgo, 25)
		require.NoError(t, err)
		require.Equal(t, 1, count, "the excluded node is discounted")

		count, err = repos.HealthyReplicaCount(ctx, "repo-1", "", future, 25)
		require.NoError(t, err)
		require.Equal(t, 0, count, "replicas on nodes not seen since the cut-off do not count")

		// mark node-2 stale, the others stay fresh via heartbeats
		_, err = nodes.MarkStaleIfOverdue(ctx, future)
		require.NoError(t, err)
		require.NoError(t, nodes.Heartbeat(ctx, "node-1", 0))
		require.NoError(t, nodes.Heartbeat(ctx, "node-3", 0))

		count, err = repos.HealthyReplicaCount(ctx, "repo-1", "", longAgo, 25)
		require.NoError(t, err)
		require.Equal(t, 1, count, "replicas on stale nodes do not count")
	})

	t.Run("due for verification", func(t *testing.T) {
		nodes, repos, _ := newStores(t)
		registerNodes(t, nodes, "node-1", "node-2")

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-a", StorageTier: "free"}))
		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-b", StorageTier: "free"}))
		require.NoError(t, repos.CreateReplica(ctx, "repo-a", "node-1", 0))
		require.NoError(t, repos.CreateReplica(ctx, "repo-a", "node-2", 1))
		require.NoError(t, repos.CreateReplica(ctx, "repo-b", "node-1", 0))

		require.NoError(t, repos.MarkVerified(ctx, "repo-a", "node-1"))

		due, err := repos.DueForVerification(ctx, future, 10)
		require.NoError(t, err)
		require.Len(t, due, 3)
		require.Equal(t, "repo-a", due[0].RepoHash, "never verified replicas go first")
		require.Equal(t, "node-2", due[0].NodeID)
		require.Equal(t, "repo-b", due[1].RepoHash)
		require.Equal(t, "node-1", due[1].NodeID)
		require.Equal(t, "repo-a", due[2].RepoHash, "the freshly verified replica goes last")
		require.Equal(t, "node-1", due[2].NodeID)
		require.NotEmpty(t, due[0].Address, "the target carries the node endpoint")
		require.NotZero(t, due[0].Port)
		require.Nil(t, due[0].LastVerified)
		require.NotNil(t, due[2].LastVerified)

		due, err = repos.DueForVerification(ctx, future, 2)
		require.NoError(t, err)
		require.Len(t, due, 2, "the batch size is honored")

		due, err = repos.DueForVerification(ctx, longAgo, 10)
		require.NoError(t, err)
		require.Len(t, due, 2, "recently verified replicas are not due")

		// replicas of stale nodes are not challenged, repair handles them
		marked, err := nodes.MarkStaleIfOverdue(ctx, future)
		require.NoError(t, err)
		require.Equal(t, []string{"node-1", "node-2"}, marked)
		require.NoError(t, nodes.Heartbeat(ctx, "node-1", 0))

		due, err = repos.DueForVerification(ctx, future, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		for _, target := range due {
			require.Equal(t, "node-1", target.NodeID)
		}
	})

	t.Run("mark verified", func(t *testing.T) {
		nodes, repos, _ := newStores(t)
		registerNodes(t, nodes, "node-1")

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"}))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-1", 0))

		require.Equal(t, ErrNoRowsAffected, repos.MarkVerified(ctx, "repo-1", "missing"))

		require.NoError(t, repos.MarkVerified(ctx, "repo-1", "node-1"))

		replicas, err := repos.GetReplicas(ctx, "repo-1")
		require.NoError(t, err)
		require.Len(t, replicas, 1)
		require.NotNil(t, replicas[0].LastVerified)
	})

	t.Run("under replicated report", func(t *testing.T) {
		nodes, repos, pins := newStores(t)
		registerNodes(t, nodes, "node-1", "node-2")

		for _, repo := range []Repository{
			{RepoHash: "repo-unknown-tier", StorageTier: "archive"},
			{RepoHash: "repo-free", StorageTier: "free"},
			{RepoHash: "repo-paid", StorageTier: "paid"},
			{RepoHash: "repo-pinned", StorageTier: "free"},
		} {
			require.NoError(t, repos.CreateRepository(ctx, repo))
		}

		for _, hash := range []string{"repo-free", "repo-paid", "repo-pinned"} {
			require.NoError(t, repos.CreateReplica(ctx, hash, "node-1", 0))
			require.NoError(t, repos.CreateReplica(ctx, hash, "node-2", 1))
		}

		_, err := pins.Pin(ctx, 1, "repo-pinned")
		require.NoError(t, err)

		report, err := repos.UnderReplicated(ctx, HealthParams{
			TierRequirements: map[string]int{"free": 2, "paid": 3},
			DefaultRequired:  2,
			PinFloor:         4,
			SeenSince:        longAgo,
			MinScore:         25,
		})
		require.NoError(t, err)

		require.Equal(t, []UnderReplicatedRepository{
			{RepoHash: "repo-unknown-tier", StorageTier: "archive", RequiredCount: 2, HealthyCount: 0},
			{RepoHash: "repo-paid", StorageTier: "paid", RequiredCount: 3, HealthyCount: 2},
			{RepoHash: "repo-pinned", StorageTier: "free", RequiredCount: 4, HealthyCount: 2},
		}, report, "most critical repositories first, the satisfied free tier repository is absent")

		require.Equal(t, HealthCritical, report[0].Health())
		require.Equal(t, HealthNeedsReplication, report[1].Health())
	})

	t.Run("replica status report", func(t *testing.T) {
		nodes, repos, _ := newStores(t)
		registerNodes(t, nodes, "node-1", "node-2")

		require.NoError(t, nodes.Register(ctx, Node{
			ID: "node-anchor", Address: "10.0.0.9", Port: 2306, StorageCapacity: 1000, ReputationScore: 50, Anchor: true,
		}))

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"}))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-2", 0))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-anchor", 1))

		_, err := nodes.AdjustReputation(ctx, "node-2", -40, 0, 100)
		require.NoError(t, err)

		statuses, err := repos.GetReplicaStatus(ctx, "repo-1")
		require.NoError(t, err)
		require.Len(t, statuses, 2)

		require.Equal(t, "node-2", statuses[0].NodeID)
		require.Equal(t, 10, statuses[0].ReputationScore)
		require.False(t, statuses[0].Anchor)

		require.Equal(t, "node-anchor", statuses[1].NodeID)
		require.Equal(t, 50, statuses[1].ReputationScore)
		require.True(t, statuses[1].Anchor)
		require.False(t, statuses[1].NodeStale)
		require.False(t, statuses[1].NodeLastSeen.IsZero())
	})
}

func TestHealthFor(t *testing.T) {
	for _, tc := range []struct {
		healthy  int
		required int
		expected RepositoryHealth
	}{
		{healthy: 0, required: 3, expected: HealthCritical},
		{healthy: 0, required: 0, expected: HealthCritical},
		{healthy: 1, required: 3, expected: HealthNeedsReplication},
		{healthy: 2, required: 3, expected: HealthNeedsReplication},
		{healthy: 3, required: 3, expected: HealthGood},
		{healthy: 4, required: 3, expected: HealthGood},
		{healthy: 5, required: 3, expected: HealthExcellent},
		{healthy: 6, required: 3, expected: HealthExcellent},
	} {
		require.Equal(t, tc.expected, HealthFor(tc.healthy, tc.required), "healthy %d of %d", tc.healthy, tc.required)
	}
}
