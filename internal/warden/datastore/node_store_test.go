package datastore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/testhelper"
)

// datastoreFactory returns store implementations backed by shared state, so
// cross table queries see the data of all three stores.
type datastoreFactory func(t *testing.T) (NodeStore, RepositoryStore, PinStore)

func memoryDatastoreFactory(t *testing.T) (NodeStore, RepositoryStore, PinStore) {
	ds := NewMemoryDatastore()
	return ds, ds, ds
}

func TestNodeStore_Memory(t *testing.T) {
	testNodeStore(t, memoryDatastoreFactory)
}

func testNodeStore(t *testing.T, newStores datastoreFactory) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	// a heartbeat cut-off all freshly registered nodes satisfy
	longAgo := time.Now().Add(-time.Hour)
	// a cut-off no node can satisfy
	future := time.Now().Add(time.Hour)

	t.Run("register and get", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		require.NoError(t, nodes.Register(ctx, Node{
			ID:              "node-1",
			Address:         "10.0.0.1",
			Port:            2306,
			StorageCapacity: 1000,
			StorageUsed:     100,
			ReputationScore: 50,
			Anchor:          true,
		}))

		node, err := nodes.GetNode(ctx, "node-1")
		require.NoError(t, err)
		require.False(t, node.RegisteredAt.IsZero())
		require.False(t, node.LastSeen.IsZero())

		node.RegisteredAt = time.Time{}
		node.LastSeen = time.Time{}
		require.Equal(t, Node{
			ID:              "node-1",
			Address:         "10.0.0.1",
			Port:            2306,
			StorageCapacity: 1000,
			StorageUsed:     100,
			ReputationScore: 50,
			Anchor:          true,
		}, node)
	})

	t.Run("get unknown node", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		_, err := nodes.GetNode(ctx, "missing")
		require.Equal(t, UnknownNodeError{NodeID: "missing"}, err)
		require.True(t, errors.Is(err, UnknownNodeError{}))
	})

	t.Run("re-registration refreshes the record", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		require.NoError(t, nodes.Register(ctx, Node{
			ID: "node-1", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, StorageUsed: 800, ReputationScore: 50,
		}))

		score, err := nodes.AdjustReputation(ctx, "node-1", 10, 0, 100)
		require.NoError(t, err)
		require.Equal(t, 60, score)

		_, err = nodes.MarkStaleIfOverdue(ctx, future)
		require.NoError(t, err)

		// re-register with a new endpoint and a smaller capacity
		require.NoError(t, nodes.Register(ctx, Node{
			ID: "node-1", Address: "10.0.0.9", Port: 2307, StorageCapacity: 500, ReputationScore: 50,
		}))

		node, err := nodes.GetNode(ctx, "node-1")
		require.NoError(t, err)
		require.Equal(t, "10.0.0.9", node.Address)
		require.Equal(t, 2307, node.Port)
		require.Equal(t, int64(500), node.StorageCapacity)
		require.Equal(t, int64(500), node.StorageUsed, "reported usage is clamped to the shrunk capacity")
		require.Equal(t, 60, node.ReputationScore, "earned reputation survives re-registration")
		require.False(t, node.Stale, "re-registration brings the node back")
	})

	t.Run("registering an endpoint of another node", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		require.NoError(t, nodes.Register(ctx, Node{
			ID: "node-1", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 50,
		}))

		err := nodes.Register(ctx, Node{
			ID: "node-2", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 50,
		})
		require.Equal(t, DuplicateNodeError{Address: "10.0.0.1", Port: 2306, ExistingID: "node-1"}, err)
		require.True(t, errors.Is(err, DuplicateNodeError{}))
	})

	t.Run("heartbeat", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		require.NoError(t, nodes.Register(ctx, Node{
			ID: "node-1", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 50,
		}))

		marked, err := nodes.MarkStaleIfOverdue(ctx, future)
		require.NoError(t, err)
		require.Equal(t, []string{"node-1"}, marked)

		require.NoError(t, nodes.Heartbeat(ctx, "node-1", 42))

		node, err := nodes.GetNode(ctx, "node-1")
		require.NoError(t, err)
		require.Equal(t, int64(42), node.StorageUsed)
		require.False(t, node.Stale, "heartbeat clears the stale flag")

		require.NoError(t, nodes.Heartbeat(ctx, "node-1", 100500))
		node, err = nodes.GetNode(ctx, "node-1")
		require.NoError(t, err)
		require.Equal(t, int64(1000), node.StorageUsed, "reported usage is clamped to the capacity")

		err = nodes.Heartbeat(ctx, "missing", 0)
		require.Equal(t, UnknownNodeError{NodeID: "missing"}, err)
	})

	t.Run("list active ordering", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		for _, node := range []Node{
			{ID: "node-a", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 80},
			{ID: "node-b", Address: "10.0.0.2", Port: 2306, StorageCapacity: 500, ReputationScore: 90},
			{ID: "node-c", Address: "10.0.0.3", Port: 2306, StorageCapacity: 2000, StorageUsed: 500, ReputationScore: 80},
			{ID: "node-d", Address: "10.0.0.4", Port: 2306, StorageCapacity: 1000, ReputationScore: 80},
		} {
			require.NoError(t, nodes.Register(ctx, node))
		}

		active, err := nodes.ListActive(ctx, longAgo, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"node-b", "node-c", "node-a", "node-d"}, nodeIDs(active),
			"reputation first, then free capacity, then id")

		active, err = nodes.ListActive(ctx, longAgo, 600)
		require.NoError(t, err)
		require.Equal(t, []string{"node-c", "node-a", "node-d"}, nodeIDs(active),
			"nodes without the requested free capacity are filtered out")

		active, err = nodes.ListActive(ctx, future, 0)
		require.NoError(t, err)
		require.Empty(t, active, "nodes not seen since the cut-off are filtered out")

		_, err = nodes.MarkStaleIfOverdue(ctx, future)
		require.NoError(t, err)

		active, err = nodes.ListActive(ctx, longAgo, 0)
		require.NoError(t, err)
		require.Empty(t, active, "stale nodes are filtered out")
	})

	t.Run("mark stale if overdue", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		require.NoError(t, nodes.Register(ctx, Node{ID: "node-a", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 50}))
		require.NoError(t, nodes.Register(ctx, Node{ID: "node-b", Address: "10.0.0.2", Port: 2306, StorageCapacity: 1000, ReputationScore: 50}))

		marked, err := nodes.MarkStaleIfOverdue(ctx, future)
		require.NoError(t, err)
		require.Equal(t, []string{"node-a", "node-b"}, marked)

		marked, err = nodes.MarkStaleIfOverdue(ctx, future)
		require.NoError(t, err)
		require.Empty(t, marked, "nodes marked before are not reported again")

		require.NoError(t, nodes.Heartbeat(ctx, "node-a", 0))

		marked, err = nodes.MarkStaleIfOverdue(ctx, longAgo)
		require.NoError(t, err)
		require.Empty(t, marked, "the heartbeat renewed the node")
	})

	t.Run("adjust reputation clamps the score", func(t *testing.T) {
		nodes, _, _ := newStores(t)

		require.NoError(t, nodes.Register(ctx, Node{ID: "node-1", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 50}))

		for _, tc := range []struct {
			delta    int
			expected int
		}{
			{delta: 100, expected: 100},
			{delta: 1, expected: 100},
			{delta: -300, expected: 0},
			{delta: -1, expected: 0},
			{delta: 7, expected: 7},
		} {
			score, err := nodes.AdjustReputation(ctx, "node-1", tc.delta, 0, 100)
			require.NoError(t, err)
			require.Equal(t, tc.expected, score)
		}

		_, err := nodes.AdjustReputation(ctx, "missing", 1, 0, 100)
		require.Equal(t, UnknownNodeError{NodeID: "missing"}, err)
	})

	t.Run("list status counts replicas", func(t *testing.T) {
		nodes, repos, _ := newStores(t)

		require.NoError(t, nodes.Register(ctx, Node{ID: "node-a", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 50}))
		require.NoError(t, nodes.Register(ctx, Node{ID: "node-b", Address: "10.0.0.2", Port: 2306, StorageCapacity: 1000, ReputationScore: 50}))

		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-1", StorageTier: "free"}))
		require.NoError(t, repos.CreateRepository(ctx, Repository{RepoHash: "repo-2", StorageTier: "free"}))
		require.NoError(t, repos.CreateReplica(ctx, "repo-1", "node-a", 0))
		require.NoError(t, repos.CreateReplica(ctx, "repo-2", "node-a", 0))
		require.NoError(t, repos.CreateReplica(ctx, "repo-2", "node-b", 1))

		statuses, err := nodes.ListStatus(ctx)
		require.NoError(t, err)
		require.Len(t, statuses, 2)
		require.Equal(t, "node-a", statuses[0].ID)
		require.EqualValues(t, 2, statuses[0].ReplicaCount)
		require.Equal(t, "node-b", statuses[1].ID)
		require.EqualValues(t, 1, statuses[1].ReplicaCount)
	})
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	return ids
}
