package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/testhelper"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

func TestAtRiskSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()

	var out bytes.Buffer
	cmd := newAtRiskSubcommand(&out)
	cmd.repos = ds

	require.NoError(t, cmd.Exec(cmd.FlagSet(), testConfig()))
	require.Contains(t, out.String(), "all repositories meet their replica requirement")

	for _, node := range []datastore.Node{
		{ID: "node-1", Address: "10.0.0.1", Port: 2306, StorageCapacity: 1000, ReputationScore: 50},
		{ID: "node-2", Address: "10.0.0.2", Port: 2306, StorageCapacity: 1000, ReputationScore: 50},
		{ID: "node-3", Address: "10.0.0.3", Port: 2306, StorageCapacity: 1000, ReputationScore: 10},
	} {
		require.NoError(t, ds.Register(ctx, node))
	}

	require.NoError(t, ds.CreateRepository(ctx, datastore.Repository{RepoHash: "abc123", StorageTier: "free"}))
	for _, node := range []string{"node-1", "node-2", "node-3"} {
		gen, err := ds.GetGeneration(ctx, "abc123")
		require.NoError(t, err)
		require.NoError(t, ds.CreateReplica(ctx, "abc123", node, gen))
	}

	// node-3 sits below the reputation threshold so only two replicas count
	// as healthy against the free tier requirement of three.
	out.Reset()
	require.NoError(t, cmd.Exec(cmd.FlagSet(), testConfig()))

	report := out.String()
	require.Contains(t, report, "abc123")
	require.Contains(t, report, "free")
	require.Contains(t, report, string(datastore.HealthNeedsReplication))
}
