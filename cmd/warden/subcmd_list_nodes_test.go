package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/testhelper"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

func testConfig() config.Config {
	return config.Config{
		Registry:     config.DefaultRegistryConfig(),
		Reputation:   config.DefaultReputationConfig(),
		Verification: config.DefaultVerificationConfig(),
		Repair:       config.DefaultRepairConfig(),
		Pins:         config.DefaultPinsConfig(),
		Tiers:        config.DefaultTiers(),
	}
}

func TestListNodesSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	ds := datastore.NewMemoryDatastore()

	var out bytes.Buffer
	cmd := newListNodesSubcommand(&out)
	cmd.nodes = ds

	require.NoError(t, cmd.Exec(cmd.FlagSet(), testConfig()))
	require.Contains(t, out.String(), "no nodes registered")

	require.NoError(t, ds.Register(ctx, datastore.Node{
		ID:              "node-1",
		Address:         "10.0.0.1",
		Port:            2306,
		StorageCapacity: 1000,
		StorageUsed:     250,
		ReputationScore: 50,
		Anchor:          true,
	}))
	require.NoError(t, ds.Register(ctx, datastore.Node{
		ID:              "node-2",
		Address:         "10.0.0.2",
		Port:            2306,
		StorageCapacity: 2000,
		ReputationScore: 35,
	}))

	require.NoError(t, ds.CreateRepository(ctx, datastore.Repository{RepoHash: "abc123", StorageTier: "free"}))
	gen, err := ds.GetGeneration(ctx, "abc123")
	require.NoError(t, err)
	require.NoError(t, ds.CreateReplica(ctx, "abc123", "node-2", gen))

	out.Reset()
	require.NoError(t, cmd.Exec(cmd.FlagSet(), testConfig()))

	report := out.String()
	require.Contains(t, report, "node-1")
	require.Contains(t, report, "10.0.0.1:2306")
	require.Contains(t, report, "250/1000")
	require.Contains(t, report, "node-2")
	require.Contains(t, report, "0/2000")
}
