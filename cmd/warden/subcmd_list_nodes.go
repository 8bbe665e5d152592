package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

const listNodesCmdName = "list-nodes"

type listNodesSubcommand struct {
	w io.Writer
	// nodes overrides the database backed store, used by tests.
	nodes datastore.NodeStore
}

func newListNodesSubcommand(writer io.Writer) *listNodesSubcommand {
	return &listNodesSubcommand{w: writer}
}

func (cmd *listNodesSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(listNodesCmdName, flag.ExitOnError)
}

func (cmd *listNodesSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	nodes := cmd.nodes
	if nodes == nil {
		db, clean, err := openDB(conf.DB)
		if err != nil {
			return err
		}
		defer clean()

		nodes = datastore.NewPostgresNodeStore(db)
	}

	statuses, err := nodes.ListStatus(context.Background())
	if err != nil {
		return fmt.Errorf("list nodes: %v", err)
	}

	if len(statuses) == 0 {
		fmt.Fprintf(cmd.w, "no nodes registered\n")
		return nil
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Node", "Endpoint", "Used/Capacity", "Reputation", "Anchor", "Stale", "Last Seen", "Replicas"})

	for _, status := range statuses {
		table.Append([]string{
			status.ID,
			fmt.Sprintf("%s:%d", status.Address, status.Port),
			fmt.Sprintf("%d/%d", status.StorageUsed, status.StorageCapacity),
			strconv.Itoa(status.ReputationScore),
			yesNo(status.Anchor),
			yesNo(status.Stale),
			status.LastSeen.UTC().Format(timeFmt),
			strconv.FormatInt(status.ReplicaCount, 10),
		})
	}

	table.Render()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
