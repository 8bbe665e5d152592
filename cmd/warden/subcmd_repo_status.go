package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

const repoStatusCmdName = "repo-status"

// repoStatusSubcommand prints the metadata, effective replica requirement and
// per replica health of a single repository.
type repoStatusSubcommand struct {
	w        io.Writer
	repoHash string
	// repos and pins override the database backed stores, used by tests.
	repos datastore.RepositoryStore
	pins  datastore.PinStore
}

func newRepoStatusSubcommand(writer io.Writer) *repoStatusSubcommand {
	return &repoStatusSubcommand{w: writer}
}

func (cmd *repoStatusSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(repoStatusCmdName, flag.ExitOnError)
	flags.StringVar(&cmd.repoHash, "repo", "", "hash of the repository to inspect")
	return flags
}

func (cmd *repoStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if cmd.repoHash == "" {
		return errors.New("repository hash required, use -repo")
	}

	repos, pins := cmd.repos, cmd.pins
	if repos == nil {
		db, clean, err := openDB(conf.DB)
		if err != nil {
			return err
		}
		defer clean()

		repos = datastore.NewPostgresRepositoryStore(db)
		pins = datastore.NewPostgresPinStore(db)
	}

	ctx := context.Background()

	repo, err := repos.GetRepository(ctx, cmd.repoHash)
	if err != nil {
		return err
	}

	required := conf.Tier(repo.StorageTier).RequiredCount

	pinCount, err := pins.PinCount(ctx, repo.RepoHash)
	if err != nil {
		return err
	}

	if pinCount > 0 && conf.Pins.Floor > required {
		required = conf.Pins.Floor
	}

	statuses, err := repos.GetReplicaStatus(ctx, repo.RepoHash)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.w, "Repository: %s\n", repo.RepoHash)
	fmt.Fprintf(cmd.w, "Name:       %s\n", repo.Name)
	fmt.Fprintf(cmd.w, "Tier:       %s\n", repo.StorageTier)
	fmt.Fprintf(cmd.w, "Size:       %d bytes\n", repo.Size)
	fmt.Fprintf(cmd.w, "Pins:       %d\n", pinCount)
	fmt.Fprintf(cmd.w, "Required:   %d replicas\n", required)
	fmt.Fprintf(cmd.w, "Held:       %d replicas\n\n", len(statuses))

	if len(statuses) == 0 {
		fmt.Fprintf(cmd.w, "no replicas recorded\n")
		return nil
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Node", "Reputation", "Anchor", "Stale", "Node Last Seen", "Last Verified"})

	for _, status := range statuses {
		lastVerified := "never"
		if status.LastVerified != nil {
			lastVerified = status.LastVerified.UTC().Format(timeFmt)
		}

		table.Append([]string{
			status.NodeID,
			strconv.Itoa(status.ReputationScore),
			yesNo(status.Anchor),
			yesNo(status.NodeStale),
			status.NodeLastSeen.UTC().Format(timeFmt),
			lastVerified,
		})
	}

	table.Render()
	return nil
}
