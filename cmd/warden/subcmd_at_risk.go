package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

const atRiskCmdName = "at-risk"

// atRiskSubcommand reports every repository whose healthy replica count is
// below its effective requirement, together with its health classification.
type atRiskSubcommand struct {
	w io.Writer
	// repos overrides the database backed store, used by tests.
	repos datastore.RepositoryStore
}

func newAtRiskSubcommand(writer io.Writer) *atRiskSubcommand {
	return &atRiskSubcommand{w: writer}
}

func (cmd *atRiskSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(atRiskCmdName, flag.ExitOnError)
}

func (cmd *atRiskSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	repos := cmd.repos
	if repos == nil {
		db, clean, err := openDB(conf.DB)
		if err != nil {
			return err
		}
		defer clean()

		repos = datastore.NewPostgresRepositoryStore(db)
	}

	params := datastore.HealthParams{
		TierRequirements: make(map[string]int, len(conf.Tiers)),
		PinFloor:         conf.Pins.Floor,
		SeenSince:        time.Now().Add(-conf.Registry.StalenessThreshold()),
		MinScore:         conf.Reputation.Threshold,
	}
	for i, tier := range conf.Tiers {
		if i == 0 {
			params.DefaultRequired = tier.RequiredCount
		}
		params.TierRequirements[tier.Name] = tier.RequiredCount
	}

	report, err := repos.UnderReplicated(context.Background(), params)
	if err != nil {
		return fmt.Errorf("query under-replicated repositories: %v", err)
	}

	if len(report) == 0 {
		fmt.Fprintf(cmd.w, "all repositories meet their replica requirement\n")
		return nil
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Repository", "Tier", "Healthy", "Required", "Health"})

	for _, repo := range report {
		table.Append([]string{
			repo.RepoHash,
			repo.StorageTier,
			strconv.Itoa(repo.HealthyCount),
			strconv.Itoa(repo.RequiredCount),
			string(repo.Health()),
		})
	}

	table.Render()
	return nil
}
