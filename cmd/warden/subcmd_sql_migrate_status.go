package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

const sqlMigrateStatusCmdName = "sql-migrate-status"

type sqlMigrateStatusSubcommand struct{}

func (s *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (s *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	migrationStatus, err := datastore.MigrateStatus(conf)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Migration", "Applied"})

	// Display the rows in order of name
	var keys []string
	for k := range migrationStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	unknown := 0
	for _, k := range keys {
		row := migrationStatus[k]

		applied := "no"
		if row.Unknown {
			unknown++
			applied = "unknown migration"
		} else if row.Migrated {
			applied = row.AppliedAt.Format(timeFmt)
		}

		table.Append([]string{k, applied})
	}

	table.Render()

	if unknown > 0 {
		fmt.Printf("warning: %d unknown migrations found in the database\n", unknown)
	}

	return nil
}
