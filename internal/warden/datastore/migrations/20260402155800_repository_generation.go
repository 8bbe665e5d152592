package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260402155800_repository_generation",
		Up: []string{
			// The generation is bumped every time the replica set of a
			// repository changes. Repair cycles use it to deduplicate
			// work orders issued for the same replica set.
			`ALTER TABLE repositories ADD COLUMN generation BIGINT NOT NULL DEFAULT 0`,
		},
		Down: []string{
			`ALTER TABLE repositories DROP COLUMN generation`,
		},
	}

	allMigrations = append(allMigrations, m)
}
