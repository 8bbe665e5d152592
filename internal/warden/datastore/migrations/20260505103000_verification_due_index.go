package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260505103000_verification_due_index",
		Up: []string{
			// Never verified replicas sort first so the scheduler picks
			// them up before anything else.
			`CREATE INDEX replica_verification_due_idx ON replicas (last_verified ASC NULLS FIRST)`,

			`CREATE INDEX node_active_idx ON nodes (last_seen) WHERE NOT stale`,
		},
		Down: []string{
			`DROP INDEX replica_verification_due_idx`,
			`DROP INDEX node_active_idx`,
		},
	}

	allMigrations = append(allMigrations, m)
}
