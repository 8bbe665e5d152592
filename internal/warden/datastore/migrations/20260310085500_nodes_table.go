package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260310085500_nodes_table",
		Up: []string{
			`CREATE TABLE nodes (
				node_id TEXT PRIMARY KEY,
				address TEXT NOT NULL,
				port INTEGER NOT NULL,
				storage_capacity BIGINT NOT NULL,
				storage_used BIGINT NOT NULL DEFAULT 0,
				reputation_score INTEGER NOT NULL,
				is_anchor BOOLEAN NOT NULL DEFAULT FALSE,
				stale BOOLEAN NOT NULL DEFAULT FALSE,
				registered_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
				last_seen TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
				CONSTRAINT used_within_capacity CHECK (storage_used <= storage_capacity)
			)`,

			`CREATE UNIQUE INDEX node_endpoint_idx ON nodes (address, port)`,
		},
		Down: []string{
			`DROP TABLE nodes`,
		},
	}

	allMigrations = append(allMigrations, m)
}
