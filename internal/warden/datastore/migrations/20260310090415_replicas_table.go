package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260310090415_replicas_table",
		Up: []string{
			`CREATE TABLE replicas (
				repo_hash TEXT NOT NULL REFERENCES repositories (repo_hash) ON DELETE CASCADE,
				node_id TEXT NOT NULL REFERENCES nodes (node_id),
				created_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
				last_verified TIMESTAMP WITHOUT TIME ZONE,
				PRIMARY KEY (repo_hash, node_id)
			)`,

			`CREATE INDEX replica_node_idx ON replicas (node_id)`,
		},
		Down: []string{
			`DROP TABLE replicas`,
		},
	}

	allMigrations = append(allMigrations, m)
}
