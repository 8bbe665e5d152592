package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260310090030_repositories_table",
		Up: []string{
			`CREATE TABLE repositories (
				repo_hash TEXT PRIMARY KEY,
				owner_id BIGINT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				storage_tier TEXT NOT NULL DEFAULT 'free',
				is_private BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
				last_updated TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC')
			)`,

			`CREATE INDEX repository_owner_idx ON repositories (owner_id)`,
		},
		Down: []string{
			`DROP TABLE repositories`,
		},
	}

	allMigrations = append(allMigrations, m)
}
