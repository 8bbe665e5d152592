package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260310091200_pins_table",
		Up: []string{
			`CREATE TABLE pins (
				user_id BIGINT NOT NULL,
				repo_hash TEXT NOT NULL REFERENCES repositories (repo_hash) ON DELETE CASCADE,
				pinned_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
				PRIMARY KEY (user_id, repo_hash)
			)`,

			`CREATE INDEX pin_repository_idx ON pins (repo_hash)`,
		},
		Down: []string{
			`DROP TABLE pins`,
		},
	}

	allMigrations = append(allMigrations, m)
}
