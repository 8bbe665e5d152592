package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20260318121400_repair_queue",
		Up: []string{
			`CREATE TYPE REPAIR_JOB_STATE AS ENUM('ready', 'in_progress', 'completed', 'dead', 'failed')`,

			`CREATE TYPE REPAIR_TRIGGER AS ENUM('verification_failed', 'node_stale', 'pin_created', 'repository_created')`,

			`CREATE TABLE repair_queue (
				id BIGSERIAL PRIMARY KEY,
				state REPAIR_JOB_STATE NOT NULL DEFAULT 'ready',
				created_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
				updated_at TIMESTAMP WITHOUT TIME ZONE,
				attempt INTEGER NOT NULL DEFAULT 3,
				lock_id TEXT,
				change REPAIR_TRIGGER NOT NULL,
				repo_hash TEXT NOT NULL,
				node_id TEXT NOT NULL DEFAULT ''
			)`,

			`CREATE TABLE repair_queue_lock (
				id TEXT PRIMARY KEY,
				acquired BOOLEAN NOT NULL DEFAULT FALSE
			)`,

			`CREATE TABLE repair_queue_job_lock (
				job_id BIGINT REFERENCES repair_queue (id),
				lock_id TEXT REFERENCES repair_queue_lock (id),
				triggered_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC'),
				PRIMARY KEY (job_id, lock_id)
			)`,

			`CREATE INDEX repair_queue_state_idx ON repair_queue (state, created_at)`,
		},
		Down: []string{
			`DROP TABLE repair_queue_job_lock`,
			`DROP TABLE repair_queue_lock`,
			`DROP TABLE repair_queue`,
			`DROP TYPE REPAIR_TRIGGER`,
			`DROP TYPE REPAIR_JOB_STATE`,
		},
	}

	allMigrations = append(allMigrations, m)
}
