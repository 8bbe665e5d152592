package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
)

// interface implementation check
var _ RepairEventQueue = PostgresRepairEventQueue{}

// NewPostgresRepairEventQueue returns a new instance with provided Querier as a reference to storage.
func NewPostgresRepairEventQueue(qc glsql.Querier) PostgresRepairEventQueue {
	return PostgresRepairEventQueue{qc: qc}
}

// PostgresRepairEventQueue is a Postgres implementation of the persistent queue.
type PostgresRepairEventQueue struct {
	qc glsql.Querier
}

func (rq PostgresRepairEventQueue) Enqueue(ctx context.Context, event RepairEvent) (RepairEvent, error) {
	// The query works in two steps:
	//   1. `insert_lock` CTE creates a tracking row for the repository in the
	//      'repair_queue_lock' table if it does not exist yet. The tracking row
	//      is used to serialize processing of events belonging to the same
	//      repository. The ON CONFLICT clause makes sure the id is always
	//      returned, no matter if the row was just created or existed before.
	//   2. Insertion of the new event into the 'repair_queue' table with a
	//      reference to the tracking row.
	query := `
		WITH insert_lock AS (
			INSERT INTO repair_queue_lock(id)
			VALUES ($1)
			ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
			RETURNING id
		)
		INSERT INTO repair_queue(lock_id, change, repo_hash, node_id)
		SELECT insert_lock.id, $2, $3, $4
		FROM insert_lock
		RETURNING id, state, created_at, updated_at, lock_id, attempt, change, repo_hash, node_id`

	rows, err := rq.qc.QueryContext(ctx, query, event.Job.RepoHash, event.Job.Change, event.Job.RepoHash, event.Job.NodeID)
	if err != nil {
		return RepairEvent{}, fmt.Errorf("query: %w", err)
	}

	var events []RepairEvent
	if err := scanRepairEvents(rows, &events); err != nil {
		return RepairEvent{}, fmt.Errorf("scan: %w", err)
	}

	return events[0], nil
}

func (rq PostgresRepairEventQueue) Dequeue(ctx context.Context, count int) ([]RepairEvent, error) {
	// The query works in a few steps:
	//   1. `lock` CTE acquires tracking rows of the repositories that have
	//      events ready for processing and are not processed by anyone else at
	//      the moment. FOR UPDATE makes sure concurrent dequeuers do not grab
	//      the same repositories.
	//   2. `candidate` CTE chooses the oldest event of each acquired
	//      repository, so repairs of a single repository are applied in the
	//      order they were scheduled.
	//   3. UPDATE moves the chosen events into 'in_progress' state and uses up
	//      one processing attempt.
	query := `
		WITH lock AS (
			UPDATE repair_queue_lock
			SET acquired = TRUE
			WHERE id IN (
				SELECT lock_id
				FROM repair_queue
				WHERE state IN ('ready', 'failed')
				ORDER BY created_at
				LIMIT $1 FOR UPDATE
			) AND NOT acquired
			RETURNING id
		)
		, candidate AS (
			SELECT id
			FROM repair_queue
			WHERE id IN (
				SELECT DISTINCT FIRST_VALUE(queue.id) OVER (PARTITION BY lock_id ORDER BY queue.created_at)
				FROM repair_queue AS queue
				JOIN lock ON queue.lock_id = lock.id
				WHERE queue.state IN ('ready', 'failed')
			)
			FOR UPDATE
		)
		UPDATE repair_queue AS queue
		SET attempt = queue.attempt - 1,
			state = 'in_progress',
			updated_at = NOW() AT TIME ZONE 'UTC'
		FROM candidate
		WHERE queue.id = candidate.id
		RETURNING queue.id, queue.state, queue.created_at, queue.updated_at, queue.lock_id, queue.attempt, queue.change, queue.repo_hash, queue.node_id`

	rows, err := rq.qc.QueryContext(ctx, query, count)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	var events []RepairEvent
	if err := scanRepairEvents(rows, &events); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	// mark dequeued events as active with the current timestamp, so they are
	// not considered stale until the health tracking misses an update
	jobIDs := make(pq.Int64Array, len(events))
	lockIDs := make(pq.StringArray, len(events))
	for i := range events {
		jobIDs[i] = int64(events[i].ID)
		lockIDs[i] = events[i].LockID
	}

	healthQuery := `
		INSERT INTO repair_queue_job_lock (job_id, lock_id, triggered_at)
		SELECT job_id, lock_id, NOW() AT TIME ZONE 'UTC'
		FROM (SELECT UNNEST($1::BIGINT[]) AS job_id, UNNEST($2::TEXT[]) AS lock_id) AS tracking`

	if _, err := rq.qc.ExecContext(ctx, healthQuery, jobIDs, lockIDs); err != nil {
		return nil, fmt.Errorf("health tracking: %w", err)
	}

	return events, nil
}

func (rq PostgresRepairEventQueue) Acknowledge(ctx context.Context, state JobState, ids []uint64) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if err := allowToAck(state); err != nil {
		return nil, err
	}

	pqIDs := make(pq.Int64Array, len(ids))
	for i, id := range ids {
		pqIDs[i] = int64(id)
	}

	// The query works in a few steps:
	//   1. `existing` CTE locks the events that were actually dequeued, so
	//      acknowledge of an unknown or not yet processed event is a no-op.
	//      The updated_at column still holds the dequeue timestamp here.
	//   2. `updated` CTE moves the events into the new state. An event
	//      acknowledged as 'failed' with no attempts left becomes 'dead'
	//      instead, it won't be retried anymore.
	//   3. `covered` CTE removes identical events that were scheduled before a
	//      'completed' event was dequeued, the successful repair covers them
	//      as well. Such events were never dequeued, so they hold no health
	//      tracking rows and the lock release below stays unaffected.
	//   4. `removed_job_lock` CTE drops the health tracking rows of the
	//      acknowledged events.
	//   5. The final UPDATE releases the repository tracking rows that have no
	//      events in flight anymore, so the next event of the repository can
	//      be dequeued.
	query := `
		WITH existing AS (
			SELECT id, lock_id, updated_at, change, node_id
			FROM repair_queue
			WHERE id = ANY($1)
			AND state = 'in_progress'
			FOR UPDATE
		)
		, updated AS (
			UPDATE repair_queue AS queue
			SET state = (CASE WHEN $2 = 'failed' AND queue.attempt = 0 THEN 'dead' ELSE $2 END)::REPAIR_JOB_STATE,
				updated_at = NOW() AT TIME ZONE 'UTC'
			FROM existing
			WHERE existing.id = queue.id
			RETURNING queue.id, queue.lock_id
		)
		, covered AS (
			DELETE FROM repair_queue AS queue
			USING existing
			WHERE $2 = 'completed'
			AND queue.id <> existing.id
			AND queue.lock_id = existing.lock_id
			AND queue.change = existing.change
			AND queue.node_id IS NOT DISTINCT FROM existing.node_id
			AND queue.state IN ('ready', 'failed')
			AND queue.created_at <= existing.updated_at
		)
		, removed_job_lock AS (
			DELETE FROM repair_queue_job_lock AS job_lock
			USING updated
			WHERE job_lock.job_id = updated.id AND job_lock.lock_id = updated.lock_id
			RETURNING job_lock.lock_id
		)
		, release AS (
			UPDATE repair_queue_lock
			SET acquired = FALSE
			WHERE id IN (
				SELECT existing.lock_id
				FROM (SELECT lock_id, COUNT(*) AS amount FROM removed_job_lock GROUP BY lock_id) AS removed
				JOIN (
					SELECT lock_id, COUNT(*) AS amount
					FROM repair_queue_job_lock
					WHERE lock_id IN (SELECT lock_id FROM removed_job_lock)
					GROUP BY lock_id
				) AS existing ON existing.lock_id = removed.lock_id AND existing.amount = removed.amount
			)
		)
		SELECT id
		FROM updated`

	rows, err := rq.qc.QueryContext(ctx, query, pqIDs, string(state))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var acknowledged glsql.Uint64Provider
	if err := glsql.ScanAll(rows, &acknowledged); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	return acknowledged.Values(), rows.Err()
}

// StartHealthUpdate starts periodical update of the event's health identifier.
// The events with fresh health identifier won't be considered as stale.
// The health update will be executed on each new entry received from trigger channel passed in.
// It is a blocking call that is managed by the passed in context.
func (rq PostgresRepairEventQueue) StartHealthUpdate(ctx context.Context, trigger <-chan time.Time, events []RepairEvent) error {
	if len(events) == 0 {
		return nil
	}

	jobIDs := make(pq.Int64Array, len(events))
	lockIDs := make(pq.StringArray, len(events))
	for i := range events {
		jobIDs[i] = int64(events[i].ID)
		lockIDs[i] = events[i].LockID
	}

	query := `
		UPDATE repair_queue_job_lock
		SET triggered_at = NOW() AT TIME ZONE 'UTC'
		WHERE (job_id, lock_id) IN (SELECT UNNEST($1::BIGINT[]), UNNEST($2::TEXT[]))`

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
			res, err := rq.qc.ExecContext(ctx, query, jobIDs, lockIDs)
			if err != nil {
				if pqError, ok := err.(*pq.Error); ok && pqError.Code.Name() == "query_canceled" {
					return nil
				}
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return err
			}

			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}

			if affected == 0 {
				// all events were acknowledged, nothing to update anymore
				return nil
			}
		}
	}
}

// AcknowledgeStale moves repair events that are in 'in_progress' state for too long
// (more than staleAfter) into the next state:
//   'failed' - in case it has more attempts to be executed
//   'dead' - in case it has no more attempts to be executed
// An event is considered 'in_progress' if it has a corresponding row in the
// 'repair_queue_job_lock' table. Events are checked by the freshness of the
// 'triggered_at' column, maintained by StartHealthUpdate, so events of a
// crashed warden instance are eventually returned back into the queue.
func (rq PostgresRepairEventQueue) AcknowledgeStale(ctx context.Context, staleAfter time.Duration) error {
	query := `
		WITH stale_job_lock AS (
			DELETE FROM repair_queue_job_lock
			WHERE triggered_at < NOW() AT TIME ZONE 'UTC' - INTERVAL '1 MILLISECOND' * $1
			RETURNING job_id, lock_id
		)
		, update_job AS (
			UPDATE repair_queue AS queue
			SET state = (CASE WHEN attempt >= 1 THEN 'failed' ELSE 'dead' END)::REPAIR_JOB_STATE,
				updated_at = NOW() AT TIME ZONE 'UTC'
			FROM stale_job_lock
			WHERE stale_job_lock.job_id = queue.id
			RETURNING queue.id, queue.lock_id
		)
		UPDATE repair_queue_lock
		SET acquired = FALSE
		WHERE id IN (
			SELECT existing.lock_id
			FROM (SELECT lock_id, COUNT(*) AS amount FROM stale_job_lock GROUP BY lock_id) AS removed
			JOIN (
				SELECT lock_id, COUNT(*) AS amount
				FROM repair_queue_job_lock
				WHERE lock_id IN (SELECT lock_id FROM stale_job_lock)
				GROUP BY lock_id
			) AS existing ON existing.lock_id = removed.lock_id AND existing.amount = removed.amount
		)`

	if _, err := rq.qc.ExecContext(ctx, query, staleAfter.Milliseconds()); err != nil {
		return fmt.Errorf("query: %w", err)
	}

	return nil
}
