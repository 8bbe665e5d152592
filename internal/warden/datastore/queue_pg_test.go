// +build postgres

package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/hyrule/warden/internal/testhelper"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
)

func TestPostgresRepairEventQueue_Enqueue(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db := getDB(t)
	queue := NewPostgresRepairEventQueue(db)

	job := RepairJob{Change: VerificationFailed, RepoHash: "repo-1", NodeID: "node-1"}
	event, err := queue.Enqueue(ctx, RepairEvent{Job: job})
	require.NoError(t, err)

	require.Equal(t, RepairEvent{
		ID:        event.ID,
		State:     JobStateReady,
		Attempt:   3,
		LockID:    "repo-1",
		CreatedAt: event.CreatedAt,
		Job:       job,
	}, event)
	require.NotZero(t, event.ID)
	require.NotZero(t, event.CreatedAt)
	require.Nil(t, event.UpdatedAt)

	requireLocks(t, db, map[string]bool{"repo-1": false})
	db.RequireRowsInTable(t, "repair_queue", 1)

	// a second event of the same repository reuses the tracking row
	_, err = queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: NodeStale, RepoHash: "repo-1", NodeID: "node-2"}})
	require.NoError(t, err)

	requireLocks(t, db, map[string]bool{"repo-1": false})
	db.RequireRowsInTable(t, "repair_queue", 2)
}

func TestPostgresRepairEventQueue_Dequeue(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db := getDB(t)
	queue := NewPostgresRepairEventQueue(db)

	repo1Event, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: VerificationFailed, RepoHash: "repo-1", NodeID: "node-1"}})
	require.NoError(t, err)
	repo1Later, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: NodeStale, RepoHash: "repo-1", NodeID: "node-2"}})
	require.NoError(t, err)
	repo2Event, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: PinCreated, RepoHash: "repo-2"}})
	require.NoError(t, err)

	dequeued, err := queue.Dequeue(ctx, 100500)
	require.NoError(t, err)
	require.Len(t, dequeued, 2, "oldest event per repository")

	deqIDs := []uint64{dequeued[0].ID, dequeued[1].ID}
	require.ElementsMatch(t, []uint64{repo1Event.ID, repo2Event.ID}, deqIDs)
	for _, event := range dequeued {
		require.Equal(t, JobStateInProgress, event.State)
		require.Equal(t, 2, event.Attempt)
		require.NotNil(t, event.UpdatedAt)
	}

	requireLocks(t, db, map[string]bool{"repo-1": true, "repo-2": true})
	requireJobLocks(t, db, map[uint64]string{repo1Event.ID: "repo-1", repo2Event.ID: "repo-2"})

	noEvents, err := queue.Dequeue(ctx, 100500)
	require.NoError(t, err)
	require.Empty(t, noEvents, "both repositories have events in flight")

	// acknowledging the repo-1 event unblocks the next event of that repository
	_, err = queue.Acknowledge(ctx, JobStateCompleted, []uint64{repo1Event.ID})
	require.NoError(t, err)

	dequeued, err = queue.Dequeue(ctx, 100500)
	require.NoError(t, err)
	require.Len(t, dequeued, 1)
	require.Equal(t, repo1Later.ID, dequeued[0].ID)
}

func TestPostgresRepairEventQueue_Acknowledge(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("failed with no attempts left becomes dead", func(t *testing.T) {
		db := getDB(t)
		queue := NewPostgresRepairEventQueue(db)

		event, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: VerificationFailed, RepoHash: "repo-1", NodeID: "node-1"}})
		require.NoError(t, err)

		for attempt := 2; attempt >= 0; attempt-- {
			dequeued, err := queue.Dequeue(ctx, 1)
			require.NoError(t, err)
			require.Len(t, dequeued, 1)
			require.Equal(t, attempt, dequeued[0].Attempt)

			ackIDs, err := queue.Acknowledge(ctx, JobStateFailed, []uint64{event.ID})
			require.NoError(t, err)
			require.Equal(t, []uint64{event.ID}, ackIDs)
		}

		requireEventState(t, db, event.ID, JobStateDead)
		requireLocks(t, db, map[string]bool{"repo-1": false})

		noEvents, err := queue.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Empty(t, noEvents, "dead events are not handed out anymore")
	})

	t.Run("completed acknowledge covers identical earlier events", func(t *testing.T) {
		db := getDB(t)
		queue := NewPostgresRepairEventQueue(db)

		job := RepairJob{Change: VerificationFailed, RepoHash: "repo-1", NodeID: "node-1"}
		event, err := queue.Enqueue(ctx, RepairEvent{Job: job})
		require.NoError(t, err)
		duplicate, err := queue.Enqueue(ctx, RepairEvent{Job: job})
		require.NoError(t, err)
		other, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: NodeStale, RepoHash: "repo-1", NodeID: "node-2"}})
		require.NoError(t, err)

		dequeued, err := queue.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, dequeued, 1)
		require.Equal(t, event.ID, dequeued[0].ID, "the oldest event of the repository goes first")

		ackIDs, err := queue.Acknowledge(ctx, JobStateCompleted, []uint64{event.ID})
		require.NoError(t, err)
		require.Equal(t, []uint64{event.ID}, ackIDs)

		// the successful repair covers the identical event scheduled before the
		// dequeue, only the unrelated event stays in the queue
		var remaining int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM repair_queue WHERE id = $1`, duplicate.ID).Scan(&remaining))
		require.Zero(t, remaining, "identical earlier event must be removed")
		requireEventState(t, db, other.ID, JobStateReady)
		requireLocks(t, db, map[string]bool{"repo-1": false})
	})

	t.Run("unknown or not dequeued ids are ignored", func(t *testing.T) {
		db := getDB(t)
		queue := NewPostgresRepairEventQueue(db)

		event, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: NodeStale, RepoHash: "repo-1"}})
		require.NoError(t, err)

		ackIDs, err := queue.Acknowledge(ctx, JobStateCompleted, []uint64{event.ID, 100500})
		require.NoError(t, err)
		require.Empty(t, ackIDs)

		requireEventState(t, db, event.ID, JobStateReady)
	})

	t.Run("unsupported state", func(t *testing.T) {
		db := getDB(t)
		queue := NewPostgresRepairEventQueue(db)

		_, err := queue.Acknowledge(ctx, JobStateInProgress, []uint64{1})
		require.EqualError(t, err, `event state is not supported: "in_progress"`)
	})
}

func TestPostgresRepairEventQueue_StartHealthUpdate(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db := getDB(t)
	queue := NewPostgresRepairEventQueue(db)

	_, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: VerificationFailed, RepoHash: "repo-1", NodeID: "node-1"}})
	require.NoError(t, err)

	dequeued, err := queue.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dequeued, 1)

	// age the tracking row, so the next trigger visibly refreshes it
	db.MustExec(t, `UPDATE repair_queue_job_lock SET triggered_at = NOW() AT TIME ZONE 'UTC' - INTERVAL '1 HOUR'`)
	before := triggeredAt(t, db, dequeued[0].ID)

	trigger := make(chan time.Time, 1)
	trigger <- time.Now()

	done := make(chan error, 1)
	go func() { done <- queue.StartHealthUpdate(ctx, trigger, dequeued) }()

	require.Eventually(t, func() bool {
		return triggeredAt(t, db, dequeued[0].ID).After(before)
	}, 10*time.Second, 50*time.Millisecond, "trigger must refresh the health identifier")

	// acknowledged events have no tracking rows left, the loop terminates
	_, err = queue.Acknowledge(ctx, JobStateCompleted, []uint64{dequeued[0].ID})
	require.NoError(t, err)
	trigger <- time.Now()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "health update loop was not terminated")
	}
}

func TestPostgresRepairEventQueue_AcknowledgeStale(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db := getDB(t)
	queue := NewPostgresRepairEventQueue(db)

	event, err := queue.Enqueue(ctx, RepairEvent{Job: RepairJob{Change: NodeStale, RepoHash: "repo-1", NodeID: "node-1"}})
	require.NoError(t, err)

	dequeued, err := queue.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dequeued, 1)

	// nothing is stale yet, the event stays in flight
	require.NoError(t, queue.AcknowledgeStale(ctx, time.Hour))
	requireEventState(t, db, event.ID, JobStateInProgress)
	requireLocks(t, db, map[string]bool{"repo-1": true})

	// age the health identifier beyond the threshold
	db.MustExec(t, `UPDATE repair_queue_job_lock SET triggered_at = NOW() AT TIME ZONE 'UTC' - INTERVAL '1 HOUR'`)

	require.NoError(t, queue.AcknowledgeStale(ctx, time.Minute))
	requireEventState(t, db, event.ID, JobStateFailed, "stale event with attempts left is returned for a retry")
	requireLocks(t, db, map[string]bool{"repo-1": false})
	db.RequireRowsInTable(t, "repair_queue_job_lock", 0)

	// exhaust the attempts, a stale event without them is lost for good
	for i := 0; i < 2; i++ {
		dequeued, err = queue.Dequeue(ctx, 1)
		require.NoError(t, err)
		require.Len(t, dequeued, 1)

		db.MustExec(t, `UPDATE repair_queue_job_lock SET triggered_at = NOW() AT TIME ZONE 'UTC' - INTERVAL '1 HOUR'`)
		require.NoError(t, queue.AcknowledgeStale(ctx, time.Minute))
	}

	requireEventState(t, db, event.ID, JobStateDead)
	requireLocks(t, db, map[string]bool{"repo-1": false})
}

// requireLocks verifies that the 'repair_queue_lock' table holds exactly the
// passed in tracking rows with their acquisition state.
func requireLocks(t *testing.T, db glsql.DB, expected map[string]bool) {
	t.Helper()

	rows, err := db.Query(`SELECT id, acquired FROM repair_queue_lock`)
	require.NoError(t, err)
	defer rows.Close()

	actual := map[string]bool{}
	for rows.Next() {
		var id string
		var acquired bool
		require.NoError(t, rows.Scan(&id, &acquired))
		actual[id] = acquired
	}
	require.NoError(t, rows.Err())
	require.Equal(t, expected, actual)
}

// requireJobLocks verifies that the 'repair_queue_job_lock' table tracks
// exactly the passed in events.
func requireJobLocks(t *testing.T, db glsql.DB, expected map[uint64]string) {
	t.Helper()

	rows, err := db.Query(`SELECT job_id, lock_id FROM repair_queue_job_lock`)
	require.NoError(t, err)
	defer rows.Close()

	actual := map[uint64]string{}
	for rows.Next() {
		var jobID uint64
		var lockID string
		require.NoError(t, rows.Scan(&jobID, &lockID))
		actual[jobID] = lockID
	}
	require.NoError(t, rows.Err())
	require.Equal(t, expected, actual)
}

func requireEventState(t *testing.T, db glsql.DB, id uint64, expected JobState, msgAndArgs ...interface{}) {
	t.Helper()

	var state JobState
	require.NoError(t, db.QueryRow(`SELECT state FROM repair_queue WHERE id = $1`, id).Scan(&state))
	require.Equal(t, expected, state, msgAndArgs...)
}

func triggeredAt(t *testing.T, db glsql.DB, jobID uint64) time.Time {
	t.Helper()

	var triggered time.Time
	require.NoError(t, db.QueryRow(`SELECT triggered_at FROM repair_queue_job_lock WHERE job_id = $1`, jobID).Scan(&triggered))
	return triggered
}
