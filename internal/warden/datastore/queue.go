package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChangeType indicates why a repair job was scheduled.
type ChangeType string

const (
	// VerificationFailed is scheduled when a replica fails a content challenge
	// and must be rebuilt from a healthy copy.
	VerificationFailed = ChangeType("verification_failed")
	// NodeStale is scheduled when a node missed enough heartbeats to be marked
	// stale and its replicas need new homes.
	NodeStale = ChangeType("node_stale")
	// PinCreated is scheduled when a pin raises the effective replica
	// requirement of a repository.
	PinCreated = ChangeType("pin_created")
	// RepositoryCreated is scheduled when a new repository needs its initial
	// set of replicas materialized.
	RepositoryCreated = ChangeType("repository_created")
)

// JobState is an enum that indicates the state of a job.
type JobState string

const (
	// JobStateReady indicates the job is now ready to proceed.
	JobStateReady = JobState("ready")
	// JobStateInProgress indicates the job is being processed by a worker.
	JobStateInProgress = JobState("in_progress")
	// JobStateCompleted indicates the job is now complete.
	JobStateCompleted = JobState("completed")
	// JobStateFailed indicates the job did not succeed. The repair engine will
	// retry failed jobs.
	JobStateFailed = JobState("failed")
	// JobStateDead indicates the job was retried up to the maximum retries.
	JobStateDead = JobState("dead")
)

func allowToAck(state JobState) error {
	switch state {
	case JobStateCompleted, JobStateFailed, JobStateDead:
		return nil
	default:
		return fmt.Errorf("event state is not supported: %q", state)
	}
}

// RepairJob is a persistent representation of the repair job.
type RepairJob struct {
	// Change is the reason the job was scheduled.
	Change ChangeType
	// RepoHash identifies the repository the job belongs to.
	RepoHash string
	// NodeID is the node the change originated from: the replica that failed
	// verification or the node that went stale. It is empty for jobs that are
	// not tied to a particular node, such as pin driven replication.
	NodeID string
}

// RepairEvent is a persistent representation of the repair event.
type RepairEvent struct {
	ID        uint64
	State     JobState
	Attempt   int
	LockID    string
	CreatedAt time.Time
	UpdatedAt *time.Time
	Job       RepairJob
}

// Mapping returns list of references to the struct fields that correspond to the SQL columns/column aliases.
func (event *RepairEvent) Mapping(columns []string) ([]interface{}, error) {
	var mapping []interface{}
	for _, column := range columns {
		switch column {
		case "id":
			mapping = append(mapping, &event.ID)
		case "state":
			mapping = append(mapping, &event.State)
		case "created_at":
			mapping = append(mapping, &event.CreatedAt)
		case "updated_at":
			mapping = append(mapping, &event.UpdatedAt)
		case "attempt":
			mapping = append(mapping, &event.Attempt)
		case "lock_id":
			mapping = append(mapping, &event.LockID)
		case "change":
			mapping = append(mapping, &event.Job.Change)
		case "repo_hash":
			mapping = append(mapping, &event.Job.RepoHash)
		case "node_id":
			mapping = append(mapping, &event.Job.NodeID)
		default:
			return nil, fmt.Errorf("unknown column specified in SELECT statement: %q", column)
		}
	}
	return mapping, nil
}

// Scan fills receive fields with values fetched from database based on the set of columns/column aliases.
func (event *RepairEvent) Scan(columns []string, rows *sql.Rows) error {
	mapping, err := event.Mapping(columns)
	if err != nil {
		return err
	}
	return rows.Scan(mapping...)
}

// scanRepairEvents reads all rows and convert them into structs filling all the fields according to fetched columns/column aliases.
func scanRepairEvents(rows *sql.Rows, events *[]RepairEvent) (err error) {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	for rows.Next() {
		var event RepairEvent
		if err = event.Scan(columns, rows); err != nil {
			return err
		}

		*events = append(*events, event)
	}

	return rows.Err()
}

// RepairEventQueue allows to put new events to the persistent queue and retrieve them back.
type RepairEventQueue interface {
	// Enqueue puts the provided event into the persistent queue.
	Enqueue(ctx context.Context, event RepairEvent) (RepairEvent, error)
	// Dequeue retrieves up to count events that are ready for processing.
	// Events that belong to a repository with another event already in flight
	// are skipped, so repairs of a single repository never run concurrently.
	Dequeue(ctx context.Context, count int) ([]RepairEvent, error)
	// Acknowledge updates previously dequeued events with the new state and
	// releases resources acquired for them. Only events in 'in_progress' state
	// can be acknowledged. If the new state is 'completed' it also removes
	// identical events scheduled before the target event was dequeued, as a
	// successful repair of a repository covers them as well. It returns the
	// sub-set of the passed in ids that were updated.
	Acknowledge(ctx context.Context, state JobState, ids []uint64) ([]uint64, error)
	// StartHealthUpdate starts periodical update of the event's health identifier.
	// The events with fresh health identifier won't be considered as stale.
	// The health update will be executed on each new entry received from trigger
	// channel passed in. It is a blocking call that is managed by the passed in context.
	StartHealthUpdate(ctx context.Context, trigger <-chan time.Time, events []RepairEvent) error
	// AcknowledgeStale moves repair events that are in 'in_progress' state for
	// too long (more than staleAfter) into the next state:
	//   'failed' - in case it has more attempts to be executed
	//   'dead' - in case it has no more attempts to be executed
	AcknowledgeStale(ctx context.Context, staleAfter time.Duration) error
}
