package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errDeadAckedAsFailed = errors.New("job acknowledged as failed with no attempts left, should be 'dead'")

// NewMemoryRepairEventQueue returns an in-memory implementation of the RepairEventQueue.
// It is intended for development setups and tests where a Postgres database is
// not available. All state is lost on restart.
func NewMemoryRepairEventQueue() RepairEventQueue {
	return &memoryRepairEventQueue{
		dequeued:      map[uint64]struct{}{},
		acquiredLocks: map[string]struct{}{},
	}
}

// memoryRepairEventQueue implements queue interface with in-memory implementation of storage
type memoryRepairEventQueue struct {
	sync.RWMutex
	seq           uint64              // used to generate unique identifiers for events
	queued        []RepairEvent       // all new events stored as queue
	dequeued      map[uint64]struct{} // all events dequeued, but not yet acknowledged
	acquiredLocks map[string]struct{} // lock ids held by in-flight events
}

// nextID returns a new sequential ID for new events.
// Needs to be called with lock protection.
func (s *memoryRepairEventQueue) nextID() uint64 {
	s.seq++
	return s.seq
}

func (s *memoryRepairEventQueue) Enqueue(_ context.Context, event RepairEvent) (RepairEvent, error) {
	event.Attempt = 3
	event.State = JobStateReady
	event.CreatedAt = time.Now().UTC()
	// event.LockID is used by the SQL implementation to serialize repairs of a
	// single repository across multiple warden instances. A single process
	// does the same with acquiredLocks, but the field must be filled out to
	// produce the same event as the SQL implementation does.
	event.LockID = event.Job.RepoHash

	s.Lock()
	defer s.Unlock()
	event.ID = s.nextID()
	s.queued = append(s.queued, event)
	return event, nil
}

func (s *memoryRepairEventQueue) Dequeue(_ context.Context, count int) ([]RepairEvent, error) {
	s.Lock()
	defer s.Unlock()

	var result []RepairEvent
	uniqueJob := make(map[RepairJob]struct{})

	for i := 0; i < len(s.queued); i++ {
		event := s.queued[i]

		if event.State != JobStateReady && event.State != JobStateFailed {
			continue
		}

		if _, locked := s.acquiredLocks[event.LockID]; locked {
			continue
		}

		// identical jobs scheduled multiple times would be re-processed
		// anyway, so it is enough to hand out the oldest one
		if _, found := uniqueJob[event.Job]; found {
			continue
		}
		uniqueJob[event.Job] = struct{}{}

		updatedAt := time.Now().UTC()
		event.Attempt--
		event.State = JobStateInProgress
		event.UpdatedAt = &updatedAt

		s.queued[i] = event
		s.dequeued[event.ID] = struct{}{}
		s.acquiredLocks[event.LockID] = struct{}{}
		result = append(result, event)

		if len(result) >= count {
			break
		}
	}

	return result, nil
}

func (s *memoryRepairEventQueue) Acknowledge(_ context.Context, state JobState, ids []uint64) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if err := allowToAck(state); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	var result []uint64
	for _, id := range ids {
		if _, found := s.dequeued[id]; !found {
			// event was not dequeued from the queue, so it can't be acknowledged
			continue
		}

		for i := 0; i < len(s.queued); i++ {
			if s.queued[i].ID != id {
				continue
			}

			if s.queued[i].State != JobStateInProgress {
				return nil, fmt.Errorf("event not in progress, can't be acknowledged: %d [%s]", s.queued[i].ID, s.queued[i].State)
			}

			if s.queued[i].Attempt == 0 && state == JobStateFailed {
				return nil, errDeadAckedAsFailed
			}

			dequeuedAt := s.queued[i].UpdatedAt
			updatedAt := time.Now().UTC()
			s.queued[i].State = state
			s.queued[i].UpdatedAt = &updatedAt
			delete(s.acquiredLocks, s.queued[i].LockID)
			result = append(result, id)

			if state == JobStateCompleted {
				// a completed repair covers identical events scheduled before
				// the processing of this one started
				ackJob := s.queued[i].Job
				for j := i + 1; j < len(s.queued); j++ {
					if dequeuedAt.Before(s.queued[j].CreatedAt) {
						break
					}

					if s.queued[j].Job == ackJob {
						s.remove(j)
					}
				}
			}

			switch state {
			case JobStateCompleted, JobStateDead:
				// this event is fully processed and could be removed
				s.remove(i)
			}
			break
		}
	}

	return result, nil
}

// StartHealthUpdate does nothing as it has no sense in terms of in-memory implementation as
// all information about events will be lost after restart.
func (s *memoryRepairEventQueue) StartHealthUpdate(context.Context, <-chan time.Time, []RepairEvent) error {
	return nil
}

// AcknowledgeStale does nothing as this implementation has no problem of stale repair events.
// It has no information about job processing after restart of the application.
func (s *memoryRepairEventQueue) AcknowledgeStale(context.Context, time.Duration) error {
	return nil
}

// remove deletes i-th element from the queue and from the in-flight tracking map.
// It doesn't check 'i' for the out of range and must be called with lock protection.
func (s *memoryRepairEventQueue) remove(i int) {
	delete(s.dequeued, s.queued[i].ID)
	s.queued = append(s.queued[:i], s.queued[i+1:]...)
}

// NewRepairEventQueueInterceptor returns interception over `RepairEventQueue` interface.
func NewRepairEventQueueInterceptor(queue RepairEventQueue) *RepairEventQueueInterceptor {
	return &RepairEventQueueInterceptor{RepairEventQueue: queue}
}

// AcknowledgeParams is the list of parameters used for Acknowledge method call.
type AcknowledgeParams struct {
	State JobState
	IDs   []uint64
}

// RepairEventQueueInterceptor allows to register interceptors for `RepairEventQueue` interface.
// It also provides additional methods to get info about incoming and outgoing data from the
// underling queue.
// NOTE: it should be used for testing purposes only as it persists data in memory and doesn't clean it up.
type RepairEventQueueInterceptor struct {
	mtx sync.Mutex
	RepairEventQueue
	onEnqueue           func(context.Context, RepairEvent, RepairEventQueue) (RepairEvent, error)
	onDequeue           func(context.Context, int, RepairEventQueue) ([]RepairEvent, error)
	onAcknowledge       func(context.Context, JobState, []uint64, RepairEventQueue) ([]uint64, error)
	onStartHealthUpdate func(context.Context, <-chan time.Time, []RepairEvent) error
	onAcknowledgeStale  func(context.Context, time.Duration) error

	enqueue           []RepairEvent
	enqueueResult     []RepairEvent
	dequeue           []int
	dequeueResult     [][]RepairEvent
	acknowledge       []AcknowledgeParams
	acknowledgeResult [][]uint64
}

// OnEnqueue allows to set action that would be executed each time when `Enqueue` method called.
func (i *RepairEventQueueInterceptor) OnEnqueue(action func(context.Context, RepairEvent, RepairEventQueue) (RepairEvent, error)) {
	i.onEnqueue = action
}

// OnDequeue allows to set action that would be executed each time when `Dequeue` method called.
func (i *RepairEventQueueInterceptor) OnDequeue(action func(context.Context, int, RepairEventQueue) ([]RepairEvent, error)) {
	i.onDequeue = action
}

// OnAcknowledge allows to set action that would be executed each time when `Acknowledge` method called.
func (i *RepairEventQueueInterceptor) OnAcknowledge(action func(context.Context, JobState, []uint64, RepairEventQueue) ([]uint64, error)) {
	i.onAcknowledge = action
}

// OnStartHealthUpdate allows to set action that would be executed each time when `StartHealthUpdate` method called.
func (i *RepairEventQueueInterceptor) OnStartHealthUpdate(action func(context.Context, <-chan time.Time, []RepairEvent) error) {
	i.onStartHealthUpdate = action
}

// OnAcknowledgeStale allows to set action that would be executed each time when `AcknowledgeStale` method called.
func (i *RepairEventQueueInterceptor) OnAcknowledgeStale(action func(context.Context, time.Duration) error) {
	i.onAcknowledgeStale = action
}

// Enqueue intercepts call to the Enqueue method of the underling implementation or a call back.
// It populates storage of incoming and outgoing parameters before and after method call.
func (i *RepairEventQueueInterceptor) Enqueue(ctx context.Context, event RepairEvent) (RepairEvent, error) {
	i.mtx.Lock()
	i.enqueue = append(i.enqueue, event)
	i.mtx.Unlock()

	var enqEvent RepairEvent
	var err error

	if i.onEnqueue != nil {
		enqEvent, err = i.onEnqueue(ctx, event, i.RepairEventQueue)
	} else {
		enqEvent, err = i.RepairEventQueue.Enqueue(ctx, event)
	}

	i.mtx.Lock()
	i.enqueueResult = append(i.enqueueResult, enqEvent)
	i.mtx.Unlock()
	return enqEvent, err
}

// Dequeue intercepts call to the Dequeue method of the underling implementation or a call back.
// It populates storage of incoming and outgoing parameters before and after method call.
func (i *RepairEventQueueInterceptor) Dequeue(ctx context.Context, count int) ([]RepairEvent, error) {
	i.mtx.Lock()
	i.dequeue = append(i.dequeue, count)
	i.mtx.Unlock()

	var deqEvents []RepairEvent
	var err error

	if i.onDequeue != nil {
		deqEvents, err = i.onDequeue(ctx, count, i.RepairEventQueue)
	} else {
		deqEvents, err = i.RepairEventQueue.Dequeue(ctx, count)
	}

	i.mtx.Lock()
	i.dequeueResult = append(i.dequeueResult, deqEvents)
	i.mtx.Unlock()
	return deqEvents, err
}

// Acknowledge intercepts call to the Acknowledge method of the underling implementation or a call back.
// It populates storage of incoming and outgoing parameters before and after method call.
func (i *RepairEventQueueInterceptor) Acknowledge(ctx context.Context, state JobState, ids []uint64) ([]uint64, error) {
	i.mtx.Lock()
	i.acknowledge = append(i.acknowledge, AcknowledgeParams{State: state, IDs: ids})
	i.mtx.Unlock()

	var ackIDs []uint64
	var err error

	if i.onAcknowledge != nil {
		ackIDs, err = i.onAcknowledge(ctx, state, ids, i.RepairEventQueue)
	} else {
		ackIDs, err = i.RepairEventQueue.Acknowledge(ctx, state, ids)
	}

	i.mtx.Lock()
	i.acknowledgeResult = append(i.acknowledgeResult, ackIDs)
	i.mtx.Unlock()
	return ackIDs, err
}

// StartHealthUpdate intercepts call to the StartHealthUpdate method of the underling implementation or a call back.
func (i *RepairEventQueueInterceptor) StartHealthUpdate(ctx context.Context, trigger <-chan time.Time, events []RepairEvent) error {
	if i.onStartHealthUpdate != nil {
		return i.onStartHealthUpdate(ctx, trigger, events)
	}
	return i.RepairEventQueue.StartHealthUpdate(ctx, trigger, events)
}

// AcknowledgeStale intercepts call to the AcknowledgeStale method of the underling implementation or a call back.
func (i *RepairEventQueueInterceptor) AcknowledgeStale(ctx context.Context, staleAfter time.Duration) error {
	if i.onAcknowledgeStale != nil {
		return i.onAcknowledgeStale(ctx, staleAfter)
	}
	return i.RepairEventQueue.AcknowledgeStale(ctx, staleAfter)
}

// GetEnqueued returns a list of events used for Enqueue method or a call-back invocation.
func (i *RepairEventQueueInterceptor) GetEnqueued() []RepairEvent {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.enqueue
}

// GetEnqueuedResult returns a list of events returned by Enqueue method or a call-back invocation.
func (i *RepairEventQueueInterceptor) GetEnqueuedResult() []RepairEvent {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.enqueueResult
}

// GetDequeued returns a list of parameters used for Dequeue method or a call-back invocation.
func (i *RepairEventQueueInterceptor) GetDequeued() []int {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.dequeue
}

// GetDequeuedResult returns a list of events returned after Dequeue method or a call-back invocation.
func (i *RepairEventQueueInterceptor) GetDequeuedResult() [][]RepairEvent {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.dequeueResult
}

// GetAcknowledge returns a list of parameters used for Acknowledge method or a call-back invocation.
func (i *RepairEventQueueInterceptor) GetAcknowledge() []AcknowledgeParams {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.acknowledge
}

// GetAcknowledgeResult returns a list of results returned after Acknowledge method or a call-back invocation.
func (i *RepairEventQueueInterceptor) GetAcknowledgeResult() [][]uint64 {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.acknowledgeResult
}

// Wait checks the condition in a loop with await until it returns true or deadline is exceeded.
// The error is returned only in case the deadline is exceeded.
func (i *RepairEventQueueInterceptor) Wait(deadline time.Duration, condition func(i *RepairEventQueueInterceptor) bool) error {
	dead := time.Now().Add(deadline)
	for !condition(i) {
		if dead.Before(time.Now()) {
			return context.DeadlineExceeded
		}
		time.Sleep(time.Millisecond * 100)
	}
	return nil
}
