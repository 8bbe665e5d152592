package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/dontpanic"
	"gitlab.com/hyrule/warden/internal/helper"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
	"gitlab.com/hyrule/warden/internal/warden/metrics"
	"gitlab.com/hyrule/warden/internal/warden/placement"
	"gitlab.com/hyrule/warden/internal/warden/transfer"
)

// healthUpdateInterval is the cadence of the in-progress event keepalive.
const healthUpdateInterval = 5 * time.Second

// Planner selects target nodes for new replicas.
type Planner interface {
	Plan(ctx context.Context, repo datastore.Repository, requiredCount int, existing []datastore.ReplicaStatus) ([]string, error)
}

// RequiredCounter resolves a repository's effective required replica count.
type RequiredCounter interface {
	EffectiveRequiredCount(ctx context.Context, repo datastore.Repository) (int, error)
}

// Engine consumes repair events and closes the durability loop: it measures
// the healthy replica count of the affected repository, plans the shortfall
// and dispatches replication work orders. The engine never copies repository
// content itself, it only decides what must be copied where and records the
// replica once the transfer mechanism reports completion.
type Engine struct {
	log        logrus.FieldLogger
	queue      datastore.RepairEventQueue
	rs         datastore.RepositoryStore
	planner    Planner
	required   RequiredCounter
	dispatcher transfer.Dispatcher
	conf       config.Config

	runDuration     prometheus.Histogram
	events          *prometheus.CounterVec
	ordersIssued    prometheus.Counter
	transferFailed  prometheus.Counter
	durabilityRisks *prometheus.CounterVec
	jobsInFlight    metrics.Gauge
	// handleError is called with a possible error from repair. If it returns
	// an error, Run stops and returns with the error.
	handleError func(error) error
}

// EngineOpt allows an engine to be configured with additional options.
type EngineOpt func(*Engine)

// WithJobsInFlightMetric sets the gauge tracking the number of repair events
// currently being processed.
func WithJobsInFlightMetric(g metrics.Gauge) EngineOpt {
	return func(e *Engine) {
		e.jobsInFlight = g
	}
}

// NewEngine returns an engine consuming the given repair event queue.
func NewEngine(log logrus.FieldLogger, queue datastore.RepairEventQueue, rs datastore.RepositoryStore, planner Planner, required RequiredCounter, dispatcher transfer.Dispatcher, conf config.Config, opts ...EngineOpt) *Engine {
	log = log.WithField("component", "repair")

	e := &Engine{
		log:        log,
		queue:      queue,
		rs:         rs,
		planner:    planner,
		required:   required,
		dispatcher: dispatcher,
		conf:       conf,
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "warden_repair_run_seconds",
			Help: "The time spent performing a single repair run.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_repair_events_total",
			Help: "Number of processed repair events by trigger and resulting state.",
		}, []string{"change", "state"}),
		ordersIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_repair_work_orders_total",
			Help: "Number of replication work orders handed to the transfer mechanism.",
		}),
		transferFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_repair_transfer_failures_total",
			Help: "Number of work orders the transfer mechanism reported as failed.",
		}),
		durabilityRisks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_repair_durability_at_risk_total",
			Help: "Number of repair attempts that could not restore the required durability.",
		}, []string{"reason"}),
		handleError: func(err error) error {
			log.WithError(err).Error("repair run failed")
			return nil
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Describe describes the collected metrics to Prometheus.
func (e *Engine) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(e, ch)
}

// Collect collects the metrics exposed by the engine.
func (e *Engine) Collect(ch chan<- prometheus.Metric) {
	e.runDuration.Collect(ch)
	e.events.Collect(ch)
	e.ordersIssued.Collect(ch)
	e.transferFailed.Collect(ch)
	e.durabilityRisks.Collect(ch)
}

// Run processes repair events on each tick the Ticker emits. Run returns
// when the context is canceled, returning the error from the context.
func (e *Engine) Run(ctx context.Context, ticker helper.Ticker) error {
	e.log.WithField("batch_size", e.conf.Repair.BatchSize).Info("repair loop started")
	defer e.log.Info("repair loop stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := e.repair(ctx); err != nil {
				if err := e.handleError(err); err != nil {
					return err
				}
			}
		}
	}
}

// repair moves abandoned in-progress events along, dequeues the next batch
// and processes each event. The queue serializes events per repository, so
// two repairs of one repository never run concurrently.
func (e *Engine) repair(ctx context.Context) error {
	defer prometheus.NewTimer(e.runDuration).ObserveDuration()

	// an event stuck in progress for longer than a transfer could possibly
	// take belongs to a crashed run
	if err := e.queue.AcknowledgeStale(ctx, 2*e.conf.Repair.TransferTimeout.Duration()); err != nil {
		return fmt.Errorf("acknowledge stale events: %w", err)
	}

	events, err := e.queue.Dequeue(ctx, e.conf.Repair.BatchSize)
	if err != nil {
		return fmt.Errorf("dequeue repair events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	healthCtx, stopHealthUpdate := context.WithCancel(ctx)
	defer stopHealthUpdate()
	dontpanic.Go(func() {
		trigger := time.NewTicker(healthUpdateInterval)
		defer trigger.Stop()

		if err := e.queue.StartHealthUpdate(healthCtx, trigger.C, events); err != nil && !errors.Is(err, context.Canceled) {
			e.log.WithError(err).Error("health update of in-progress events failed")
		}
	})

	for _, event := range events {
		if e.jobsInFlight != nil {
			e.jobsInFlight.Inc()
		}

		state := e.process(ctx, event)

		if e.jobsInFlight != nil {
			e.jobsInFlight.Dec()
		}

		e.events.WithLabelValues(string(event.Job.Change), string(state)).Inc()

		if state == datastore.JobStateFailed && event.Attempt <= 0 {
			state = datastore.JobStateDead
		}

		if _, err := e.queue.Acknowledge(ctx, state, []uint64{event.ID}); err != nil {
			return fmt.Errorf("acknowledge event %d: %w", event.ID, err)
		}
	}

	return nil
}

// process runs a single repair cycle for the event's repository and returns
// the state the event must be acknowledged with.
func (e *Engine) process(ctx context.Context, event datastore.RepairEvent) datastore.JobState {
	span, ctx := opentracing.StartSpanFromContext(ctx, "repair.process")
	defer span.Finish()
	span.SetTag("change", string(event.Job.Change))
	span.SetTag("repo_hash", event.Job.RepoHash)

	entry := e.log.WithFields(logrus.Fields{
		"event_id":  event.ID,
		"change":    event.Job.Change,
		"repo_hash": event.Job.RepoHash,
		"node_id":   event.Job.NodeID,
	})

	repo, err := e.rs.GetRepository(ctx, event.Job.RepoHash)
	if err != nil {
		if errors.Is(err, datastore.RepositoryNotFoundError{}) {
			entry.Info("repository is gone, nothing to repair")
			return datastore.JobStateCompleted
		}

		entry.WithError(err).Error("load repository")
		return datastore.JobStateFailed
	}

	required, err := e.required.EffectiveRequiredCount(ctx, repo)
	if err != nil {
		entry.WithError(err).Error("resolve required replica count")
		return datastore.JobStateFailed
	}

	statuses, err := e.rs.GetReplicaStatus(ctx, repo.RepoHash)
	if err != nil {
		entry.WithError(err).Error("load replica status")
		return datastore.JobStateFailed
	}

	healthy := e.countHealthy(statuses, event.Job)

	if healthy >= required {
		// the replica set already converged, a previous cycle or a concurrent
		// trigger covered this event; all that may remain is dropping the
		// replica the trigger distrusts
		if e.failureTriggered(event.Job) {
			if err := e.dropReplica(ctx, entry, repo.RepoHash, event.Job.NodeID); err != nil {
				entry.WithError(err).Error("drop distrusted replica")
				return datastore.JobStateFailed
			}
		}

		entry.WithFields(logrus.Fields{"healthy": healthy, "required": required}).Debug("repository already at required durability")
		return datastore.JobStateCompleted
	}

	// unhealthy holders still occupy their assignment but do not count
	// towards durability, so the target is raised by their number: the
	// planner subtracts len(statuses) and must end up planning exactly
	// required-healthy new homes
	targets, planErr := e.planner.Plan(ctx, repo, required+len(statuses)-healthy, statuses)
	if planErr != nil && !errors.Is(planErr, placement.ErrAnchorUnavailable) {
		if errors.Is(planErr, placement.InsufficientCapacityError{}) {
			e.durabilityRisks.WithLabelValues("insufficient_capacity").Inc()
			entry.WithError(planErr).Error("repository cannot be repaired, no eligible node left")
			return datastore.JobStateFailed
		}

		entry.WithError(planErr).Error("plan replica placement")
		return datastore.JobStateFailed
	}

	if errors.Is(planErr, placement.ErrAnchorUnavailable) {
		e.durabilityRisks.WithLabelValues("anchor_unavailable").Inc()
		entry.Warn("tier requires an anchor replica but none is available")
	}

	source := e.pickSource(statuses, event.Job)

	replicated := 0
	for _, target := range targets {
		if err := e.replicate(ctx, entry, repo, source, target); err != nil {
			if errors.Is(err, datastore.ReplicaSetChangedError{}) {
				entry.WithError(err).Info("replica set changed during repair, replanning on next cycle")
				return datastore.JobStateFailed
			}

			e.transferFailed.Inc()
			entry.WithError(err).Warn("replication order failed")
			continue
		}

		replicated++
		// the recorded replica advanced the generation
		repo.Generation++
	}

	if e.failureTriggered(event.Job) && replicated > 0 {
		if err := e.dropReplica(ctx, entry, repo.RepoHash, event.Job.NodeID); err != nil {
			entry.WithError(err).Error("drop distrusted replica")
			return datastore.JobStateFailed
		}
	}

	if healthy+replicated < required || planErr != nil {
		// part of the shortfall remains, either from failed transfers or from a
		// short planner selection; the event is retried while it has attempts
		// left and the at-risk report keeps the repository visible
		return datastore.JobStateFailed
	}

	entry.WithFields(logrus.Fields{
		"replicated": replicated,
		"healthy":    healthy + replicated,
		"required":   required,
	}).Info("repair cycle finished")

	return datastore.JobStateCompleted
}

// failureTriggered reports whether the event distrusts the replica on the
// node it names. Pin driven repairs raise the requirement without accusing
// any node.
func (e *Engine) failureTriggered(job datastore.RepairJob) bool {
	return job.NodeID != "" && (job.Change == datastore.VerificationFailed || job.Change == datastore.NodeStale)
}

// countHealthy counts replicas that currently provide durability: on an
// active node above the reputation threshold, and not the replica the event
// distrusts.
func (e *Engine) countHealthy(statuses []datastore.ReplicaStatus, job datastore.RepairJob) int {
	seenSince := time.Now().Add(-e.conf.Registry.StalenessThreshold())

	healthy := 0
	for _, status := range statuses {
		if e.failureTriggered(job) && status.NodeID == job.NodeID {
			continue
		}

		if status.NodeStale || status.NodeLastSeen.Before(seenSince) || status.ReputationScore < e.conf.Reputation.Threshold {
			continue
		}

		healthy++
	}

	return healthy
}

// pickSource returns the best healthy replica holder to copy from: highest
// reputation, node id as the tie break. Empty when no healthy source
// remains.
func (e *Engine) pickSource(statuses []datastore.ReplicaStatus, job datastore.RepairJob) string {
	seenSince := time.Now().Add(-e.conf.Registry.StalenessThreshold())

	source := ""
	best := 0
	for _, status := range statuses {
		if e.failureTriggered(job) && status.NodeID == job.NodeID {
			continue
		}

		if status.NodeStale || status.NodeLastSeen.Before(seenSince) || status.ReputationScore < e.conf.Reputation.Threshold {
			continue
		}

		if source == "" || status.ReputationScore > best {
			source = status.NodeID
			best = status.ReputationScore
		}
	}

	return source
}

// replicate dispatches a single work order and records the replica once the
// transfer mechanism reports completion. The repository's generation guards
// the insert: if the replica set changed since planning, the recording is
// rejected and the cycle replans.
func (e *Engine) replicate(ctx context.Context, entry logrus.FieldLogger, repo datastore.Repository, source, target string) error {
	order := transfer.Order{
		OrderID:      uuid.New().String(),
		RepoHash:     repo.RepoHash,
		SourceNodeID: source,
		TargetNodeID: target,
	}

	e.ordersIssued.Inc()

	octx, cancel := context.WithTimeout(ctx, e.conf.Repair.TransferTimeout.Duration())
	defer cancel()

	if err := e.dispatcher.Dispatch(octx, order); err != nil {
		return err
	}

	if err := e.rs.CreateReplica(ctx, repo.RepoHash, target, repo.Generation); err != nil {
		return err
	}

	entry.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"source":   source,
		"target":   target,
	}).Info("replica recorded after completed transfer")

	return nil
}

// dropReplica removes the replica row of a distrusted copy. The row may be
// gone already when a previous attempt got this far.
func (e *Engine) dropReplica(ctx context.Context, entry logrus.FieldLogger, repoHash, nodeID string) error {
	if err := e.rs.DeleteReplica(ctx, repoHash, nodeID); err != nil && !errors.Is(err, datastore.ErrNoRowsAffected) {
		return err
	}

	entry.WithField("dropped_node_id", nodeID).Info("dropped distrusted replica")
	return nil
}
