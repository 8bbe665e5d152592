package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/helper"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

// Prober re-contacts a node that missed its heartbeats. A nil error means the
// node answered and should not be treated as stale yet.
type Prober interface {
	Probe(ctx context.Context, node datastore.Node) error
}

// ProberFunc is an adapter to allow the use of ordinary functions as Prober.
type ProberFunc func(ctx context.Context, node datastore.Node) error

// Probe calls the wrapped function.
func (fn ProberFunc) Probe(ctx context.Context, node datastore.Node) error { return fn(ctx, node) }

// Registry tracks the known storage nodes. It is the single writer of node
// records: registrations and heartbeats come in through it and its sweep loop
// is the only place nodes transition to stale. Every replica a newly stale
// node holds is turned into a repair event.
type Registry struct {
	log    logrus.FieldLogger
	nodes  datastore.NodeStore
	repos  datastore.RepositoryStore
	queue  datastore.RepairEventQueue
	prober Prober
	conf   config.Registry
	rep    config.Reputation

	sweepDuration    prometheus.Histogram
	nodesMarkedStale prometheus.Counter
	nodesResurrected prometheus.Counter
	repairsScheduled prometheus.Counter
	// handleError is called with a possible error from sweep. If it returns
	// an error, Run stops and returns with the error.
	handleError func(error) error
}

// New returns a registry writing through the given node store. The prober may
// be nil, in which case overdue nodes are marked stale without a re-contact
// attempt.
func New(log logrus.FieldLogger, nodes datastore.NodeStore, repos datastore.RepositoryStore, queue datastore.RepairEventQueue, prober Prober, conf config.Config) *Registry {
	log = log.WithField("component", "registry")

	return &Registry{
		log:    log,
		nodes:  nodes,
		repos:  repos,
		queue:  queue,
		prober: prober,
		conf:   conf.Registry,
		rep:    conf.Reputation,
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "warden_registry_sweep_seconds",
			Help: "The time spent performing a single staleness sweep.",
		}),
		nodesMarkedStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_registry_stale_nodes_total",
			Help: "Number of nodes marked stale by the sweep.",
		}),
		nodesResurrected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_registry_resurrected_nodes_total",
			Help: "Number of overdue nodes that answered a probe and were kept active.",
		}),
		repairsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_registry_repair_events_total",
			Help: "Number of repair events scheduled for replicas of stale nodes.",
		}),
		handleError: func(err error) error {
			log.WithError(err).Error("staleness sweep failed")
			return nil
		},
	}
}

// Describe describes the collected metrics to Prometheus.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect collects the metrics exposed by the registry.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.sweepDuration.Collect(ch)
	r.nodesMarkedStale.Collect(ch)
	r.nodesResurrected.Collect(ch)
	r.repairsScheduled.Collect(ch)
}

// Register creates or refreshes the node's record. Fresh nodes start out with
// the configured initial reputation; re-registrations keep the score the node
// has earned.
func (r *Registry) Register(ctx context.Context, node datastore.Node) error {
	node.ReputationScore = r.rep.Initial

	if err := r.nodes.Register(ctx, node); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"node_id":  node.ID,
		"endpoint": fmt.Sprintf("%s:%d", node.Address, node.Port),
		"anchor":   node.Anchor,
	}).Info("node registered")

	return nil
}

// Heartbeat refreshes the node's last seen timestamp and used capacity.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, usedBytes int64) error {
	return r.nodes.Heartbeat(ctx, nodeID, usedBytes)
}

// ListActive returns the nodes eligible to serve as placement candidates:
// seen within the staleness window and with at least minFree bytes to spare.
func (r *Registry) ListActive(ctx context.Context, minFree int64) ([]datastore.Node, error) {
	return r.nodes.ListActive(ctx, time.Now().Add(-r.conf.StalenessThreshold()), minFree)
}

// Run sweeps for stale nodes on each tick the Ticker emits. Run returns when
// the context is canceled, returning the error from the context.
func (r *Registry) Run(ctx context.Context, ticker helper.Ticker) error {
	r.log.WithField("staleness_threshold", r.conf.StalenessThreshold().String()).Info("staleness sweep started")
	defer r.log.Info("staleness sweep stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := r.sweep(ctx); err != nil {
				if err := r.handleError(err); err != nil {
					return err
				}
			}
		}
	}
}

// sweep marks overdue nodes stale and schedules repair for their replicas.
// Before a node is given up on it gets one probe: nodes whose heartbeats are
// lost but that still answer are kept active, a node is only stale once it
// exceeded the threshold with no successful re-contact.
func (r *Registry) sweep(ctx context.Context) error {
	defer prometheus.NewTimer(r.sweepDuration).ObserveDuration()

	overdue, err := r.nodes.MarkStaleIfOverdue(ctx, time.Now().Add(-r.conf.StalenessThreshold()))
	if err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}

	for _, nodeID := range overdue {
		if r.resurrect(ctx, nodeID) {
			continue
		}

		r.nodesMarkedStale.Inc()

		repos, err := r.repos.ReposOnNode(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("list replicas of stale node %q: %w", nodeID, err)
		}

		r.log.WithFields(logrus.Fields{
			"node_id":  nodeID,
			"replicas": len(repos),
		}).Warn("node marked stale")

		for _, repoHash := range repos {
			if _, err := r.queue.Enqueue(ctx, datastore.RepairEvent{Job: datastore.RepairJob{
				Change:   datastore.NodeStale,
				RepoHash: repoHash,
				NodeID:   nodeID,
			}}); err != nil {
				return fmt.Errorf("enqueue repair for repository %q: %w", repoHash, err)
			}

			r.repairsScheduled.Inc()
		}
	}

	return nil
}

// resurrect probes a just marked node and clears the stale flag if the node
// answers. The heartbeat keeps the node's last reported usage.
func (r *Registry) resurrect(ctx context.Context, nodeID string) bool {
	if r.prober == nil {
		return false
	}

	node, err := r.nodes.GetNode(ctx, nodeID)
	if err != nil {
		r.log.WithError(err).WithField("node_id", nodeID).Error("lookup of overdue node failed")
		return false
	}

	if err := r.prober.Probe(ctx, node); err != nil {
		r.log.WithError(err).WithField("node_id", nodeID).Debug("overdue node did not answer probe")
		return false
	}

	if err := r.nodes.Heartbeat(ctx, nodeID, node.StorageUsed); err != nil {
		r.log.WithError(err).WithField("node_id", nodeID).Error("reviving overdue node failed")
		return false
	}

	r.nodesResurrected.Inc()
	r.log.WithField("node_id", nodeID).Info("overdue node answered probe, kept active")
	return true
}
