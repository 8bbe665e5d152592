package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
)

var descUnderReplicatedRepositories = prometheus.NewDesc(
	"warden_under_replicated_repositories",
	"Number of repositories with fewer healthy replicas than their tier requires.",
	[]string{"tier"},
	nil,
)

// RepositoryStoreCollector collects replication health metrics from the database.
type RepositoryStoreCollector struct {
	log       logrus.FieldLogger
	db        glsql.Querier
	tiers     []*config.Tier
	pinFloor  int
	minScore  int
	staleness time.Duration
}

// NewRepositoryStoreCollector returns a new collector.
func NewRepositoryStoreCollector(log logrus.FieldLogger, db glsql.Querier, conf config.Config) *RepositoryStoreCollector {
	return &RepositoryStoreCollector{
		log:       log.WithField("component", "RepositoryStoreCollector"),
		db:        db,
		tiers:     conf.Tiers,
		pinFloor:  conf.Pins.Floor,
		minScore:  conf.Reputation.Threshold,
		staleness: conf.Registry.StalenessThreshold(),
	}
}

func (c *RepositoryStoreCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *RepositoryStoreCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.queryMetrics(context.TODO())
	if err != nil {
		c.log.WithError(err).Error("failed collecting under-replicated repository count metric")
		return
	}

	for _, tier := range c.tiers {
		ch <- prometheus.MustNewConstMetric(descUnderReplicatedRepositories, prometheus.GaugeValue, float64(counts[tier.Name]), tier.Name)
	}
}

// queryMetrics queries the number of under-replicated repositories per tier
// from the database. A repository is under-replicated when the number of its
// replicas on active, placement eligible nodes is below the effective
// required count of its tier and pins.
func (c *RepositoryStoreCollector) queryMetrics(ctx context.Context) (map[string]int, error) {
	params := HealthParams{
		TierRequirements: make(map[string]int, len(c.tiers)),
		PinFloor:         c.pinFloor,
		SeenSince:        time.Now().Add(-c.staleness),
		MinScore:         c.minScore,
	}
	for i, tier := range c.tiers {
		if i == 0 {
			params.DefaultRequired = tier.RequiredCount
		}
		params.TierRequirements[tier.Name] = tier.RequiredCount
	}

	tiers, requirements := params.tierArrays()

	rows, err := c.db.QueryContext(ctx, `
WITH tier_requirement AS (
	SELECT UNNEST($1::TEXT[]) AS tier, UNNEST($2::BIGINT[]) AS required_count
)
, effective AS (
	SELECT repo_hash, storage_tier,
		CASE WHEN EXISTS (SELECT FROM pins WHERE pins.repo_hash = repositories.repo_hash)
			THEN GREATEST(COALESCE(tier_requirement.required_count, $3), $4)
			ELSE COALESCE(tier_requirement.required_count, $3)
		END AS required_count
	FROM repositories
	LEFT JOIN tier_requirement ON tier_requirement.tier = repositories.storage_tier
)
, healthy AS (
	SELECT replicas.repo_hash, COUNT(*) AS healthy_count
	FROM replicas
	JOIN nodes ON nodes.node_id = replicas.node_id
	WHERE NOT nodes.stale
	AND nodes.last_seen >= $5
	AND nodes.reputation_score >= $6
	GROUP BY replicas.repo_hash
)
SELECT effective.storage_tier, COUNT(*)
FROM effective
LEFT JOIN healthy ON healthy.repo_hash = effective.repo_hash
WHERE COALESCE(healthy.healthy_count, 0) < effective.required_count
GROUP BY effective.storage_tier
	`, tiers, requirements, params.DefaultRequired, params.PinFloor, params.SeenSince.UTC(), params.MinScore)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tier string
		var count int

		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		counts[tier] = count
	}

	return counts, rows.Err()
}

var (
	descNodeReputation = prometheus.NewDesc(
		"warden_node_reputation",
		"Current reputation score of a registered node.",
		[]string{"node_id"},
		nil,
	)
	descStaleNodes = prometheus.NewDesc(
		"warden_stale_nodes",
		"Number of nodes currently marked stale.",
		nil,
		nil,
	)
)

// NodeStoreCollector exposes the reputation scores and staleness of the node fleet.
type NodeStoreCollector struct {
	log logrus.FieldLogger
	db  glsql.Querier
}

// NewNodeStoreCollector returns a new collector.
func NewNodeStoreCollector(log logrus.FieldLogger, db glsql.Querier) *NodeStoreCollector {
	return &NodeStoreCollector{
		log: log.WithField("component", "NodeStoreCollector"),
		db:  db,
	}
}

func (c *NodeStoreCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *NodeStoreCollector) Collect(ch chan<- prometheus.Metric) {
	rows, err := c.db.QueryContext(context.TODO(), `SELECT node_id, reputation_score, stale FROM nodes`)
	if err != nil {
		c.log.WithError(err).Error("failed collecting node reputation metrics")
		return
	}
	defer rows.Close()

	var stale int
	for rows.Next() {
		var nodeID string
		var score int
		var isStale bool

		if err := rows.Scan(&nodeID, &score, &isStale); err != nil {
			c.log.WithError(err).Error("failed scanning node reputation metrics")
			return
		}

		if isStale {
			stale++
		}

		ch <- prometheus.MustNewConstMetric(descNodeReputation, prometheus.GaugeValue, float64(score), nodeID)
	}

	if err := rows.Err(); err != nil {
		c.log.WithError(err).Error("failed collecting node reputation metrics")
		return
	}

	ch <- prometheus.MustNewConstMetric(descStaleNodes, prometheus.GaugeValue, float64(stale))
}

var descRepairQueueDepth = prometheus.NewDesc(
	"warden_repair_queue_depth",
	"Number of repair events in the queue by state.",
	[]string{"state"},
	nil,
)

// QueueDepthCollector measures the number of repair events by state.
type QueueDepthCollector struct {
	log logrus.FieldLogger
	db  glsql.Querier
}

// NewQueueDepthCollector returns a new collector.
func NewQueueDepthCollector(log logrus.FieldLogger, db glsql.Querier) *QueueDepthCollector {
	return &QueueDepthCollector{
		log: log.WithField("component", "QueueDepthCollector"),
		db:  db,
	}
}

func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	rows, err := c.db.QueryContext(context.TODO(), `SELECT state, COUNT(*) FROM repair_queue GROUP BY state`)
	if err != nil {
		c.log.WithError(err).Error("failed collecting repair queue depth metric")
		return
	}
	defer rows.Close()

	depths := map[JobState]int{}
	for rows.Next() {
		var state JobState
		var count int

		if err := rows.Scan(&state, &count); err != nil {
			c.log.WithError(err).Error("failed scanning repair queue depth metric")
			return
		}

		depths[state] = count
	}

	if err := rows.Err(); err != nil {
		c.log.WithError(err).Error("failed collecting repair queue depth metric")
		return
	}

	for _, state := range []JobState{JobStateReady, JobStateInProgress, JobStateCompleted, JobStateFailed, JobStateDead} {
		ch <- prometheus.MustNewConstMetric(descRepairQueueDepth, prometheus.GaugeValue, float64(depths[state]), string(state))
	}
}
