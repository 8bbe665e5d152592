package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
)

// ErrNoRowsAffected is returned when an operation did not match any rows.
var ErrNoRowsAffected = errors.New("no rows were affected by the query")

// RepositoryNotFoundError is returned when an operation references a
// repository that does not exist.
type RepositoryNotFoundError struct {
	RepoHash string
}

// Error returns the errors message.
func (err RepositoryNotFoundError) Error() string {
	return fmt.Sprintf("repository %q not found", err.RepoHash)
}

// Is checks whether the other error is a RepositoryNotFoundError.
func (err RepositoryNotFoundError) Is(other error) bool {
	_, ok := other.(RepositoryNotFoundError)
	return ok
}

// RepositoryExistsError is returned when creating a repository that already
// exists.
type RepositoryExistsError struct {
	RepoHash string
}

// Error returns the errors message.
func (err RepositoryExistsError) Error() string {
	return fmt.Sprintf("repository %q already exists", err.RepoHash)
}

// Is checks whether the other error is a RepositoryExistsError.
func (err RepositoryExistsError) Is(other error) bool {
	_, ok := other.(RepositoryExistsError)
	return ok
}

// ReplicaSetChangedError is returned when a replica mutation asserted a
// replica set generation that is no longer current. The caller should reload
// the replica set and plan again.
type ReplicaSetChangedError struct {
	RepoHash           string
	ExpectedGeneration int64
	ActualGeneration   int64
}

// Error returns the errors message.
func (err ReplicaSetChangedError) Error() string {
	return fmt.Sprintf("replica set of repository %q changed: generation %d expected but %d current",
		err.RepoHash, err.ExpectedGeneration, err.ActualGeneration)
}

// Is checks whether the other error is a ReplicaSetChangedError.
func (err ReplicaSetChangedError) Is(other error) bool {
	_, ok := other.(ReplicaSetChangedError)
	return ok
}

// Repository is the metadata record of a stored repository.
type Repository struct {
	// RepoHash is the content addressed identifier of the repository.
	RepoHash string
	// OwnerID is the id of the owning user.
	OwnerID int64
	// Name is the human readable repository name.
	Name string
	// Description is the optional repository description.
	Description string
	// Size is the repository size in bytes, used for capacity aware placement.
	Size int64
	// StorageTier is the declared durability tier of the repository.
	StorageTier string
	// Private marks repositories that are not publicly listed.
	Private bool
	// Generation is incremented on every replica set mutation and serves as
	// the optimistic concurrency token of repair planning.
	Generation int64
	// CreatedAt is the creation time of the record.
	CreatedAt time.Time
	// LastUpdated is the time of the most recent metadata or replica set change.
	LastUpdated time.Time
}

// Replica is a single (repository, node) assignment.
type Replica struct {
	RepoHash  string
	NodeID    string
	CreatedAt time.Time
	// LastVerified is the time the replica last passed a content challenge.
	// It is nil for replicas that were never verified.
	LastVerified *time.Time
}

// VerificationTarget is a replica due for a content challenge together with
// the endpoint of the node holding it.
type VerificationTarget struct {
	RepoHash     string
	NodeID       string
	Address      string
	Port         int
	LastVerified *time.Time
}

// ReplicaStatus is a row of the per repository replica report.
type ReplicaStatus struct {
	Replica
	// NodeStale reports whether the holding node is currently marked stale.
	NodeStale bool
	// NodeLastSeen is the last heartbeat time of the holding node.
	NodeLastSeen time.Time
	// ReputationScore is the current score of the holding node.
	ReputationScore int
	// Anchor reports whether the holding node is an anchor.
	Anchor bool
}

// RepositoryHealth classifies how well replicated a repository is.
type RepositoryHealth string

const (
	// HealthExcellent means the repository holds at least two replicas more
	// than required.
	HealthExcellent = RepositoryHealth("excellent")
	// HealthGood means the required replica count is satisfied.
	HealthGood = RepositoryHealth("good")
	// HealthNeedsReplication means the repository is below the required count
	// but at least one healthy replica remains.
	HealthNeedsReplication = RepositoryHealth("needs_replication")
	// HealthCritical means no healthy replica remains.
	HealthCritical = RepositoryHealth("critical")
)

// HealthFor classifies a repository by its healthy replica count against the
// effective required count.
func HealthFor(healthy, required int) RepositoryHealth {
	switch {
	case healthy == 0:
		return HealthCritical
	case healthy >= required+2:
		return HealthExcellent
	case healthy >= required:
		return HealthGood
	default:
		return HealthNeedsReplication
	}
}

// HealthParams describe which replicas count as healthy and how many replicas
// each tier requires.
type HealthParams struct {
	// TierRequirements maps a storage tier name to its required replica count.
	TierRequirements map[string]int
	// DefaultRequired is the required count applied to repositories with an
	// unknown tier.
	DefaultRequired int
	// PinFloor is the minimum required count of pinned repositories.
	PinFloor int
	// SeenSince is the heartbeat cut-off: replicas on nodes last seen before
	// it do not count as healthy.
	SeenSince time.Time
	// MinScore is the reputation placement threshold: replicas on nodes below
	// it do not count as healthy.
	MinScore int
}

func (p HealthParams) tierArrays() (pq.StringArray, pq.Int64Array) {
	tiers := make([]string, 0, len(p.TierRequirements))
	for tier := range p.TierRequirements {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	counts := make(pq.Int64Array, len(tiers))
	for i, tier := range tiers {
		counts[i] = int64(p.TierRequirements[tier])
	}

	return tiers, counts
}

// UnderReplicatedRepository is a row of the durability at risk report.
type UnderReplicatedRepository struct {
	RepoHash      string
	StorageTier   string
	RequiredCount int
	HealthyCount  int
}

// Health classifies the reported repository.
func (u UnderReplicatedRepository) Health() RepositoryHealth {
	return HealthFor(u.HealthyCount, u.RequiredCount)
}

// RepositoryStore provides access to repository metadata and replica
// assignments.
type RepositoryStore interface {
	// CreateRepository creates the metadata record of a repository. It fails
	// with RepositoryExistsError if the hash is already registered.
	CreateRepository(ctx context.Context, repo Repository) error
	// GetRepository returns the repository with the given hash or
	// RepositoryNotFoundError.
	GetRepository(ctx context.Context, repoHash string) (Repository, error)
	// GetGeneration returns the current replica set generation of the
	// repository or RepositoryNotFoundError.
	GetGeneration(ctx context.Context, repoHash string) (int64, error)
	// CreateReplica assigns the repository to a node and advances the replica
	// set generation. The caller passes the generation its planning was based
	// on: if the replica set changed in between, the mutation is rejected with
	// ReplicaSetChangedError and no replica is created.
	CreateReplica(ctx context.Context, repoHash, nodeID string, expectedGeneration int64) error
	// DeleteReplica removes a replica assignment and advances the replica set
	// generation. It returns ErrNoRowsAffected if the replica does not exist.
	DeleteReplica(ctx context.Context, repoHash, nodeID string) error
	// GetReplicas returns all replica assignments of the repository ordered by
	// node id.
	GetReplicas(ctx context.Context, repoHash string) ([]Replica, error)
	// ReposOnNode returns the hashes of all repositories with a replica on the
	// given node.
	ReposOnNode(ctx context.Context, nodeID string) ([]string, error)
	// HealthyReplicaCount counts the repository's replicas that reside on
	// active nodes at or above the reputation threshold. A non-empty
	// excludeNodeID removes that node from the count, used to discount a
	// replica that just failed verification.
	HealthyReplicaCount(ctx context.Context, repoHash, excludeNodeID string, seenSince time.Time, minScore int) (int, error)
	// DueForVerification returns replicas that were never verified or whose
	// last verification is older than the given time, oldest first with never
	// verified replicas leading. Replicas on stale nodes are skipped, their
	// repositories are already subject to repair.
	DueForVerification(ctx context.Context, olderThan time.Time, limit int) ([]VerificationTarget, error)
	// MarkVerified records a passed content challenge for the replica. It
	// returns ErrNoRowsAffected if the replica no longer exists.
	MarkVerified(ctx context.Context, repoHash, nodeID string) error
	// UnderReplicated reports repositories whose healthy replica count is
	// below their effective required count, most critical first.
	UnderReplicated(ctx context.Context, params HealthParams) ([]UnderReplicatedRepository, error)
	// GetReplicaStatus returns the repository's replicas joined with the
	// health of their holding nodes, ordered by node id.
	GetReplicaStatus(ctx context.Context, repoHash string) ([]ReplicaStatus, error)
}

// PostgresRepositoryStore is a Postgres implementation of the RepositoryStore.
// Refer to the interface for method documentation.
type PostgresRepositoryStore struct {
	db glsql.Querier
}

// NewPostgresRepositoryStore returns a Postgres implementation of the RepositoryStore.
func NewPostgresRepositoryStore(db glsql.Querier) *PostgresRepositoryStore {
	return &PostgresRepositoryStore{db: db}
}

func (rs *PostgresRepositoryStore) CreateRepository(ctx context.Context, repo Repository) error {
	const q = `
INSERT INTO repositories (repo_hash, owner_id, name, description, size, storage_tier, is_private)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

	_, err := rs.db.ExecContext(ctx, q,
		repo.RepoHash,
		repo.OwnerID,
		repo.Name,
		repo.Description,
		repo.Size,
		repo.StorageTier,
		repo.Private,
	)

	var pqerr *pq.Error
	if errors.As(err, &pqerr) && pqerr.Code.Name() == "unique_violation" {
		return RepositoryExistsError{RepoHash: repo.RepoHash}
	}

	return err
}

func (rs *PostgresRepositoryStore) GetRepository(ctx context.Context, repoHash string) (Repository, error) {
	const q = `
SELECT repo_hash, owner_id, name, description, size, storage_tier, is_private, generation, created_at, last_updated
FROM repositories
WHERE repo_hash = $1
`

	var repo Repository
	if err := rs.db.QueryRowContext(ctx, q, repoHash).Scan(
		&repo.RepoHash,
		&repo.OwnerID,
		&repo.Name,
		&repo.Description,
		&repo.Size,
		&repo.StorageTier,
		&repo.Private,
		&repo.Generation,
		&repo.CreatedAt,
		&repo.LastUpdated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Repository{}, RepositoryNotFoundError{RepoHash: repoHash}
		}

		return Repository{}, err
	}

	return repo, nil
}

func (rs *PostgresRepositoryStore) GetGeneration(ctx context.Context, repoHash string) (int64, error) {
	const q = `
SELECT generation
FROM repositories
WHERE repo_hash = $1
`

	var generation int64
	if err := rs.db.QueryRowContext(ctx, q, repoHash).Scan(&generation); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, RepositoryNotFoundError{RepoHash: repoHash}
		}

		return 0, err
	}

	return generation, nil
}

func (rs *PostgresRepositoryStore) CreateReplica(ctx context.Context, repoHash, nodeID string, expectedGeneration int64) error {
	// The `advance` CTE moves the replica set generation forward only if the
	// caller based its decision on the current generation. The INSERT becomes
	// a no-op when the generation moved, a concurrent mutation changed the
	// replica set between planning and commit.
	const q = `
WITH advance AS (
	UPDATE repositories
	SET generation = generation + 1,
		last_updated = NOW() AT TIME ZONE 'UTC'
	WHERE repo_hash = $1
	AND generation = $3
	RETURNING repo_hash
)
INSERT INTO replicas (repo_hash, node_id)
SELECT repo_hash, $2
FROM advance
`

	res, err := rs.db.ExecContext(ctx, q, repoHash, nodeID, expectedGeneration)
	if err != nil {
		var pqerr *pq.Error
		if errors.As(err, &pqerr) {
			switch {
			case pqerr.Code.Name() == "foreign_key_violation" && pqerr.Constraint == "replicas_node_id_fkey":
				return UnknownNodeError{NodeID: nodeID}
			case pqerr.Code.Name() == "unique_violation":
				// the node already holds the repository, the assignment is in place
				return nil
			}
		}

		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		actual, err := rs.GetGeneration(ctx, repoHash)
		if err != nil {
			return err
		}

		return ReplicaSetChangedError{RepoHash: repoHash, ExpectedGeneration: expectedGeneration, ActualGeneration: actual}
	}

	return nil
}

func (rs *PostgresRepositoryStore) DeleteReplica(ctx context.Context, repoHash, nodeID string) error {
	const q = `
WITH removed AS (
	DELETE FROM replicas
	WHERE repo_hash = $1
	AND node_id = $2
	RETURNING repo_hash
)
UPDATE repositories
SET generation = generation + 1,
	last_updated = NOW() AT TIME ZONE 'UTC'
FROM removed
WHERE repositories.repo_hash = removed.repo_hash
`

	res, err := rs.db.ExecContext(ctx, q, repoHash, nodeID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return ErrNoRowsAffected
	}

	return nil
}

func (rs *PostgresRepositoryStore) GetReplicas(ctx context.Context, repoHash string) ([]Replica, error) {
	const q = `
SELECT repo_hash, node_id, created_at, last_verified
FROM replicas
WHERE repo_hash = $1
ORDER BY node_id
`

	rows, err := rs.db.QueryContext(ctx, q, repoHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replicas []Replica
	for rows.Next() {
		var replica Replica
		if err := rows.Scan(&replica.RepoHash, &replica.NodeID, &replica.CreatedAt, &replica.LastVerified); err != nil {
			return nil, err
		}

		replicas = append(replicas, replica)
	}

	return replicas, rows.Err()
}

func (rs *PostgresRepositoryStore) ReposOnNode(ctx context.Context, nodeID string) ([]string, error) {
	const q = `
SELECT repo_hash
FROM replicas
WHERE node_id = $1
ORDER BY repo_hash
`

	rows, err := rs.db.QueryContext(ctx, q, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos glsql.StringProvider
	if err := glsql.ScanAll(rows, &repos); err != nil {
		return nil, err
	}

	return repos.Values(), rows.Err()
}

func (rs *PostgresRepositoryStore) HealthyReplicaCount(ctx context.Context, repoHash, excludeNodeID string, seenSince time.Time, minScore int) (int, error) {
	const q = `
SELECT COUNT(*)
FROM replicas
JOIN nodes ON nodes.node_id = replicas.node_id
WHERE replicas.repo_hash = $1
AND ($2 = '' OR replicas.node_id != $2)
AND NOT nodes.stale
AND nodes.last_seen >= $3
AND nodes.reputation_score >= $4
`

	var count int
	if err := rs.db.QueryRowContext(ctx, q, repoHash, excludeNodeID, seenSince.UTC(), minScore).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (rs *PostgresRepositoryStore) DueForVerification(ctx context.Context, olderThan time.Time, limit int) ([]VerificationTarget, error) {
	const q = `
SELECT replicas.repo_hash, replicas.node_id, nodes.address, nodes.port, replicas.last_verified
FROM replicas
JOIN nodes ON nodes.node_id = replicas.node_id
WHERE (replicas.last_verified IS NULL OR replicas.last_verified < $1)
AND NOT nodes.stale
ORDER BY replicas.last_verified ASC NULLS FIRST, replicas.repo_hash, replicas.node_id
LIMIT $2
`

	rows, err := rs.db.QueryContext(ctx, q, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []VerificationTarget
	for rows.Next() {
		var target VerificationTarget
		if err := rows.Scan(&target.RepoHash, &target.NodeID, &target.Address, &target.Port, &target.LastVerified); err != nil {
			return nil, err
		}

		targets = append(targets, target)
	}

	return targets, rows.Err()
}

func (rs *PostgresRepositoryStore) MarkVerified(ctx context.Context, repoHash, nodeID string) error {
	const q = `
UPDATE replicas
SET last_verified = NOW() AT TIME ZONE 'UTC'
WHERE repo_hash = $1
AND node_id = $2
`

	res, err := rs.db.ExecContext(ctx, q, repoHash, nodeID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return ErrNoRowsAffected
	}

	return nil
}

func (rs *PostgresRepositoryStore) UnderReplicated(ctx context.Context, params HealthParams) ([]UnderReplicatedRepository, error) {
	// The query works in a few steps:
	//   1. `tier_requirement` CTE expands the configured tiers into rows.
	//   2. `effective` CTE computes the effective required count of every
	//      repository: the tier requirement, or the configured default for
	//      unknown tiers, raised to the pin floor when at least one pin row
	//      exists.
	//   3. `healthy` CTE counts replicas residing on active nodes at or above
	//      the reputation threshold.
	//   4. The final SELECT keeps the repositories below their requirement.
	const q = `
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
SELECT effective.repo_hash, effective.storage_tier, effective.required_count, COALESCE(healthy.healthy_count, 0) AS healthy_count
FROM effective
LEFT JOIN healthy ON healthy.repo_hash = effective.repo_hash
WHERE COALESCE(healthy.healthy_count, 0) < effective.required_count
ORDER BY COALESCE(healthy.healthy_count, 0), effective.repo_hash
`

	tiers, counts := params.tierArrays()

	rows, err := rs.db.QueryContext(ctx, q,
		tiers,
		counts,
		params.DefaultRequired,
		params.PinFloor,
		params.SeenSince.UTC(),
		params.MinScore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []UnderReplicatedRepository
	for rows.Next() {
		var row UnderReplicatedRepository
		if err := rows.Scan(&row.RepoHash, &row.StorageTier, &row.RequiredCount, &row.HealthyCount); err != nil {
			return nil, err
		}

		report = append(report, row)
	}

	return report, rows.Err()
}

func (rs *PostgresRepositoryStore) GetReplicaStatus(ctx context.Context, repoHash string) ([]ReplicaStatus, error) {
	const q = `
SELECT replicas.repo_hash, replicas.node_id, replicas.created_at, replicas.last_verified,
	nodes.stale, nodes.last_seen, nodes.reputation_score, nodes.is_anchor
FROM replicas
JOIN nodes ON nodes.node_id = replicas.node_id
WHERE replicas.repo_hash = $1
ORDER BY replicas.node_id
`

	rows, err := rs.db.QueryContext(ctx, q, repoHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []ReplicaStatus
	for rows.Next() {
		var status ReplicaStatus
		if err := rows.Scan(
			&status.RepoHash,
			&status.NodeID,
			&status.CreatedAt,
			&status.LastVerified,
			&status.NodeStale,
			&status.NodeLastSeen,
			&status.ReputationScore,
			&status.Anchor,
		); err != nil {
			return nil, err
		}

		statuses = append(statuses, status)
	}

	return statuses, rows.Err()
}
