package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
)

// UnknownNodeError is returned when an operation references a node id that was
// never registered.
type UnknownNodeError struct {
	NodeID string
}

// Error returns the errors message.
func (err UnknownNodeError) Error() string {
	return fmt.Sprintf("node %q is not registered", err.NodeID)
}

// Is checks whether the other error is an UnknownNodeError.
func (err UnknownNodeError) Is(other error) bool {
	_, ok := other.(UnknownNodeError)
	return ok
}

// DuplicateNodeError is returned when a registration advertises an endpoint
// that already belongs to a different node.
type DuplicateNodeError struct {
	Address    string
	Port       int
	ExistingID string
}

// Error returns the errors message.
func (err DuplicateNodeError) Error() string {
	return fmt.Sprintf("endpoint %s:%d is already registered by node %q", err.Address, err.Port, err.ExistingID)
}

// Is checks whether the other error is a DuplicateNodeError.
func (err DuplicateNodeError) Is(other error) bool {
	_, ok := other.(DuplicateNodeError)
	return ok
}

// Node is a single registered storage node.
type Node struct {
	// ID is the operator chosen stable identifier of the node.
	ID string
	// Address is the host the node serves its storage endpoint on.
	Address string
	// Port is the port of the storage endpoint.
	Port int
	// StorageCapacity is the total number of bytes the node offers.
	StorageCapacity int64
	// StorageUsed is the number of bytes currently in use.
	StorageUsed int64
	// ReputationScore is the node's current reputation.
	ReputationScore int
	// Anchor marks operator trusted nodes that are exempt from reputation
	// driven eviction of their replicas.
	Anchor bool
	// Stale is set when the node exceeded the staleness threshold without a
	// heartbeat. Any successful heartbeat clears it.
	Stale bool
	// RegisteredAt is the time of the first successful registration.
	RegisteredAt time.Time
	// LastSeen is the time of the most recent registration or heartbeat.
	LastSeen time.Time
}

// FreeCapacity returns the number of bytes the node can still accept.
func (n Node) FreeCapacity() int64 {
	return n.StorageCapacity - n.StorageUsed
}

// NodeStatus is a row of the node inventory report.
type NodeStatus struct {
	Node
	// ReplicaCount is the number of replicas assigned to the node.
	ReplicaCount int64
}

// NodeStore provides access to the registry of storage nodes.
type NodeStore interface {
	// Register creates a record for the node or refreshes the existing one.
	// Re-registration with the same id updates the advertised endpoint and
	// capacity but keeps the accumulated reputation and usage. Registering an
	// endpoint already claimed by a different id fails with DuplicateNodeError.
	Register(ctx context.Context, node Node) error
	// Heartbeat refreshes the node's last seen timestamp, records the reported
	// used bytes and clears the stale flag. The used bytes are clamped to the
	// advertised capacity. Returns UnknownNodeError for unregistered ids.
	Heartbeat(ctx context.Context, nodeID string, usedBytes int64) error
	// GetNode returns the node with the given id or UnknownNodeError.
	GetNode(ctx context.Context, nodeID string) (Node, error)
	// ListActive returns nodes that are not stale, were seen at or after the
	// given time and have at least minFree bytes of free capacity. The result
	// is ordered by reputation descending, free capacity descending and node
	// id ascending.
	ListActive(ctx context.Context, seenSince time.Time, minFree int64) ([]Node, error)
	// MarkStaleIfOverdue flags nodes whose last seen timestamp is older than
	// the given cut-off and returns the ids that were newly marked. Nodes that
	// are already stale are not returned again, so each overdue period
	// triggers downstream repair exactly once.
	MarkStaleIfOverdue(ctx context.Context, seenBefore time.Time) ([]string, error)
	// AdjustReputation shifts the node's reputation score by delta and clamps
	// the result into [min, max]. It returns the new score or
	// UnknownNodeError.
	AdjustReputation(ctx context.Context, nodeID string, delta, min, max int) (int, error)
	// ListStatus returns every registered node together with its replica
	// count, ordered by node id.
	ListStatus(ctx context.Context) ([]NodeStatus, error)
}

// PostgresNodeStore is a Postgres implementation of the NodeStore.
// Refer to the interface for method documentation.
type PostgresNodeStore struct {
	db glsql.Querier
}

// NewPostgresNodeStore returns a Postgres implementation of the NodeStore.
func NewPostgresNodeStore(db glsql.Querier) *PostgresNodeStore {
	return &PostgresNodeStore{db: db}
}

func (ns *PostgresNodeStore) Register(ctx context.Context, node Node) error {
	const q = `
INSERT INTO nodes (node_id, address, port, storage_capacity, storage_used, reputation_score, is_anchor, registered_at, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW() AT TIME ZONE 'UTC', NOW() AT TIME ZONE 'UTC')
ON CONFLICT (node_id) DO UPDATE SET
	address = EXCLUDED.address,
	port = EXCLUDED.port,
	storage_capacity = EXCLUDED.storage_capacity,
	storage_used = LEAST(nodes.storage_used, EXCLUDED.storage_capacity),
	is_anchor = EXCLUDED.is_anchor,
	stale = FALSE,
	last_seen = NOW() AT TIME ZONE 'UTC'
`

	_, err := ns.db.ExecContext(ctx, q,
		node.ID,
		node.Address,
		node.Port,
		node.StorageCapacity,
		node.StorageUsed,
		node.ReputationScore,
		node.Anchor,
	)

	var pqerr *pq.Error
	if errors.As(err, &pqerr) && pqerr.Code.Name() == "unique_violation" {
		duplicate := DuplicateNodeError{Address: node.Address, Port: node.Port}

		const owner = `SELECT node_id FROM nodes WHERE address = $1 AND port = $2`
		if scanErr := ns.db.QueryRowContext(ctx, owner, node.Address, node.Port).Scan(&duplicate.ExistingID); scanErr != nil {
			return fmt.Errorf("lookup endpoint owner: %v: %w", scanErr, err)
		}

		return duplicate
	}

	return err
}

func (ns *PostgresNodeStore) Heartbeat(ctx context.Context, nodeID string, usedBytes int64) error {
	const q = `
UPDATE nodes
SET last_seen = NOW() AT TIME ZONE 'UTC',
	storage_used = LEAST($2, storage_capacity),
	stale = FALSE
WHERE node_id = $1
`

	res, err := ns.db.ExecContext(ctx, q, nodeID, usedBytes)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return UnknownNodeError{NodeID: nodeID}
	}

	return nil
}

func (ns *PostgresNodeStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	const q = `
SELECT node_id, address, port, storage_capacity, storage_used, reputation_score, is_anchor, stale, registered_at, last_seen
FROM nodes
WHERE node_id = $1
`

	var node Node
	if err := scanNode(ns.db.QueryRowContext(ctx, q, nodeID), &node); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, UnknownNodeError{NodeID: nodeID}
		}

		return Node{}, err
	}

	return node, nil
}

func (ns *PostgresNodeStore) ListActive(ctx context.Context, seenSince time.Time, minFree int64) ([]Node, error) {
	const q = `
SELECT node_id, address, port, storage_capacity, storage_used, reputation_score, is_anchor, stale, registered_at, last_seen
FROM nodes
WHERE NOT stale
AND last_seen >= $1
AND storage_capacity - storage_used >= $2
ORDER BY reputation_score DESC, storage_capacity - storage_used DESC, node_id
`

	rows, err := ns.db.QueryContext(ctx, q, seenSince.UTC(), minFree)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var node Node
		if err := scanNode(rows, &node); err != nil {
			return nil, err
		}

		nodes = append(nodes, node)
	}

	return nodes, rows.Err()
}

func (ns *PostgresNodeStore) MarkStaleIfOverdue(ctx context.Context, seenBefore time.Time) ([]string, error) {
	const q = `
UPDATE nodes
SET stale = TRUE
WHERE NOT stale
AND last_seen < $1
RETURNING node_id
`

	rows, err := ns.db.QueryContext(ctx, q, seenBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marked glsql.StringProvider
	if err := glsql.ScanAll(rows, &marked); err != nil {
		return nil, err
	}

	return marked.Values(), rows.Err()
}

func (ns *PostgresNodeStore) AdjustReputation(ctx context.Context, nodeID string, delta, min, max int) (int, error) {
	const q = `
UPDATE nodes
SET reputation_score = GREATEST($3, LEAST($4, reputation_score + $2))
WHERE node_id = $1
RETURNING reputation_score
`

	var score int
	if err := ns.db.QueryRowContext(ctx, q, nodeID, delta, min, max).Scan(&score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, UnknownNodeError{NodeID: nodeID}
		}

		return 0, err
	}

	return score, nil
}

func (ns *PostgresNodeStore) ListStatus(ctx context.Context) ([]NodeStatus, error) {
	const q = `
SELECT node_id, address, port, storage_capacity, storage_used, reputation_score, is_anchor, stale, registered_at, last_seen,
	(SELECT COUNT(*) FROM replicas WHERE replicas.node_id = nodes.node_id) AS replica_count
FROM nodes
ORDER BY node_id
`

	rows, err := ns.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []NodeStatus
	for rows.Next() {
		var status NodeStatus
		if err := rows.Scan(
			&status.ID,
			&status.Address,
			&status.Port,
			&status.StorageCapacity,
			&status.StorageUsed,
			&status.ReputationScore,
			&status.Anchor,
			&status.Stale,
			&status.RegisteredAt,
			&status.LastSeen,
			&status.ReplicaCount,
		); err != nil {
			return nil, err
		}

		statuses = append(statuses, status)
	}

	return statuses, rows.Err()
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner, node *Node) error {
	return row.Scan(
		&node.ID,
		&node.Address,
		&node.Port,
		&node.StorageCapacity,
		&node.StorageUsed,
		&node.ReputationScore,
		&node.Anchor,
		&node.Stale,
		&node.RegisteredAt,
		&node.LastSeen,
	)
}
