package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"gitlab.com/hyrule/warden/internal/warden/datastore/glsql"
)

// Pin is a user's durability override for a repository.
type Pin struct {
	UserID   int64
	RepoHash string
	PinnedAt time.Time
}

// PinStore provides access to pin records.
type PinStore interface {
	// Pin records the user's pin for the repository. Pinning an already
	// pinned repository by the same user is a no-op. The returned flag
	// reports whether this was the repository's first pin, which raises its
	// effective replica requirement. Fails with RepositoryNotFoundError if
	// the repository does not exist.
	Pin(ctx context.Context, userID int64, repoHash string) (bool, error)
	// Unpin removes the user's pin. Unpinning a repository that is not pinned
	// is a no-op.
	Unpin(ctx context.Context, userID int64, repoHash string) error
	// PinCount returns the number of pins the repository currently has.
	PinCount(ctx context.Context, repoHash string) (int, error)
}

// PostgresPinStore is a Postgres implementation of the PinStore.
// Refer to the interface for method documentation.
type PostgresPinStore struct {
	db glsql.Querier
}

// NewPostgresPinStore returns a Postgres implementation of the PinStore.
func NewPostgresPinStore(db glsql.Querier) *PostgresPinStore {
	return &PostgresPinStore{db: db}
}

func (ps *PostgresPinStore) Pin(ctx context.Context, userID int64, repoHash string) (bool, error) {
	// The `existing` count reads the pre-statement snapshot, so it does not
	// include the row inserted by `new_pin`. The pin is the repository's
	// first one if the insert took place and no pin existed before.
	const q = `
WITH new_pin AS (
	INSERT INTO pins (user_id, repo_hash)
	VALUES ($1, $2)
	ON CONFLICT (user_id, repo_hash) DO NOTHING
	RETURNING repo_hash
)
SELECT EXISTS(SELECT FROM new_pin) AS created,
	(SELECT COUNT(*) FROM pins WHERE repo_hash = $2) AS existing
`

	var created bool
	var existing int
	if err := ps.db.QueryRowContext(ctx, q, userID, repoHash).Scan(&created, &existing); err != nil {
		var pqerr *pq.Error
		if errors.As(err, &pqerr) && pqerr.Code.Name() == "foreign_key_violation" {
			return false, RepositoryNotFoundError{RepoHash: repoHash}
		}

		return false, err
	}

	return created && existing == 0, nil
}

func (ps *PostgresPinStore) Unpin(ctx context.Context, userID int64, repoHash string) error {
	const q = `
DELETE FROM pins
WHERE user_id = $1
AND repo_hash = $2
`

	_, err := ps.db.ExecContext(ctx, q, userID, repoHash)
	return err
}

func (ps *PostgresPinStore) PinCount(ctx context.Context, repoHash string) (int, error) {
	const q = `
SELECT COUNT(*)
FROM pins
WHERE repo_hash = $1
`

	var count int
	if err := ps.db.QueryRowContext(ctx, q, repoHash).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}
