package pins

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

// Manager is the single writer of pin records. A pin raises the repository's
// effective replica requirement to the configured floor and shields it from
// reclamation sweeps; the first pin of a repository schedules a repair cycle
// so the raised requirement is acted on without waiting for a failure.
type Manager struct {
	log   logrus.FieldLogger
	pins  datastore.PinStore
	repos datastore.RepositoryStore
	queue datastore.RepairEventQueue
	conf  config.Config
}

// NewManager returns a manager writing through the given pin store.
func NewManager(log logrus.FieldLogger, pins datastore.PinStore, repos datastore.RepositoryStore, queue datastore.RepairEventQueue, conf config.Config) *Manager {
	return &Manager{
		log:   log.WithField("component", "pins"),
		pins:  pins,
		repos: repos,
		queue: queue,
		conf:  conf,
	}
}

// Pin records the user's pin for the repository. Pinning an already pinned
// repository is a no-op, not an error. The repository's first pin enqueues a
// repair event so the raised replica requirement takes effect on the next
// repair cycle.
func (m *Manager) Pin(ctx context.Context, userID int64, repoHash string) error {
	first, err := m.pins.Pin(ctx, userID, repoHash)
	if err != nil {
		return err
	}

	if !first {
		return nil
	}

	m.log.WithFields(logrus.Fields{
		"repo_hash": repoHash,
		"user_id":   userID,
		"floor":     m.conf.Pins.Floor,
	}).Info("repository pinned, scheduling repair for the raised requirement")

	if _, err := m.queue.Enqueue(ctx, datastore.RepairEvent{Job: datastore.RepairJob{
		Change:   datastore.PinCreated,
		RepoHash: repoHash,
	}}); err != nil {
		return fmt.Errorf("enqueue repair for pinned repository: %w", err)
	}

	return nil
}

// Unpin removes the user's pin. Unpinning a repository that is not pinned is
// a no-op. Removing the last pin does not evict any replicas, it only lowers
// the requirement consulted by future repair cycles.
func (m *Manager) Unpin(ctx context.Context, userID int64, repoHash string) error {
	return m.pins.Unpin(ctx, userID, repoHash)
}

// EffectiveRequiredCount returns the replica count the repository must hold:
// the tier default, raised to the pin floor while at least one pin exists.
func (m *Manager) EffectiveRequiredCount(ctx context.Context, repo datastore.Repository) (int, error) {
	required := m.conf.Tier(repo.StorageTier).RequiredCount

	count, err := m.pins.PinCount(ctx, repo.RepoHash)
	if err != nil {
		return 0, err
	}

	if count > 0 && m.conf.Pins.Floor > required {
		required = m.conf.Pins.Floor
	}

	return required, nil
}
