package datastore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// interface implementation checks
var (
	_ NodeStore       = (*MemoryDatastore)(nil)
	_ RepositoryStore = (*MemoryDatastore)(nil)
	_ PinStore        = (*MemoryDatastore)(nil)
)

// MemoryDatastore is an in-memory implementation of the NodeStore,
// RepositoryStore and PinStore interfaces backed by a single mutex protected
// state, so cross table reports behave like their SQL counterparts. It exists
// for tests and single process development setups. All state is lost on
// restart.
type MemoryDatastore struct {
	mtx      sync.RWMutex
	nodes    map[string]*Node
	repos    map[string]*Repository
	replicas map[string]map[string]*Replica // repo hash to node id to assignment
	pins     map[string]map[int64]time.Time // repo hash to user id to pin time
}

// NewMemoryDatastore returns a new MemoryDatastore ready for use.
func NewMemoryDatastore() *MemoryDatastore {
	return &MemoryDatastore{
		nodes:    map[string]*Node{},
		repos:    map[string]*Repository{},
		replicas: map[string]map[string]*Replica{},
		pins:     map[string]map[int64]time.Time{},
	}
}

func (m *MemoryDatastore) Register(_ context.Context, node Node) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, existing := range m.nodes {
		if existing.Address == node.Address && existing.Port == node.Port && existing.ID != node.ID {
			return DuplicateNodeError{Address: node.Address, Port: node.Port, ExistingID: existing.ID}
		}
	}

	now := time.Now().UTC()

	if existing, found := m.nodes[node.ID]; found {
		existing.Address = node.Address
		existing.Port = node.Port
		existing.StorageCapacity = node.StorageCapacity
		if existing.StorageUsed > node.StorageCapacity {
			existing.StorageUsed = node.StorageCapacity
		}
		existing.Anchor = node.Anchor
		existing.Stale = false
		existing.LastSeen = now
		return nil
	}

	node.Stale = false
	node.RegisteredAt = now
	node.LastSeen = now
	m.nodes[node.ID] = &node
	return nil
}

func (m *MemoryDatastore) Heartbeat(_ context.Context, nodeID string, usedBytes int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	node, found := m.nodes[nodeID]
	if !found {
		return UnknownNodeError{NodeID: nodeID}
	}

	if usedBytes > node.StorageCapacity {
		usedBytes = node.StorageCapacity
	}

	node.StorageUsed = usedBytes
	node.LastSeen = time.Now().UTC()
	node.Stale = false
	return nil
}

func (m *MemoryDatastore) GetNode(_ context.Context, nodeID string) (Node, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	node, found := m.nodes[nodeID]
	if !found {
		return Node{}, UnknownNodeError{NodeID: nodeID}
	}

	return *node, nil
}

func (m *MemoryDatastore) ListActive(_ context.Context, seenSince time.Time, minFree int64) ([]Node, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var nodes []Node
	for _, node := range m.nodes {
		if node.Stale || node.LastSeen.Before(seenSince) || node.FreeCapacity() < minFree {
			continue
		}

		nodes = append(nodes, *node)
	}

	sortNodesForPlacement(nodes)
	return nodes, nil
}

func (m *MemoryDatastore) MarkStaleIfOverdue(_ context.Context, seenBefore time.Time) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var marked []string
	for _, node := range m.nodes {
		if node.Stale || !node.LastSeen.Before(seenBefore) {
			continue
		}

		node.Stale = true
		marked = append(marked, node.ID)
	}

	sort.Strings(marked)
	return marked, nil
}

func (m *MemoryDatastore) AdjustReputation(_ context.Context, nodeID string, delta, min, max int) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	node, found := m.nodes[nodeID]
	if !found {
		return 0, UnknownNodeError{NodeID: nodeID}
	}

	score := node.ReputationScore + delta
	if score < min {
		score = min
	}
	if score > max {
		score = max
	}

	node.ReputationScore = score
	return score, nil
}

func (m *MemoryDatastore) ListStatus(_ context.Context) ([]NodeStatus, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var statuses []NodeStatus
	for _, node := range m.nodes {
		status := NodeStatus{Node: *node}
		for _, assignments := range m.replicas {
			if _, found := assignments[node.ID]; found {
				status.ReplicaCount++
			}
		}

		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses, nil
}

func (m *MemoryDatastore) CreateRepository(_ context.Context, repo Repository) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, found := m.repos[repo.RepoHash]; found {
		return RepositoryExistsError{RepoHash: repo.RepoHash}
	}

	now := time.Now().UTC()
	repo.Generation = 0
	repo.CreatedAt = now
	repo.LastUpdated = now
	m.repos[repo.RepoHash] = &repo
	return nil
}

func (m *MemoryDatastore) GetRepository(_ context.Context, repoHash string) (Repository, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	repo, found := m.repos[repoHash]
	if !found {
		return Repository{}, RepositoryNotFoundError{RepoHash: repoHash}
	}

	return *repo, nil
}

func (m *MemoryDatastore) GetGeneration(_ context.Context, repoHash string) (int64, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	repo, found := m.repos[repoHash]
	if !found {
		return 0, RepositoryNotFoundError{RepoHash: repoHash}
	}

	return repo.Generation, nil
}

func (m *MemoryDatastore) CreateReplica(_ context.Context, repoHash, nodeID string, expectedGeneration int64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	repo, found := m.repos[repoHash]
	if !found {
		return RepositoryNotFoundError{RepoHash: repoHash}
	}

	if _, found := m.nodes[nodeID]; !found {
		return UnknownNodeError{NodeID: nodeID}
	}

	if repo.Generation != expectedGeneration {
		return ReplicaSetChangedError{RepoHash: repoHash, ExpectedGeneration: expectedGeneration, ActualGeneration: repo.Generation}
	}

	if _, found := m.replicas[repoHash][nodeID]; found {
		// the node already holds the repository, the assignment is in place
		return nil
	}

	if m.replicas[repoHash] == nil {
		m.replicas[repoHash] = map[string]*Replica{}
	}

	now := time.Now().UTC()
	m.replicas[repoHash][nodeID] = &Replica{RepoHash: repoHash, NodeID: nodeID, CreatedAt: now}
	repo.Generation++
	repo.LastUpdated = now
	return nil
}

func (m *MemoryDatastore) DeleteReplica(_ context.Context, repoHash, nodeID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, found := m.replicas[repoHash][nodeID]; !found {
		return ErrNoRowsAffected
	}

	delete(m.replicas[repoHash], nodeID)
	if repo, found := m.repos[repoHash]; found {
		repo.Generation++
		repo.LastUpdated = time.Now().UTC()
	}

	return nil
}

func (m *MemoryDatastore) GetReplicas(_ context.Context, repoHash string) ([]Replica, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var replicas []Replica
	for _, replica := range m.replicas[repoHash] {
		replicas = append(replicas, *replica)
	}

	sort.Slice(replicas, func(i, j int) bool { return replicas[i].NodeID < replicas[j].NodeID })
	return replicas, nil
}

func (m *MemoryDatastore) ReposOnNode(_ context.Context, nodeID string) ([]string, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var repos []string
	for repoHash, assignments := range m.replicas {
		if _, found := assignments[nodeID]; found {
			repos = append(repos, repoHash)
		}
	}

	sort.Strings(repos)
	return repos, nil
}

func (m *MemoryDatastore) HealthyReplicaCount(_ context.Context, repoHash, excludeNodeID string, seenSince time.Time, minScore int) (int, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.healthyReplicaCount(repoHash, excludeNodeID, seenSince, minScore), nil
}

// healthyReplicaCount must be called with at least read lock protection.
func (m *MemoryDatastore) healthyReplicaCount(repoHash, excludeNodeID string, seenSince time.Time, minScore int) int {
	var count int
	for nodeID := range m.replicas[repoHash] {
		if excludeNodeID != "" && nodeID == excludeNodeID {
			continue
		}

		node, found := m.nodes[nodeID]
		if !found || node.Stale || node.LastSeen.Before(seenSince) || node.ReputationScore < minScore {
			continue
		}

		count++
	}

	return count
}

func (m *MemoryDatastore) DueForVerification(_ context.Context, olderThan time.Time, limit int) ([]VerificationTarget, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var targets []VerificationTarget
	for repoHash, assignments := range m.replicas {
		for nodeID, replica := range assignments {
			node, found := m.nodes[nodeID]
			if !found || node.Stale {
				continue
			}

			if replica.LastVerified != nil && !replica.LastVerified.Before(olderThan) {
				continue
			}

			targets = append(targets, VerificationTarget{
				RepoHash:     repoHash,
				NodeID:       nodeID,
				Address:      node.Address,
				Port:         node.Port,
				LastVerified: replica.LastVerified,
			})
		}
	}

	sort.Slice(targets, func(i, j int) bool {
		a, b := targets[i], targets[j]
		switch {
		case a.LastVerified == nil && b.LastVerified != nil:
			return true
		case a.LastVerified != nil && b.LastVerified == nil:
			return false
		case a.LastVerified != nil && b.LastVerified != nil && !a.LastVerified.Equal(*b.LastVerified):
			return a.LastVerified.Before(*b.LastVerified)
		case a.RepoHash != b.RepoHash:
			return a.RepoHash < b.RepoHash
		default:
			return a.NodeID < b.NodeID
		}
	})

	if len(targets) > limit {
		targets = targets[:limit]
	}

	return targets, nil
}

func (m *MemoryDatastore) MarkVerified(_ context.Context, repoHash, nodeID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	replica, found := m.replicas[repoHash][nodeID]
	if !found {
		return ErrNoRowsAffected
	}

	now := time.Now().UTC()
	replica.LastVerified = &now
	return nil
}

func (m *MemoryDatastore) UnderReplicated(_ context.Context, params HealthParams) ([]UnderReplicatedRepository, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var report []UnderReplicatedRepository
	for repoHash, repo := range m.repos {
		required, found := params.TierRequirements[repo.StorageTier]
		if !found {
			required = params.DefaultRequired
		}

		if len(m.pins[repoHash]) > 0 && params.PinFloor > required {
			required = params.PinFloor
		}

		healthy := m.healthyReplicaCount(repoHash, "", params.SeenSince, params.MinScore)
		if healthy >= required {
			continue
		}

		report = append(report, UnderReplicatedRepository{
			RepoHash:      repoHash,
			StorageTier:   repo.StorageTier,
			RequiredCount: required,
			HealthyCount:  healthy,
		})
	}

	sort.Slice(report, func(i, j int) bool {
		if report[i].HealthyCount != report[j].HealthyCount {
			return report[i].HealthyCount < report[j].HealthyCount
		}
		return report[i].RepoHash < report[j].RepoHash
	})

	return report, nil
}

func (m *MemoryDatastore) GetReplicaStatus(_ context.Context, repoHash string) ([]ReplicaStatus, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var statuses []ReplicaStatus
	for nodeID, replica := range m.replicas[repoHash] {
		node, found := m.nodes[nodeID]
		if !found {
			continue
		}

		statuses = append(statuses, ReplicaStatus{
			Replica:         *replica,
			NodeStale:       node.Stale,
			NodeLastSeen:    node.LastSeen,
			ReputationScore: node.ReputationScore,
			Anchor:          node.Anchor,
		})
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].NodeID < statuses[j].NodeID })
	return statuses, nil
}

func (m *MemoryDatastore) Pin(_ context.Context, userID int64, repoHash string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, found := m.repos[repoHash]; !found {
		return false, RepositoryNotFoundError{RepoHash: repoHash}
	}

	if _, found := m.pins[repoHash][userID]; found {
		return false, nil
	}

	first := len(m.pins[repoHash]) == 0
	if m.pins[repoHash] == nil {
		m.pins[repoHash] = map[int64]time.Time{}
	}

	m.pins[repoHash][userID] = time.Now().UTC()
	return first, nil
}

func (m *MemoryDatastore) Unpin(_ context.Context, userID int64, repoHash string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.pins[repoHash], userID)
	if len(m.pins[repoHash]) == 0 {
		delete(m.pins, repoHash)
	}

	return nil
}

func (m *MemoryDatastore) PinCount(_ context.Context, repoHash string) (int, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return len(m.pins[repoHash]), nil
}

// sortNodesForPlacement orders nodes the way the placement planner prefers
// them: reputation descending, free capacity descending, node id ascending.
func sortNodesForPlacement(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		switch {
		case a.ReputationScore != b.ReputationScore:
			return a.ReputationScore > b.ReputationScore
		case a.FreeCapacity() != b.FreeCapacity():
			return a.FreeCapacity() > b.FreeCapacity()
		default:
			return a.ID < b.ID
		}
	})
}
