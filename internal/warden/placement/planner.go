package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

// ErrAnchorUnavailable is returned together with a partial selection when the
// repository's tier demands an anchor replica but no eligible anchor node
// exists. It is a soft condition: callers persist the partial selection and
// the shortfall is retried on the next repair cycle.
var ErrAnchorUnavailable = errors.New("no eligible anchor node available")

// InsufficientCapacityError is returned when not a single node is eligible to
// receive a replica of the repository.
type InsufficientCapacityError struct {
	RepoHash string
	Needed   int
}

// Error returns the errors message.
func (err InsufficientCapacityError) Error() string {
	return fmt.Sprintf("no node can accept a replica of repository %q: %d more needed", err.RepoHash, err.Needed)
}

// Is checks whether the other error is an InsufficientCapacityError.
func (err InsufficientCapacityError) Is(other error) bool {
	_, ok := other.(InsufficientCapacityError)
	return ok
}

// Eligibility gates which nodes may receive new replica assignments.
type Eligibility interface {
	EligibleForPlacement(datastore.Node) bool
}

// Planner selects target nodes for new replicas. Selection is deterministic:
// candidates are ranked by reputation descending, free capacity descending
// and node id ascending, with one slot reserved for an anchor node when the
// repository's tier demands an anchor replica.
type Planner struct {
	log         logrus.FieldLogger
	nodes       datastore.NodeStore
	eligibility Eligibility
	conf        config.Config
}

// NewPlanner returns a planner selecting from the given node store.
func NewPlanner(log logrus.FieldLogger, nodes datastore.NodeStore, eligibility Eligibility, conf config.Config) *Planner {
	return &Planner{
		log:         log.WithField("component", "placement"),
		nodes:       nodes,
		eligibility: eligibility,
		conf:        conf,
	}
}

// Plan returns the ids of the nodes that should receive new replicas of the
// repository, at most requiredCount-len(existing) of them. Nodes already
// holding the repository are never selected and no node is selected beyond
// its free capacity. A too short selection is not an error as long as at
// least one node was eligible: the repository stays under-replicated and the
// next repair cycle retries. With zero eligible nodes Plan fails with
// InsufficientCapacityError.
func (p *Planner) Plan(ctx context.Context, repo datastore.Repository, requiredCount int, existing []datastore.ReplicaStatus) ([]string, error) {
	missing := requiredCount - len(existing)
	if missing <= 0 {
		return nil, nil
	}

	seenSince := time.Now().Add(-p.conf.Registry.StalenessThreshold())
	active, err := p.nodes.ListActive(ctx, seenSince, repo.Size)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}

	holders := make(map[string]struct{}, len(existing))
	anchored := false
	for _, replica := range existing {
		holders[replica.NodeID] = struct{}{}
		// an anchor replica on a stale node does not count, the tier wants a
		// live anchor copy
		if replica.Anchor && !replica.NodeStale {
			anchored = true
		}
	}

	var candidates []datastore.Node
	for _, node := range active {
		if _, holds := holders[node.ID]; holds {
			continue
		}

		if !p.eligibility.EligibleForPlacement(node) {
			continue
		}

		candidates = append(candidates, node)
	}

	if len(candidates) == 0 {
		return nil, InsufficientCapacityError{RepoHash: repo.RepoHash, Needed: missing}
	}

	needAnchor := p.conf.Tier(repo.StorageTier).RequireAnchor && !anchored

	anchorMissing := false
	var targets []string

	if needAnchor {
		anchorAt := -1
		for i, node := range candidates {
			if node.Anchor {
				anchorAt = i
				break
			}
		}

		// the anchor slot is spoken for either way: filled by the best ranked
		// anchor, or left open and reported when no anchor qualifies
		missing--

		if anchorAt >= 0 {
			targets = append(targets, candidates[anchorAt].ID)
			candidates = append(candidates[:anchorAt], candidates[anchorAt+1:]...)
		} else {
			anchorMissing = true
		}
	}

	for _, node := range candidates {
		if missing <= 0 {
			break
		}

		targets = append(targets, node.ID)
		missing--
	}

	if anchorMissing {
		p.log.WithFields(logrus.Fields{
			"repo_hash": repo.RepoHash,
			"tier":      repo.StorageTier,
		}).Warn("tier requires an anchor replica but no anchor node qualifies")

		return targets, ErrAnchorUnavailable
	}

	return targets, nil
}
