package reputation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
)

// Outcome is the terminal state of a single content challenge.
type Outcome string

const (
	// Success means the node produced the expected digest within the
	// challenge timeout.
	Success = Outcome("success")
	// Mismatch means the node answered with a digest that does not match the
	// recorded repository content. This is the strongest signal that the node
	// serves corrupt or fabricated data.
	Mismatch = Outcome("mismatch")
	// Timeout means the node did not answer the challenge in time.
	Timeout = Outcome("timeout")
	// Unreachable means the challenge could not be delivered at all.
	Unreachable = Outcome("unreachable")
)

// deltas are the score adjustments earned by each outcome. Mismatch is
// penalized an order of magnitude harder than slowness since it indicates
// corruption rather than congestion.
var deltas = map[Outcome]int{
	Success:     1,
	Mismatch:    -10,
	Timeout:     -3,
	Unreachable: -5,
}

// Scorer maintains the trust scores of storage nodes. Scores move with
// verification outcomes, are clamped to the configured bounds and gate
// eligibility for new replica assignments. Anchor nodes accumulate score like
// any other node; their protection covers eviction of existing replicas, not
// admission of new ones.
type Scorer struct {
	log  logrus.FieldLogger
	ns   datastore.NodeStore
	conf config.Reputation
}

// NewScorer returns a scorer operating within the configured bounds.
func NewScorer(log logrus.FieldLogger, ns datastore.NodeStore, conf config.Reputation) *Scorer {
	return &Scorer{
		log:  log.WithField("component", "reputation"),
		ns:   ns,
		conf: conf,
	}
}

// OnVerification applies the outcome's score adjustment to the node and
// returns the new score.
func (s *Scorer) OnVerification(ctx context.Context, nodeID string, outcome Outcome) (int, error) {
	delta, found := deltas[outcome]
	if !found {
		return 0, fmt.Errorf("verification outcome is not supported: %q", outcome)
	}

	score, err := s.ns.AdjustReputation(ctx, nodeID, delta, s.conf.Minimum, s.conf.Maximum)
	if err != nil {
		return 0, err
	}

	entry := s.log.WithFields(logrus.Fields{
		"node_id": nodeID,
		"outcome": outcome,
		"score":   score,
	})

	if score < s.conf.Threshold {
		entry.Warn("node is below the placement threshold")
	} else {
		entry.Debug("adjusted node reputation")
	}

	return score, nil
}

// EligibleForPlacement reports whether the node may receive new replica
// assignments. Anchor status does not override the threshold: a misbehaving
// anchor keeps its existing replicas but receives no new ones.
func (s *Scorer) EligibleForPlacement(node datastore.Node) bool {
	return node.ReputationScore >= s.conf.Threshold
}
