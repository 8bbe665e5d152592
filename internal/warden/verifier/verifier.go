package verifier

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/helper"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
	"gitlab.com/hyrule/warden/internal/warden/metrics"
	"gitlab.com/hyrule/warden/internal/warden/reputation"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Challenger issues a content challenge to the node behind endpoint and
// returns the node's hex encoded proof.
type Challenger interface {
	Challenge(ctx context.Context, endpoint, repoHash, nonce string) (string, error)
}

// OutcomeSink receives the terminal outcome of every challenge.
type OutcomeSink interface {
	OnVerification(ctx context.Context, nodeID string, outcome reputation.Outcome) (int, error)
}

// ExpectedProof computes the proof an honest node must answer a challenge
// with: the BLAKE2b-256 digest of the repository's content hash bound to the
// challenge nonce. The nonce keeps nodes from replaying a previously observed
// answer.
func ExpectedProof(repoHash, nonce string) string {
	sum := blake2b.Sum256([]byte(repoHash + nonce))
	return hex.EncodeToString(sum[:])
}

// Verifier audits replicas by periodically challenging the nodes holding
// them. Challenges run concurrently across nodes through a bounded worker
// pool; challenges to a single node are serialized so a slow node is never
// hit twice at once. Failed challenges feed the reputation scorer and the
// repair queue, the replica row itself stays in place until the repair
// engine has confirmed a replacement.
type Verifier struct {
	log        logrus.FieldLogger
	rs         datastore.RepositoryStore
	queue      datastore.RepairEventQueue
	challenger Challenger
	sink       OutcomeSink
	conf       config.Verification

	runDuration      prometheus.Histogram
	outcomes         *prometheus.CounterVec
	challengeLatency metrics.Histogram
	// handleError is called with a possible error from verify. If it returns
	// an error, Run stops and returns with the error.
	handleError func(error) error
}

// VerifierOpt allows a verifier to be configured with additional options.
type VerifierOpt func(*Verifier)

// WithChallengeLatencyMetric sets the histogram observing challenge round
// trip times.
func WithChallengeLatencyMetric(h metrics.Histogram) VerifierOpt {
	return func(v *Verifier) {
		v.challengeLatency = h
	}
}

// NewVerifier returns a verifier auditing the replicas in the given store.
func NewVerifier(log logrus.FieldLogger, rs datastore.RepositoryStore, queue datastore.RepairEventQueue, challenger Challenger, sink OutcomeSink, conf config.Verification, opts ...VerifierOpt) *Verifier {
	log = log.WithField("component", "verifier")

	v := &Verifier{
		log:        log,
		rs:         rs,
		queue:      queue,
		challenger: challenger,
		sink:       sink,
		conf:       conf,
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "warden_verification_run_seconds",
			Help: "The time spent performing a single verification run.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_verification_outcomes_total",
			Help: "Number of verification challenges by terminal outcome.",
		}, []string{"outcome"}),
		handleError: func(err error) error {
			log.WithError(err).Error("verification run failed")
			return nil
		},
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Describe describes the collected metrics to Prometheus.
func (v *Verifier) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(v, ch)
}

// Collect collects the metrics exposed by the verifier.
func (v *Verifier) Collect(ch chan<- prometheus.Metric) {
	v.runDuration.Collect(ch)
	v.outcomes.Collect(ch)
}

// Run verifies due replicas on each tick the Ticker emits. Run returns when
// the context is canceled, returning the error from the context.
func (v *Verifier) Run(ctx context.Context, ticker helper.Ticker) error {
	v.log.WithFields(logrus.Fields{
		"interval":    v.conf.Interval.Duration().String(),
		"concurrency": v.conf.Concurrency,
	}).Info("verification loop started")
	defer v.log.Info("verification loop stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := v.verify(ctx); err != nil {
				if err := v.handleError(err); err != nil {
					return err
				}
			}
		}
	}
}

// verify loads the oldest due replicas and challenges their nodes. Targets
// are grouped per node: each group is worked through serially by one worker,
// groups run in parallel up to the configured concurrency.
func (v *Verifier) verify(ctx context.Context) error {
	defer prometheus.NewTimer(v.runDuration).ObserveDuration()

	targets, err := v.rs.DueForVerification(ctx, time.Now().Add(-v.conf.Interval.Duration()), v.conf.BatchSize)
	if err != nil {
		return fmt.Errorf("load due replicas: %w", err)
	}

	if len(targets) == 0 {
		return nil
	}

	byNode := make(map[string][]datastore.VerificationTarget)
	var order []string
	for _, target := range targets {
		if _, found := byNode[target.NodeID]; !found {
			order = append(order, target.NodeID)
		}
		byNode[target.NodeID] = append(byNode[target.NodeID], target)
	}

	sem := make(chan struct{}, v.conf.Concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, nodeID := range order {
		nodeTargets := byNode[nodeID]

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			for _, target := range nodeTargets {
				if err := v.challenge(gctx, target); err != nil {
					return err
				}
			}

			return nil
		})
	}

	return g.Wait()
}

// challenge runs a single content challenge and records its outcome. Only
// store and queue failures are returned as errors; a failed challenge is a
// result, not an error.
func (v *Verifier) challenge(ctx context.Context, target datastore.VerificationTarget) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "verifier.challenge")
	defer span.Finish()
	span.SetTag("repo_hash", target.RepoHash)
	span.SetTag("node_id", target.NodeID)

	nonce := uuid.New().String()

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, v.conf.ChallengeTimeout.Duration())
	proof, err := v.challenger.Challenge(cctx, fmt.Sprintf("%s:%d", target.Address, target.Port), target.RepoHash, nonce)
	cancel()

	if v.challengeLatency != nil {
		v.challengeLatency.Observe(time.Since(start).Seconds())
	}

	if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		// the run was canceled, not the challenge answered: shutdown or an
		// unrelated worker's failure tore down the context mid-flight and the
		// node must not be judged on it
		span.SetTag("outcome", "canceled")
		return ctx.Err()
	}

	outcome := classify(err, proof, ExpectedProof(target.RepoHash, nonce))
	span.SetTag("outcome", string(outcome))
	v.outcomes.WithLabelValues(string(outcome)).Inc()

	entry := v.log.WithFields(logrus.Fields{
		"repo_hash": target.RepoHash,
		"node_id":   target.NodeID,
		"outcome":   outcome,
	})

	if _, err := v.sink.OnVerification(ctx, target.NodeID, outcome); err != nil {
		if errors.Is(err, datastore.UnknownNodeError{}) {
			// the node was dropped while the challenge was in flight
			entry.Debug("challenged node is no longer registered")
			return nil
		}

		return fmt.Errorf("record verification outcome: %w", err)
	}

	if outcome == reputation.Success {
		if err := v.rs.MarkVerified(ctx, target.RepoHash, target.NodeID); err != nil && !errors.Is(err, datastore.ErrNoRowsAffected) {
			return fmt.Errorf("mark replica verified: %w", err)
		}

		entry.Debug("replica verified")
		return nil
	}

	if outcome == reputation.Mismatch {
		entry.Error("node answered challenge with a wrong proof, possible corruption")
	} else {
		entry.Warn("verification challenge failed")
	}

	// last_verified stays untouched and the replica row stays in place: the
	// repair engine removes it once a replacement is confirmed.
	if _, err := v.queue.Enqueue(ctx, datastore.RepairEvent{Job: datastore.RepairJob{
		Change:   datastore.VerificationFailed,
		RepoHash: target.RepoHash,
		NodeID:   target.NodeID,
	}}); err != nil {
		return fmt.Errorf("enqueue repair: %w", err)
	}

	return nil
}

// classify maps a challenge response to its terminal outcome.
func classify(err error, proof, expected string) reputation.Outcome {
	switch {
	case err == nil && proof == expected:
		return reputation.Success
	case err == nil:
		return reputation.Mismatch
	case status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		return reputation.Timeout
	default:
		return reputation.Unreachable
	}
}
