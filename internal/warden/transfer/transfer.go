package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
	"gitlab.com/hyrule/warden/internal/warden/metrics"
	"gitlab.com/hyrule/warden/internal/warden/peer"
	"google.golang.org/grpc/status"
)

// Order is a replication work order: copy one repository onto the target
// node. The transfer itself is carried out by the node, warden only decides
// what must be copied where.
type Order struct {
	// OrderID identifies the work order across retries in logs and on the
	// receiving node.
	OrderID string
	// RepoHash is the repository to copy.
	RepoHash string
	// SourceNodeID is a node holding a healthy replica to fetch from. It is
	// empty when no healthy source remains.
	SourceNodeID string
	// TargetNodeID is the node that must end up with a copy.
	TargetNodeID string
}

// FailedError is returned when the transfer mechanism reports a work order as
// failed. The order is retried on a later repair cycle.
type FailedError struct {
	Reason string
}

// Error returns the errors message.
func (err FailedError) Error() string {
	return fmt.Sprintf("transfer failed: %s", err.Reason)
}

// Is checks whether the other error is a FailedError.
func (err FailedError) Is(other error) bool {
	_, ok := other.(FailedError)
	return ok
}

// Dispatcher hands work orders to the transfer mechanism. Dispatch blocks
// until the order is reported completed or failed, bounded by the context
// deadline the caller set.
type Dispatcher interface {
	Dispatch(ctx context.Context, order Order) error
}

// DispatcherFunc is an adapter to allow the use of ordinary functions as
// Dispatcher.
type DispatcherFunc func(ctx context.Context, order Order) error

// Dispatch calls the wrapped function.
func (fn DispatcherFunc) Dispatch(ctx context.Context, order Order) error { return fn(ctx, order) }

// PeerDispatcher fulfills work orders by ordering the target node to fetch
// the repository from the source node over the peer protocol.
type PeerDispatcher struct {
	log     logrus.FieldLogger
	client  *peer.Client
	nodes   datastore.NodeStore
	latency metrics.Histogram
}

// PeerDispatcherOpt allows a dispatcher to be configured with additional options.
type PeerDispatcherOpt func(*PeerDispatcher)

// WithLatencyMetric sets the histogram observing the round trip time of
// completed transfers.
func WithLatencyMetric(h metrics.Histogram) PeerDispatcherOpt {
	return func(d *PeerDispatcher) {
		d.latency = h
	}
}

// NewPeerDispatcher returns a dispatcher ordering transfers through the given
// peer client.
func NewPeerDispatcher(log logrus.FieldLogger, client *peer.Client, nodes datastore.NodeStore, opts ...PeerDispatcherOpt) *PeerDispatcher {
	d := &PeerDispatcher{
		log:    log.WithField("component", "transfer"),
		client: client,
		nodes:  nodes,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch resolves the order's node endpoints and issues the replication
// call to the target node. Transfer failures are returned as FailedError so
// the repair engine can retry on a later cycle.
func (d *PeerDispatcher) Dispatch(ctx context.Context, order Order) error {
	target, err := d.nodes.GetNode(ctx, order.TargetNodeID)
	if err != nil {
		return err
	}

	var sourceEndpoint string
	if order.SourceNodeID != "" {
		source, err := d.nodes.GetNode(ctx, order.SourceNodeID)
		if err != nil {
			return err
		}
		sourceEndpoint = peer.Endpoint(source)
	}

	d.log.WithFields(logrus.Fields{
		"order_id":  order.OrderID,
		"repo_hash": order.RepoHash,
		"source":    order.SourceNodeID,
		"target":    order.TargetNodeID,
	}).Info("dispatching replication order")

	start := time.Now()
	if err := d.client.Replicate(ctx, peer.Endpoint(target), order.OrderID, order.RepoHash, sourceEndpoint); err != nil {
		if st, ok := status.FromError(err); ok {
			return FailedError{Reason: st.Message()}
		}

		return FailedError{Reason: err.Error()}
	}

	if d.latency != nil {
		d.latency.Observe(time.Since(start).Seconds())
	}

	return nil
}
