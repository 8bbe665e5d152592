package peer

import (
	"context"
	"fmt"
	"sync"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	grpccorrelation "gitlab.com/gitlab-org/labkit/correlation/grpc"
	grpctracing "gitlab.com/gitlab-org/labkit/tracing/grpc"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks the warden peer protocol to storage nodes: liveness probes,
// content challenges and replication orders. Connections are kept in a
// bounded LRU cache, evicted connections are closed.
type Client struct {
	log   logrus.FieldLogger
	mtx   sync.Mutex
	conns *lru.Cache
}

// NewClient returns a client keeping at most maxConns open peer connections.
func NewClient(log logrus.FieldLogger, maxConns int) (*Client, error) {
	conns, err := lru.NewWithEvict(maxConns, func(_, value interface{}) {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		log:   log.WithField("component", "peer_client"),
		conns: conns,
	}, nil
}

// Close closes all cached connections.
func (c *Client) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.conns.Purge()
}

// Endpoint formats a node's challenge/replication endpoint.
func Endpoint(node datastore.Node) string {
	return fmt.Sprintf("%s:%d", node.Address, node.Port)
}

func (c *Client) conn(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if cached, found := c.conns.Get(endpoint); found {
		return cached.(*grpc.ClientConn), nil
	}

	conn, err := grpc.DialContext(ctx, endpoint,
		grpc.WithInsecure(),
		grpc.WithUnaryInterceptor(grpcmiddleware.ChainUnaryClient(
			grpcprometheus.UnaryClientInterceptor,
			grpccorrelation.UnaryClientCorrelationInterceptor(),
			grpctracing.UnaryClientTracingInterceptor(),
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial peer %q: %w", endpoint, err)
	}

	c.conns.Add(endpoint, conn)
	return conn, nil
}

// Probe checks the node's standard gRPC health endpoint. A nil error means
// the node reports itself as serving.
func (c *Client) Probe(ctx context.Context, node datastore.Node) error {
	conn, err := c.conn(ctx, Endpoint(node))
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("node %q reports health status %s", node.ID, resp.Status)
	}

	return nil
}

// Challenge asks the node holding a replica to prove continued possession of
// the repository. It returns the node's hex encoded proof for the nonce.
func (c *Client) Challenge(ctx context.Context, endpoint, repoHash, nonce string) (string, error) {
	conn, err := c.conn(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var resp challengeResponse
	if err := conn.Invoke(ctx, challengeMethod,
		&challengeRequest{RepoHash: repoHash, Nonce: nonce},
		&resp,
		grpc.ForceCodec(jsonCodec{}),
	); err != nil {
		return "", err
	}

	return resp.Proof, nil
}

// Replicate orders the node behind endpoint to fetch a copy of the
// repository. The call returns once the node reports the transfer as
// complete, or with the node's failure.
func (c *Client) Replicate(ctx context.Context, endpoint, orderID, repoHash, sourceEndpoint string) error {
	conn, err := c.conn(ctx, endpoint)
	if err != nil {
		return err
	}

	return conn.Invoke(ctx, replicateMethod,
		&replicateRequest{OrderID: orderID, RepoHash: repoHash, SourceEndpoint: sourceEndpoint},
		&replicateResponse{},
		grpc.ForceCodec(jsonCodec{}),
	)
}
