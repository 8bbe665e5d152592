package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gitlab.com/hyrule/warden/internal/helper"
	"gitlab.com/hyrule/warden/internal/warden/datastore"
	"gitlab.com/hyrule/warden/internal/warden/pins"
	"gitlab.com/hyrule/warden/internal/warden/registry"
	"google.golang.org/grpc"
)

// AdminService is the JSON-over-gRPC surface the platform backend and the
// node agents talk to: node registration and heartbeats, repository
// announcements, pins and replica status queries. All durability decisions
// stay with the background loops; the service only records facts and
// schedules work.
type AdminService struct {
	log      logrus.FieldLogger
	registry *registry.Registry
	pins     *pins.Manager
	rs       datastore.RepositoryStore
	queue    datastore.RepairEventQueue
}

// NewAdminService returns a service backed by the given registry and stores.
func NewAdminService(log logrus.FieldLogger, reg *registry.Registry, pinManager *pins.Manager, rs datastore.RepositoryStore, queue datastore.RepairEventQueue) *AdminService {
	return &AdminService{
		log:      log.WithField("component", "admin_service"),
		registry: reg,
		pins:     pinManager,
		rs:       rs,
		queue:    queue,
	}
}

type registerNodeRequest struct {
	NodeID          string `json:"node_id"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	StorageCapacity int64  `json:"storage_capacity"`
	Anchor          bool   `json:"anchor"`
}

type registerNodeResponse struct{}

// RegisterNode enrolls a storage node or refreshes an existing enrollment.
func (s *AdminService) RegisterNode(ctx context.Context, req *registerNodeRequest) (*registerNodeResponse, error) {
	if req.NodeID == "" || req.Address == "" || req.Port == 0 {
		return nil, helper.ErrInvalidArgumentf("node_id, address and port are required")
	}

	if req.StorageCapacity <= 0 {
		return nil, helper.ErrInvalidArgumentf("storage capacity must be positive")
	}

	if err := s.registry.Register(ctx, datastore.Node{
		ID:              req.NodeID,
		Address:         req.Address,
		Port:            req.Port,
		StorageCapacity: req.StorageCapacity,
		Anchor:          req.Anchor,
	}); err != nil {
		if errors.Is(err, datastore.DuplicateNodeError{}) {
			return nil, helper.ErrPreconditionFailed(err)
		}

		return nil, helper.ErrInternal(err)
	}

	return &registerNodeResponse{}, nil
}

type heartbeatRequest struct {
	NodeID      string `json:"node_id"`
	StorageUsed int64  `json:"storage_used"`
}

type heartbeatResponse struct{}

// Heartbeat records a liveness report of a registered node.
func (s *AdminService) Heartbeat(ctx context.Context, req *heartbeatRequest) (*heartbeatResponse, error) {
	if req.NodeID == "" {
		return nil, helper.ErrInvalidArgumentf("node_id is required")
	}

	if err := s.registry.Heartbeat(ctx, req.NodeID, req.StorageUsed); err != nil {
		if errors.Is(err, datastore.UnknownNodeError{}) {
			return nil, helper.ErrNotFound(err)
		}

		return nil, helper.ErrInternal(err)
	}

	return &heartbeatResponse{}, nil
}

type createRepositoryRequest struct {
	RepoHash    string `json:"repo_hash"`
	OwnerID     int64  `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Size        int64  `json:"size"`
	StorageTier string `json:"storage_tier"`
	Private     bool   `json:"private,omitempty"`
}

type createRepositoryResponse struct{}

// CreateRepository announces a new repository and schedules its initial
// placement.
func (s *AdminService) CreateRepository(ctx context.Context, req *createRepositoryRequest) (*createRepositoryResponse, error) {
	if req.RepoHash == "" {
		return nil, helper.ErrInvalidArgumentf("repo_hash is required")
	}

	if err := s.rs.CreateRepository(ctx, datastore.Repository{
		RepoHash:    req.RepoHash,
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Description: req.Description,
		Size:        req.Size,
		StorageTier: req.StorageTier,
		Private:     req.Private,
	}); err != nil {
		if errors.Is(err, datastore.RepositoryExistsError{}) {
			return nil, helper.ErrPreconditionFailed(err)
		}

		return nil, helper.ErrInternal(err)
	}

	if _, err := s.queue.Enqueue(ctx, datastore.RepairEvent{Job: datastore.RepairJob{
		Change:   datastore.RepositoryCreated,
		RepoHash: req.RepoHash,
	}}); err != nil {
		return nil, helper.ErrInternal(err)
	}

	s.log.WithFields(logrus.Fields{
		"repo_hash": req.RepoHash,
		"tier":      req.StorageTier,
	}).Info("repository announced, initial placement scheduled")

	return &createRepositoryResponse{}, nil
}

type pinRequest struct {
	UserID   int64  `json:"user_id"`
	RepoHash string `json:"repo_hash"`
}

type pinResponse struct{}

// Pin records a user's durability override for a repository.
func (s *AdminService) Pin(ctx context.Context, req *pinRequest) (*pinResponse, error) {
	if req.RepoHash == "" || req.UserID == 0 {
		return nil, helper.ErrInvalidArgumentf("user_id and repo_hash are required")
	}

	if err := s.pins.Pin(ctx, req.UserID, req.RepoHash); err != nil {
		if errors.Is(err, datastore.RepositoryNotFoundError{}) {
			return nil, helper.ErrNotFound(err)
		}

		return nil, helper.ErrInternal(err)
	}

	return &pinResponse{}, nil
}

// Unpin removes a user's pin. Removing a pin that does not exist is not an
// error.
func (s *AdminService) Unpin(ctx context.Context, req *pinRequest) (*pinResponse, error) {
	if req.RepoHash == "" || req.UserID == 0 {
		return nil, helper.ErrInvalidArgumentf("user_id and repo_hash are required")
	}

	if err := s.pins.Unpin(ctx, req.UserID, req.RepoHash); err != nil {
		return nil, helper.ErrInternal(err)
	}

	return &pinResponse{}, nil
}

type repositoryStatusRequest struct {
	RepoHash string `json:"repo_hash"`
}

type replicaStatus struct {
	NodeID          string `json:"node_id"`
	LastVerified    string `json:"last_verified,omitempty"`
	NodeStale       bool   `json:"node_stale,omitempty"`
	ReputationScore int    `json:"reputation_score"`
	Anchor          bool   `json:"anchor,omitempty"`
}

type repositoryStatusResponse struct {
	RepoHash    string          `json:"repo_hash"`
	StorageTier string          `json:"storage_tier"`
	Generation  int64           `json:"generation"`
	Required    int             `json:"required"`
	Replicas    []replicaStatus `json:"replicas"`
}

// RepositoryStatus reports the replica set of one repository together with
// its effective required count.
func (s *AdminService) RepositoryStatus(ctx context.Context, req *repositoryStatusRequest) (*repositoryStatusResponse, error) {
	if req.RepoHash == "" {
		return nil, helper.ErrInvalidArgumentf("repo_hash is required")
	}

	repo, err := s.rs.GetRepository(ctx, req.RepoHash)
	if err != nil {
		if errors.Is(err, datastore.RepositoryNotFoundError{}) {
			return nil, helper.ErrNotFound(err)
		}

		return nil, helper.ErrInternal(err)
	}

	required, err := s.pins.EffectiveRequiredCount(ctx, repo)
	if err != nil {
		return nil, helper.ErrInternal(err)
	}

	statuses, err := s.rs.GetReplicaStatus(ctx, repo.RepoHash)
	if err != nil {
		return nil, helper.ErrInternal(err)
	}

	resp := &repositoryStatusResponse{
		RepoHash:    repo.RepoHash,
		StorageTier: repo.StorageTier,
		Generation:  repo.Generation,
		Required:    required,
		Replicas:    make([]replicaStatus, 0, len(statuses)),
	}

	for _, status := range statuses {
		rs := replicaStatus{
			NodeID:          status.NodeID,
			NodeStale:       status.NodeStale,
			ReputationScore: status.ReputationScore,
			Anchor:          status.Anchor,
		}
		if status.LastVerified != nil {
			rs.LastVerified = status.LastVerified.UTC().Format("2006-01-02T15:04:05Z")
		}

		resp.Replicas = append(resp.Replicas, rs)
	}

	return resp, nil
}

const adminServiceName = "warden.admin.AdminService"

// adminServiceDesc is hand written because the admin API has no proto
// definition. The handlers mirror what protoc generated code does: decode the
// request through the negotiated codec and pass it through the server's
// interceptor chain.
var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterNode", Handler: registerNodeHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "CreateRepository", Handler: createRepositoryHandler},
		{MethodName: "Pin", Handler: pinHandler},
		{MethodName: "Unpin", Handler: unpinHandler},
		{MethodName: "RepositoryStatus", Handler: repositoryStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/admin.json",
}

type adminServer interface {
	RegisterNode(context.Context, *registerNodeRequest) (*registerNodeResponse, error)
	Heartbeat(context.Context, *heartbeatRequest) (*heartbeatResponse, error)
	CreateRepository(context.Context, *createRepositoryRequest) (*createRepositoryResponse, error)
	Pin(context.Context, *pinRequest) (*pinResponse, error)
	Unpin(context.Context, *pinRequest) (*pinResponse, error)
	RepositoryStatus(context.Context, *repositoryStatusRequest) (*repositoryStatusResponse, error)
}

func registerNodeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(registerNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).RegisterNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/RegisterNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).RegisterNode(ctx, req.(*registerNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(heartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).Heartbeat(ctx, req.(*heartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func createRepositoryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(createRepositoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).CreateRepository(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/CreateRepository"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).CreateRepository(ctx, req.(*createRepositoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).Pin(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/Pin"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).Pin(ctx, req.(*pinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unpinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).Unpin(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/Unpin"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).Unpin(ctx, req.(*pinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func repositoryStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(repositoryStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).RepositoryStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/RepositoryStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).RepositoryStatus(ctx, req.(*repositoryStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}
