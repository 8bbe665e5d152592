package service

import (
	"crypto/tls"
	"fmt"
	"time"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpclogrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpcctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sirupsen/logrus"
	grpccorrelation "gitlab.com/gitlab-org/labkit/correlation/grpc"
	grpctracing "gitlab.com/gitlab-org/labkit/tracing/grpc"
	"gitlab.com/hyrule/warden/internal/log"
	"gitlab.com/hyrule/warden/internal/middleware/sentryhandler"
	"gitlab.com/hyrule/warden/internal/warden/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// NewServer returns a gRPC server with the warden interceptor chain, serving
// the admin service and the standard health checking service.
func NewServer(logger *logrus.Entry, admin *AdminService, secure bool, tlsConf config.TLS) (*grpc.Server, error) {
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(grpcmiddleware.ChainUnaryServer(
			grpcctxtags.UnaryServerInterceptor(),
			grpccorrelation.UnaryServerCorrelationInterceptor(),
			grpcprometheus.UnaryServerInterceptor,
			grpclogrus.UnaryServerInterceptor(logger,
				grpclogrus.WithTimestampFormat(log.LogTimestampFormat)),
			sentryhandler.UnaryLogHandler,
			grpctracing.UnaryServerTracingInterceptor(),
		)),
		grpc.StreamInterceptor(grpcmiddleware.ChainStreamServer(
			grpcctxtags.StreamServerInterceptor(),
			grpccorrelation.StreamServerCorrelationInterceptor(),
			grpcprometheus.StreamServerInterceptor,
			grpclogrus.StreamServerInterceptor(logger,
				grpclogrus.WithTimestampFormat(log.LogTimestampFormat)),
			sentryhandler.StreamLogHandler,
			grpctracing.StreamServerTracingInterceptor(),
		)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	// If tls config is specified attempt to extract tls options and use it
	// as a grpc.ServerOption
	if secure {
		cert, err := tls.LoadX509KeyPair(tlsConf.CertPath, tlsConf.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("error reading certificate and key paths: %v", err)
		}

		opts = append(opts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})))
	}

	srv := grpc.NewServer(opts...)

	srv.RegisterService(&adminServiceDesc, admin)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return srv, nil
}
