// Package grpcserver implements the gRPC surface of the job-watch service.
//
// It exposes two services:
//   - grpc.health.v1.Health, with one service name per backend ("main", "insta",
//     "email") plus the overall "" status, kept current by the scheduler;
//   - jobwatch.v1.WatchService, which delegates to watch.Service and handles only the
//     transport concerns: error mapping and message conversion.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/guard"
	"brandwriter/jobwatch-service/internal/logger"
	"brandwriter/jobwatch-service/internal/watch"
)

// ServiceName is the full name of the watch service.
const ServiceName = "jobwatch.v1.WatchService"

// ─── Messages ────────────────────────────────────────────────────────────────

// WatchRequest addresses one watch.
type WatchRequest struct {
	ID string `json:"id"`
}

// ListWatchesRequest is empty; every watch is returned.
type ListWatchesRequest struct{}

// ListWatchesResponse carries watches, newest first.
type ListWatchesResponse struct {
	Watches []watch.Watch `json:"watches"`
}

// StartScanRequest starts a company scan. Nil options select the backend defaults.
type StartScanRequest struct {
	CompanyID string                 `json:"companyId"`
	Options   *apiclient.ScanOptions `json:"options,omitempty"`
}

// WatchServiceServer is the server API of jobwatch.v1.WatchService.
type WatchServiceServer interface {
	GetWatch(ctx context.Context, req *WatchRequest) (*watch.Watch, error)
	ListWatches(ctx context.Context, req *ListWatchesRequest) (*ListWatchesResponse, error)
	CancelWatch(ctx context.Context, req *WatchRequest) (*watch.Watch, error)
	StartScan(ctx context.Context, req *StartScanRequest) (*watch.Watch, error)
}

// ─── Server ──────────────────────────────────────────────────────────────────

// Server implements WatchServiceServer and owns the health service.
type Server struct {
	svc    *watch.Service
	health *health.Server
	log    logger.Logger
}

// NewServer constructs a Server backed by svc. Every health entry starts NOT_SERVING
// until the first refresh.
func NewServer(svc *watch.Service, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, b := range apiclient.Backends {
		hs.SetServingStatus(string(b), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &Server{svc: svc, health: hs, log: log.With(logger.Component("grpc"))}
}

// NewGRPCServer returns a grpc.Server with s registered and request logging installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// Register mounts the health and watch services on gs.
func (s *Server) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
	gs.RegisterService(&watchServiceDesc, s)
}

// SetBackendHealth records the latest health results. The overall status is SERVING only
// when every checked backend is healthy.
func (s *Server) SetBackendHealth(results map[apiclient.Backend]apiclient.HealthStatus) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, b := range apiclient.Backends {
		st, ok := results[b]
		if !ok {
			continue
		}
		serving := healthpb.HealthCheckResponse_SERVING
		if st.Status != apiclient.Healthy {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
			overall = serving
		}
		s.health.SetServingStatus(string(b), serving)
	}
	s.health.SetServingStatus("", overall)
}

// Shutdown marks every health entry NOT_SERVING and ignores later updates.
func (s *Server) Shutdown() { s.health.Shutdown() }

// ─── RPC implementations ──────────────────────────────────────────────────────

// GetWatch returns one watch.
func (s *Server) GetWatch(ctx context.Context, req *WatchRequest) (*watch.Watch, error) {
	w, err := s.svc.Get(ctx, req.ID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &w, nil
}

// ListWatches returns every watch.
func (s *Server) ListWatches(ctx context.Context, _ *ListWatchesRequest) (*ListWatchesResponse, error) {
	ws, err := s.svc.List(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &ListWatchesResponse{Watches: ws}, nil
}

// CancelWatch stops a watch and returns its final snapshot.
func (s *Server) CancelWatch(ctx context.Context, req *WatchRequest) (*watch.Watch, error) {
	w, err := s.svc.Cancel(ctx, req.ID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &w, nil
}

// StartScan starts a scan and returns the new watch.
func (s *Server) StartScan(ctx context.Context, req *StartScanRequest) (*watch.Watch, error) {
	opts := apiclient.DefaultScanOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	w, err := s.svc.StartScan(ctx, req.CompanyID, opts)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &w, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// toGRPCError maps domain errors to gRPC status errors.
func toGRPCError(err error) error {
	if watch.IsNotFound(err) {
		return status.Error(codes.NotFound, err.Error())
	}
	var ve *watch.ValidationError
	if errors.As(err, &ve) {
		return status.Error(codes.InvalidArgument, ve.Msg)
	}
	if errors.Is(err, guard.ErrInFlight) {
		return status.Error(codes.AlreadyExists, err.Error())
	}
	if errors.Is(err, watch.ErrShuttingDown) {
		return status.Error(codes.Unavailable, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, "internal server error")
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	began := time.Now()
	resp, err := handler(ctx, req)
	fields := []logger.Field{
		logger.String("method", info.FullMethod),
		logger.Duration("took", time.Since(began)),
	}
	if err != nil {
		s.log.Warn("RPC failed", append(fields, logger.String("code", status.Code(err).String()))...)
		return resp, err
	}
	s.log.Debug("RPC served", fields...)
	return resp, nil
}

// ─── Service descriptor ──────────────────────────────────────────────────────

var watchServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WatchServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetWatch", WatchServiceServer.GetWatch),
		unary("ListWatches", WatchServiceServer.ListWatches),
		unary("CancelWatch", WatchServiceServer.CancelWatch),
		unary("StartScan", WatchServiceServer.StartScan),
	},
	Streams: []grpc.StreamDesc{},
}

// unary builds the method descriptor that decodes a Req and dispatches to call.
func unary[Req, Resp any](
	name string,
	call func(WatchServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WatchServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(WatchServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
