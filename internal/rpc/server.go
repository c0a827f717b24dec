package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/user/converge/internal/service"
	"github.com/user/converge/internal/types"
)

// Server exposes a *service.Service over gRPC.
type Server struct {
	svc    *service.Service
	grpc   *grpc.Server
	logger *slog.Logger
}

type ServerOption func(*serverConfig)

type serverConfig struct {
	authToken string
	logger    *slog.Logger
	minPing   time.Duration
}

// WithAuthToken requires every call to carry "authorization: Bearer <token>".
func WithAuthToken(token string) ServerOption {
	return func(c *serverConfig) { c.authToken = token }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// WithMinPingInterval sets the shortest client keepalive interval the server accepts.
func WithMinPingInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.minPing = d }
}

func NewServer(svc *service.Service, opts ...ServerOption) *Server {
	cfg := serverConfig{logger: slog.Default(), minPing: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	unary := []grpc.UnaryServerInterceptor{unaryLogging(cfg.logger)}
	stream := []grpc.StreamServerInterceptor{streamLogging(cfg.logger)}
	if cfg.authToken != "" {
		unary = append(unary, unaryAuth(cfg.authToken))
		stream = append(stream, streamAuth(cfg.authToken))
	}

	gs := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.minPing,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	s := &Server{svc: svc, grpc: gs, logger: cfg.logger}
	gs.RegisterService(&ContextServiceDesc, &contextServer{svc: svc})
	return s
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

// Shutdown stops accepting calls and waits for unary calls to finish. Open
// watch streams are cut when ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}

type contextServer struct {
	svc *service.Service
}

func (c *contextServer) Append(ctx context.Context, in *AppendRequest) (*AppendResponse, error) {
	entry, err := c.svc.Append(ctx, in.ContextID, in.Entry)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AppendResponse{Entry: entry}, nil
}

func (c *contextServer) Get(ctx context.Context, in *GetRequest) (*GetResponse, error) {
	entries, err := c.svc.Get(ctx, in.ContextID, in.Options)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Entries: entries}, nil
}

func (c *contextServer) Snapshot(ctx context.Context, in *SnapshotRequest) (*SnapshotResponse, error) {
	snap, err := c.svc.Snapshot(ctx, in.ContextID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Snapshot: snap}, nil
}

func (c *contextServer) Load(ctx context.Context, in *LoadRequest) (*LoadResponse, error) {
	seq, err := c.svc.Load(ctx, in.ContextID, in.Load)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LoadResponse{Sequence: seq}, nil
}

func (c *contextServer) Watch(in *types.WatchRequest, stream grpc.ServerStream) error {
	err := c.svc.Watch(stream.Context(), *in, func(e *types.ContextEntry) error {
		return stream.SendMsg(&WatchEvent{Entry: e})
	})
	return toStatus(err)
}

func unaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
		return resp, err
	}
}

func streamLogging(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("stream opened", "method", info.FullMethod)
		err := handler(srv, ss)
		logger.Debug("stream closed", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
		return err
	}
}
