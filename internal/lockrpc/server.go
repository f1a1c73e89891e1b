package lockrpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/petrijr/flowgrid/internal/lock"
)

// Server serves a lock.Manager over gRPC.
type Server struct {
	manager lock.Manager
	logger  *slog.Logger
}

var _ LockServiceServer = (*Server)(nil)

// NewServer returns a Server for m. If logger is nil, slog.Default() is used.
func NewServer(m lock.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: m, logger: logger}
}

// Register adds the lock service to s.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

func (s *Server) Acquire(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error) {
	token, err := s.manager.Acquire(ctx, req.Key, req.Holder, time.Duration(req.TTLMillis)*time.Millisecond)
	if err != nil {
		s.logger.DebugContext(ctx, "lock_acquire_rejected",
			slog.String("key", req.Key),
			slog.String("holder", req.Holder),
			slog.Any("error", err),
		)
		return nil, toStatus(err)
	}
	return &AcquireResponse{Token: token}, nil
}

func (s *Server) Release(ctx context.Context, req *ReleaseRequest) (*Empty, error) {
	if err := s.manager.Release(ctx, req.Key, req.Holder); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Renew(ctx context.Context, req *RenewRequest) (*Empty, error) {
	if err := s.manager.Renew(ctx, req.Key, req.Holder, time.Duration(req.TTLMillis)*time.Millisecond); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Validate(ctx context.Context, req *ValidateRequest) (*Empty, error) {
	if err := s.manager.Validate(ctx, req.Key, req.Token); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	l, err := s.manager.Get(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Owner: l.Owner, ExpiresAt: l.ExpiresAt, Token: l.FencingToken}, nil
}
