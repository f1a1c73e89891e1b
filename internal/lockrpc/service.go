// Package lockrpc exposes a lock.Manager as a gRPC service so that a single
// authority can grant locks to holders in other processes.
package lockrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/pkg/api"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "flowgrid.lock.v1.LockService"

type AcquireRequest struct {
	Key       string `json:"key"`
	Holder    string `json:"holder"`
	TTLMillis int64  `json:"ttl_ms"`
}

type AcquireResponse struct {
	Token uint64 `json:"token"`
}

type ReleaseRequest struct {
	Key    string `json:"key"`
	Holder string `json:"holder"`
}

type RenewRequest struct {
	Key       string `json:"key"`
	Holder    string `json:"holder"`
	TTLMillis int64  `json:"ttl_ms"`
}

type ValidateRequest struct {
	Key   string `json:"key"`
	Token uint64 `json:"token"`
}

type GetRequest struct {
	Key string `json:"key"`
}

type GetResponse struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     uint64    `json:"token"`
}

type Empty struct{}

// LockServiceServer is the server side of the lock service.
type LockServiceServer interface {
	Acquire(context.Context, *AcquireRequest) (*AcquireResponse, error)
	Release(context.Context, *ReleaseRequest) (*Empty, error)
	Renew(context.Context, *RenewRequest) (*Empty, error)
	Validate(context.Context, *ValidateRequest) (*Empty, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
}

// unary builds a method descriptor that decodes Req and dispatches to call.
func unary[Req, Resp any](name string, call func(LockServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LockServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LockServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the lock service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Acquire", LockServiceServer.Acquire),
		unary("Release", LockServiceServer.Release),
		unary("Renew", LockServiceServer.Renew),
		unary("Validate", LockServiceServer.Validate),
		unary("Get", LockServiceServer.Get),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowgrid/lock/v1",
}

// toStatus maps lock errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, api.ErrAlreadyHeld):
		code = codes.AlreadyExists
	case errors.Is(err, api.ErrNotHolder):
		code = codes.PermissionDenied
	case errors.Is(err, api.ErrStaleToken):
		code = codes.Aborted
	case errors.Is(err, api.ErrLeaseExpired):
		code = codes.FailedPrecondition
	case errors.Is(err, api.ErrLockNotFound):
		code = codes.NotFound
	case errors.Is(err, lock.ErrInvalidTTL):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a gRPC status back onto the lock error it came from.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.AlreadyExists:
		sentinel = api.ErrAlreadyHeld
	case codes.PermissionDenied:
		sentinel = api.ErrNotHolder
	case codes.Aborted:
		sentinel = api.ErrStaleToken
	case codes.FailedPrecondition:
		sentinel = api.ErrLeaseExpired
	case codes.NotFound:
		sentinel = api.ErrLockNotFound
	case codes.InvalidArgument:
		sentinel = lock.ErrInvalidTTL
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
