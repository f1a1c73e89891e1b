package lockrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/pkg/api"
)

// Client is a lock.Manager backed by a remote lock service.
type Client struct {
	conn grpc.ClientConnInterface
}

var _ lock.Manager = (*Client)(nil)

// NewClient returns a Client using conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to a lock service at target.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	return grpc.NewClient(target, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

func (c *Client) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (uint64, error) {
	var resp AcquireResponse
	err := c.invoke(ctx, "Acquire", &AcquireRequest{Key: key, Holder: holder, TTLMillis: ttl.Milliseconds()}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Token, nil
}

func (c *Client) Release(ctx context.Context, key, holder string) error {
	return c.invoke(ctx, "Release", &ReleaseRequest{Key: key, Holder: holder}, &Empty{})
}

func (c *Client) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	return c.invoke(ctx, "Renew", &RenewRequest{Key: key, Holder: holder, TTLMillis: ttl.Milliseconds()}, &Empty{})
}

func (c *Client) Validate(ctx context.Context, key string, token uint64) error {
	return c.invoke(ctx, "Validate", &ValidateRequest{Key: key, Token: token}, &Empty{})
}

func (c *Client) Get(ctx context.Context, key string) (*api.Lock, error) {
	var resp GetResponse
	if err := c.invoke(ctx, "Get", &GetRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return &api.Lock{
		ResourceKey:  key,
		Owner:        resp.Owner,
		ExpiresAt:    resp.ExpiresAt,
		FencingToken: resp.Token,
	}, nil
}
