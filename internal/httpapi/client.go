package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// Client talks to a Server. It satisfies the queue and membership contracts
// of pkg/worker, so a worker can run against a remote flowgrid.
type Client struct {
	base      string
	http      *http.Client
	principal string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithPrincipal sends principal with every request.
func WithPrincipal(principal string) ClientOption {
	return func(c *Client) { c.principal = principal }
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends in as JSON and decodes a 2xx response into out. It returns the
// response status.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.principal != "" {
		req.Header.Set(PrincipalHeader, c.principal)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return resp.StatusCode, decodeError(resp.StatusCode, eb)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func escape(s string) string { return url.PathEscape(s) }

// RegisterDefinition registers def on the server.
func (c *Client) RegisterDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/definitions", def, nil)
	return err
}

// Definition fetches a registered definition; an empty version selects the
// latest.
func (c *Client) Definition(ctx context.Context, id, version string) (*api.WorkflowDefinition, error) {
	path := "/v1/definitions/" + escape(id)
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	var def api.WorkflowDefinition
	if _, err := c.do(ctx, http.MethodGet, path, nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// StartWorkflow starts a definition version; an empty version selects the
// latest. input must be JSON or empty.
func (c *Client) StartWorkflow(ctx context.Context, definitionID, version string, input []byte) (string, error) {
	var resp startResponse
	req := startRequest{DefinitionID: definitionID, Version: version, Input: input}
	if _, err := c.do(ctx, http.MethodPost, "/v1/workflows", req, &resp); err != nil {
		return "", err
	}
	return resp.InstanceID, nil
}

func (c *Client) CancelWorkflow(ctx context.Context, instanceID, reason string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/workflows/"+escape(instanceID)+"/cancel", cancelRequest{Reason: reason}, nil)
	return err
}

func (c *Client) GetWorkflowStatus(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	if _, err := c.do(ctx, http.MethodGet, "/v1/workflows/"+escape(instanceID), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	q := url.Values{}
	if opts.DefinitionID != "" {
		q.Set("definition_id", opts.DefinitionID)
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	path := "/v1/workflows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*api.WorkflowInstance
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Enqueue submits a task. The queue-assigned ID is returned.
func (c *Client) Enqueue(ctx context.Context, t api.Task) (string, error) {
	req := submitRequest{
		ID:           t.ID,
		Payload:      t.Payload,
		MaxAttempts:  t.MaxAttempts,
		ExclusiveKey: t.ExclusiveKey,
	}
	if t.Retry != (api.RetryPolicy{}) {
		req.Retry = &t.Retry
	}
	var resp submitResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/queues/"+escape(t.Queue)+"/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Lease returns nil, nil when the queue has no eligible task.
func (c *Client) Lease(ctx context.Context, queue, nodeID string, leaseDuration time.Duration) (*api.Task, error) {
	var task api.Task
	status, err := c.do(ctx, http.MethodPost, "/v1/queues/"+escape(queue)+"/lease",
		leaseRequest{NodeID: nodeID, LeaseDuration: leaseDuration}, &task)
	if err != nil || status == http.StatusNoContent {
		return nil, err
	}
	return &task, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*api.Task, error) {
	var task api.Task
	if _, err := c.do(ctx, http.MethodGet, "/v1/tasks/"+escape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) Ack(ctx context.Context, taskID, owner string, result []byte) (*api.Task, error) {
	var task api.Task
	if _, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+escape(taskID)+"/ack", ackRequest{Owner: owner, Result: result}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) Fail(ctx context.Context, taskID, owner, reason string) (*api.Task, error) {
	var task api.Task
	if _, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+escape(taskID)+"/fail", failRequest{Owner: owner, Reason: reason}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Defer hands a leased task back without counting the attempt.
func (c *Client) Defer(ctx context.Context, taskID, owner string, delay time.Duration) (*api.Task, error) {
	var task api.Task
	if _, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+escape(taskID)+"/defer", deferRequest{Owner: owner, Delay: delay}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) Extend(ctx context.Context, taskID, owner string, leaseDuration time.Duration) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+escape(taskID)+"/extend",
		extendRequest{Owner: owner, LeaseDuration: leaseDuration}, nil)
	return err
}

func (c *Client) Join(ctx context.Context, nodeID string, capacity int) (api.Node, error) {
	var node api.Node
	_, err := c.do(ctx, http.MethodPost, "/v1/nodes", joinRequest{NodeID: nodeID, Capacity: capacity}, &node)
	return node, err
}

func (c *Client) Heartbeat(ctx context.Context, nodeID string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/nodes/"+escape(nodeID)+"/heartbeat", nil, nil)
	return err
}

func (c *Client) Leave(ctx context.Context, nodeID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/nodes/"+escape(nodeID), nil, nil)
	return err
}

func (c *Client) ListActive(ctx context.Context) ([]api.Node, error) {
	var nodes []api.Node
	if _, err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}
