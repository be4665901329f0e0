package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/agentmesh/pkg/types"
)

// Client wraps the agentmesh admin HTTP API for CLI and programmatic use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client bound to a node's admin API at addr (e.g.
// "https://127.0.0.1:8443" or "http://127.0.0.1:8080"). It carries no
// session token until SetToken or IssueSession is called; unauthenticated
// requests will fail with a 401 the same way an unauthenticated HTTP
// request would.
func NewClient(addr string) *Client {
	return &Client{
		baseURL: addr,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewClientWithToken creates a client that is already authenticated with
// an existing session token, skipping the bootstrap handshake.
func NewClientWithToken(addr, token string) *Client {
	c := NewClient(addr)
	c.token = token
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Close is a no-op retained for symmetry with connection-oriented clients;
// the underlying http.Client's idle connections are reclaimed by the
// standard transport's idle timeout.
func (c *Client) Close() error { return nil }

// IssueSession requests a session token for agentName under role, using
// the cluster's bootstrap secret. This is the HTTP equivalent of a parent
// runtime minting a token for a child agent process it is spawning; it is
// the only unauthenticated call the client makes.
func (c *Client) IssueSession(ctx context.Context, agentName string, role types.Role, bootstrapSecret string) (*types.Session, error) {
	reqBody := map[string]any{
		"agent_name":       agentName,
		"role":             role,
		"bootstrap_secret": bootstrapSecret,
	}
	var resp struct {
		Token   string         `json:"token"`
		Session *types.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", reqBody, &resp); err != nil {
		return nil, err
	}
	c.token = resp.Token
	return resp.Session, nil
}

// RegisterAgent registers agent with the cluster.
func (c *Client) RegisterAgent(ctx context.Context, agent *types.AgentRecord) (*types.AgentRecord, error) {
	var out types.AgentRecord
	if err := c.do(ctx, http.MethodPost, "/v1/agents", agent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeregisterAgent removes name from the registry.
func (c *Client) DeregisterAgent(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(name), nil, nil)
}

// ListAgents queries the registry, optionally filtered to agents carrying
// capability (pass "" to list everything).
func (c *Client) ListAgents(ctx context.Context, capability string) ([]*types.AgentRecord, error) {
	path := "/v1/agents"
	if capability != "" {
		path += "?capability=" + url.QueryEscape(capability)
	}
	var out []*types.AgentRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LookupAgent fetches a single agent record by name.
func (c *Client) LookupAgent(ctx context.Context, name string) (*types.AgentRecord, error) {
	var out types.AgentRecord
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send routes msg through the cluster. A nil returned message means the
// send was accepted without an immediate reply (publish, work-queue,
// broadcast, multicast); only request-response patterns return a non-nil
// reply.
func (c *Client) Send(ctx context.Context, msg *types.Message) (*types.Message, error) {
	var out types.Message
	status, err := c.doStatus(ctx, http.MethodPost, "/v1/messages", msg, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return nil, nil
	}
	return &out, nil
}

// Recv blocks until a message is available for target or timeout elapses,
// whichever comes first. A nil message with a nil error means the timeout
// elapsed with nothing delivered.
func (c *Client) Recv(ctx context.Context, target string, timeout time.Duration) (*types.Message, error) {
	path := "/v1/messages/" + url.PathEscape(target)
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var out types.Message
	status, err := c.doStatus(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// Subscribe registers interest in topic and returns the subscription ID
// needed to Unsubscribe later. Use the admin API's websocket stream route
// directly for the actual message feed; this client only manages the
// subscription lifecycle.
func (c *Client) Subscribe(ctx context.Context, topic string) (string, error) {
	var out struct {
		Topic          string `json:"topic"`
		SubscriptionID string `json:"subscription_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(topic), nil, &out); err != nil {
		return "", err
	}
	return out.SubscriptionID, nil
}

// Unsubscribe cancels a subscription previously returned by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, topic, subscriptionID string) error {
	return c.do(ctx, http.MethodDelete,
		"/v1/subscriptions/"+url.PathEscape(topic)+"/"+url.PathEscape(subscriptionID), nil, nil)
}

// SubmitPlan submits a DAG-based execution plan and returns its initial
// status.
func (c *Client) SubmitPlan(ctx context.Context, spec *types.PlanSpec) (*types.PlanStatus, error) {
	var out types.PlanStatus
	if err := c.do(ctx, http.MethodPost, "/v1/plans", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlanStatus fetches the current status of a submitted plan.
func (c *Client) PlanStatus(ctx context.Context, id string) (*types.PlanStatus, error) {
	var out types.PlanStatus
	if err := c.do(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelPlan cancels a running or pending plan.
func (c *Client) CancelPlan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Shutdown requests the node begin shutting down; drain=true adds
// ?drain=true, which the node logs but does not act on: it stops without
// waiting for in-flight plans either way.
func (c *Client) Shutdown(ctx context.Context, drain bool) error {
	path := "/v1/shutdown"
	if drain {
		path += "?drain=true"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Healthy reports whether the node's liveness probe succeeds.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// apiError is returned when the admin API responds with a non-2xx status;
// callers that need to branch on the underlying failure (expired token,
// conflict, not-found) should inspect Status via StatusCode rather than
// string-matching Error's text.
type apiError struct {
	Status  int
	Err     string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("agentmesh api: %s (%s)", e.Message, e.Err)
}

// do issues a request and decodes a 2xx JSON body into out (skipped when
// out is nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

// doStatus performs the request, retrying idempotent GETs on transient
// connection failures with exponential backoff; non-idempotent methods
// are never retried transparently, since a retried POST could
// double-register an agent or double-submit a plan.
func (c *Client) doStatus(ctx context.Context, method, path string, body, out any) (int, error) {
	var status int

	var bo backoff.BackOff = &backoff.StopBackOff{}
	if method == http.MethodGet {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		bo = backoff.WithMaxRetries(exp, 3)
	}

	err := backoff.Retry(func() error {
		s, err := c.roundTrip(ctx, method, path, body, out)
		status = s
		if err == nil {
			return nil
		}
		if _, ok := err.(*apiError); ok {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))

	return status, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("agentmesh api unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Err: errBody.Error, Message: errBody.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// StatusCode extracts the HTTP status from err if it originated from the
// admin API.
func StatusCode(err error) (code int, ok bool) {
	if ae, ok := err.(*apiError); ok {
		return ae.Status, true
	}
	return 0, false
}
