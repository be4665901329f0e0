/*
Package client provides a Go client library for the agentmesh admin HTTP API.

The client package wraps the bearer-token-authenticated JSON API exposed
by pkg/api with a convenient, idiomatic Go interface: connection reuse via
a shared http.Client, typed request/response structs from pkg/types, and
bounded retry of idempotent calls.

# Architecture

	┌──────────────────── APPLICATION CODE ──────────────────────┐
	│                                                              │
	│  import "github.com/cuemby/agentmesh/pkg/client"            │
	│                                                              │
	│  c := client.NewClient("https://node-1:8443")               │
	│  _, err := c.IssueSession(ctx, "worker-1", types.RoleUser,   │
	│      bootstrapSecret)                                        │
	│  agent, err := c.RegisterAgent(ctx, rec)                     │
	│                                                              │
	└──────────────────┬───────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────────────┐
	│                                                              │
	│  ┌──────────────────────────────────────────────┐          │
	│  │           Client                              │          │
	│  │  - typed methods per admin API route           │          │
	│  │  - bearer token attached per request            │          │
	│  │  - bounded exponential backoff on GETs          │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │         net/http.Client                       │          │
	│  │  - connection reuse / keep-alive                │          │
	│  │  - JSON request/response bodies                 │          │
	│  └──────────────────┬───────────────────────────┘          │
	└─────────────────────┼────────────────────────────────────┘
	                      │ HTTPS
	                      ▼
	                 api.Server (pkg/api)

# Usage

Creating a client and bootstrapping a session:

	c := client.NewClient("https://node-1:8443")
	session, err := c.IssueSession(ctx, "worker-1", types.RoleUser, bootstrapSecret)
	if err != nil {
		log.Fatal(err)
	}

Or, if a token was already minted elsewhere:

	c := client.NewClientWithToken("https://node-1:8443", token)

# Registry Operations

Registering and looking up agents:

	agent, err := c.RegisterAgent(ctx, &types.AgentRecord{
		Name:         "worker-1",
		Capabilities: []string{"lint", "build"},
		Status:       types.StatusIdle,
	})
	if err != nil {
		log.Fatal(err)
	}

	found, err := c.LookupAgent(ctx, "worker-1")
	if err != nil {
		log.Fatal(err)
	}

	agents, err := c.ListAgents(ctx, "lint")
	if err != nil {
		log.Fatal(err)
	}

	if err := c.DeregisterAgent(ctx, "worker-1"); err != nil {
		log.Fatal(err)
	}

# Message Operations

Sending and receiving:

	reply, err := c.Send(ctx, &types.Message{
		ID:          "msg-1",
		TargetNames: []string{"worker-1"},
		Pattern:     types.PatternRequestResponse,
		Priority:    types.PriorityNormal,
	})
	if err != nil {
		log.Fatal(err)
	}
	if reply != nil {
		fmt.Printf("reply: %s\n", reply.ID)
	}

	msg, err := c.Recv(ctx, "worker-1", 5*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	if msg == nil {
		fmt.Println("no message within timeout")
	}

Subscribing to a topic (pairs with the admin API's websocket stream route
for the actual feed; this client manages only the subscription lifecycle):

	subID, err := c.Subscribe(ctx, "deploys")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Unsubscribe(ctx, "deploys", subID)

# Plan Operations

	status, err := c.SubmitPlan(ctx, &types.PlanSpec{
		ID:   "deploy-1",
		Name: "rolling deploy",
		Tasks: []*types.TaskNode{
			{ID: "build", Action: "build", AssignedAgent: "worker-1"},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	status, err = c.PlanStatus(ctx, "deploy-1")
	if err != nil {
		log.Fatal(err)
	}

	if err := c.CancelPlan(ctx, "deploy-1"); err != nil {
		log.Fatal(err)
	}

# Error Handling

Every non-2xx admin API response is returned as an error carrying the
response's status code. Callers that need to branch on it use StatusCode
rather than matching on error text:

	_, err := c.RegisterAgent(ctx, rec)
	if code, ok := client.StatusCode(err); ok {
		switch code {
		case http.StatusConflict:
			// name already registered
		case http.StatusUnauthorized:
			// token expired or revoked; re-issue a session
		case http.StatusServiceUnavailable:
			// registry at capacity; retry later
		}
	}

# Retries

GET requests (lookups, recv, plan status) are retried up to three times
with exponential backoff on transport-level failures (connection refused,
timeout) but never on a well-formed error response from the server, since
those are not transient. POST and DELETE requests are never retried
transparently: a retried register, send, or plan submission could double
the effect the caller intended.

# Thread Safety

A Client is safe for concurrent use; it wraps a single shared
*http.Client and carries no other mutable state beyond the bearer token,
which callers should treat as fixed once a session is established.

# See Also

  - pkg/api for the server-side implementation
  - pkg/types for the request/response types
  - pkg/security for how bootstrap secrets and session tokens are derived
  - cmd/agentmesh for CLI usage examples
*/
package client
