package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

func issueToken(t *testing.T, s *Server, role types.Role) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"agent_name":       "tester",
		"role":             role,
		"bootstrap_secret": string(security.BootstrapKey(s.core.ClusterID())),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestIssueSessionRejectsWrongBootstrapSecret(t *testing.T) {
	s := NewServer(testCore(t))

	body, _ := json.Marshal(map[string]any{"agent_name": "x", "role": types.RoleUser, "bootstrap_secret": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterRequiresBearerToken(t *testing.T) {
	s := NewServer(testCore(t))

	w := doJSON(t, s, http.MethodPost, "/v1/agents", "", &types.AgentRecord{Name: "worker-1"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterLookupDeregisterRoundTrip(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleOperator)

	w := doJSON(t, s, http.MethodPost, "/v1/agents", token, &types.AgentRecord{
		Name:         "worker-1",
		Capabilities: []string{"lint"},
		Status:       types.StatusIdle,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/agents/worker-1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agent types.AgentRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&agent))
	require.Equal(t, "worker-1", agent.Name)

	w = doJSON(t, s, http.MethodDelete, "/v1/agents/worker-1", token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/agents/worker-1", token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleUser)

	agent := &types.AgentRecord{Name: "dup", Status: types.StatusIdle}
	w := doJSON(t, s, http.MethodPost, "/v1/agents", token, agent)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/agents", token, agent)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestDeregisterRequiresPermission(t *testing.T) {
	s := NewServer(testCore(t))
	observerToken := issueToken(t, s, types.RoleObserver)

	w := doJSON(t, s, http.MethodDelete, "/v1/agents/anything", observerToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestSendPublishWithNoSubscribersIsAccepted(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleUser)

	msg := &types.Message{
		ID:          "msg-1",
		TargetNames: []string{"topic-nobody"},
		Pattern:     types.PatternPublish,
		Priority:    types.PriorityNormal,
	}
	w := doJSON(t, s, http.MethodPost, "/v1/messages", token, msg)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestSendWorkQueueRejectsWhenNoCapableAgent(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleUser)

	msg := &types.Message{
		ID:          "msg-2",
		TargetNames: []string{"nobody"},
		Pattern:     types.PatternWorkQueue,
		Priority:    types.PriorityNormal,
	}
	w := doJSON(t, s, http.MethodPost, "/v1/messages", token, msg)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecvTimesOutWithNoContentWhenNoMessage(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleUser)

	w := doJSON(t, s, http.MethodGet, "/v1/messages/nobody?timeout=10ms", token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleUser)

	w := doJSON(t, s, http.MethodPost, "/v1/subscriptions/topic-a", token, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Topic          string `json:"topic"`
		SubscriptionID string `json:"subscription_id"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "topic-a", resp.Topic)
	require.NotEmpty(t, resp.SubscriptionID)

	w = doJSON(t, s, http.MethodDelete, "/v1/subscriptions/topic-a/"+resp.SubscriptionID, token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodDelete, "/v1/subscriptions/topic-a/"+resp.SubscriptionID, token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlanSubmitStatusAndCancel(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleUser)

	spec := &types.PlanSpec{
		ID:            "plan-api-1",
		Name:          "test plan",
		FailurePolicy: types.FailurePolicyFailFast,
		Tasks: []*types.TaskNode{
			{ID: "a", Action: "noop", AssignedAgent: "nobody"},
		},
	}
	w := doJSON(t, s, http.MethodPost, "/v1/plans", token, spec)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/plans/plan-api-1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/plans/plan-api-1/cancel", token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestPlanStatusNotFound(t *testing.T) {
	s := NewServer(testCore(t))
	token := issueToken(t, s, types.RoleUser)

	w := doJSON(t, s, http.MethodGet, "/v1/plans/does-not-exist", token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownRequiresAdminPermission(t *testing.T) {
	s := NewServer(testCore(t))
	userToken := issueToken(t, s, types.RoleUser)

	w := doJSON(t, s, http.MethodPost, "/v1/shutdown", userToken, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestLocalSocketRejectsMutatingMethods(t *testing.T) {
	require.True(t, isReadOnlyMethod(http.MethodGet))
	require.False(t, isReadOnlyMethod(http.MethodPost))
	require.False(t, isReadOnlyMethod(http.MethodDelete))
}
