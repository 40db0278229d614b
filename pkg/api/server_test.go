package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirisai/manager/pkg/agentproto"
	"github.com/cirisai/manager/pkg/auth"
	"github.com/cirisai/manager/pkg/discovery"
	"github.com/cirisai/manager/pkg/events"
	"github.com/cirisai/manager/pkg/orchestrator"
	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/runtime"
	"github.com/cirisai/manager/pkg/security"
	"github.com/cirisai/manager/pkg/tracker"
	"github.com/cirisai/manager/pkg/types"
)

type fakeHostClient struct {
	containers []runtime.ContainerInfo
	started    []string
}

func (f *fakeHostClient) ListContainers(ctx context.Context) ([]runtime.ContainerInfo, error) {
	return f.containers, nil
}
func (f *fakeHostClient) GetContainer(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	return runtime.ContainerInfo{}, nil
}
func (f *fakeHostClient) StartContainer(ctx context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}
func (f *fakeHostClient) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (f *fakeHostClient) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (f *fakeHostClient) ComposeUp(ctx context.Context, composePath string) error { return nil }
func (f *fakeHostClient) Exec(ctx context.Context, id string, cmd []string) ([]byte, error) {
	return nil, nil
}
func (f *fakeHostClient) Close() error { return nil }

type fakeInventory struct {
	hosts map[string]runtime.HostClient
}

func (f *fakeInventory) Hosts() map[string]runtime.HostClient { return f.hosts }

const (
	testCDToken       = "cd-token"
	testOperatorToken = "op-token"
)

type testServer struct {
	srv      *Server
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	tracker  *tracker.Tracker
	inv      *fakeInventory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	secrets, err := security.NewSecretsManagerFromPassphrase("pw")
	require.NoError(t, err)

	reg, err := registry.New(registry.Config{DataDir: t.TempDir(), Secrets: secrets})
	require.NoError(t, err)

	trk, err := tracker.New(tracker.Config{DataDir: t.TempDir()})
	require.NoError(t, err)

	disc := discovery.New(discovery.Config{Registry: reg})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	proto := agentproto.New(reg, nil, broker)

	cdAuth := auth.NewCDTokenAuthority()
	cdAuth.Register(testCDToken, "")

	opAuth := auth.NewOperatorAuthority()
	opAuth.Register(testOperatorToken)

	inv := &fakeInventory{hosts: map[string]runtime.HostClient{}}

	orch := orchestrator.New(orchestrator.Config{
		Tracker:    trk,
		Registry:   reg,
		Discoverer: disc,
		Protocol:   proto,
		Broker:     broker,
		CDAuth:     cdAuth,
		Hosts:      inv,
		Thresholds: orchestrator.DefaultThresholds(),
	})

	srv := NewServer(Config{
		Orchestrator: orch,
		Registry:     reg,
		Discoverer:   disc,
		Protocol:     proto,
		Hosts:        inv,
		CDAuth:       cdAuth,
		OperatorAuth: opAuth,
	})

	return &testServer{srv: srv, orch: orch, registry: reg, tracker: trk, inv: inv}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
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
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func registerAgent(t *testing.T, ts *testServer, agentID, hostID, image string) {
	t.Helper()
	identity := types.AgentIdentity{AgentID: agentID, ServerID: hostID}
	require.NoError(t, ts.registry.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	host, ok := ts.inv.hosts[hostID].(*fakeHostClient)
	if !ok {
		host = &fakeHostClient{}
		ts.inv.hosts[hostID] = host
	}
	host.containers = append(host.containers, runtime.ContainerInfo{
		ID: "c-" + agentID, Name: agentID, Image: image, Status: types.ContainerRunning,
		Env: map[string]string{runtime.AgentIDEnvVar: agentID},
	})
}

func TestHandleNotifyRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/updates/notify", "", notificationRequest{AgentImage: "agent:v2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleNotifyRejectsGet(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/updates/notify", testCDToken, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleNotifyRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/updates/notify", bytes.NewReader([]byte(`{"agent_image":"x","bogus":1}`)))
	req.Header.Set("Authorization", "Bearer "+testCDToken)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleNotifySucceedsAndReportsStatus(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v2")

	w := ts.do(t, http.MethodPost, "/updates/notify", testCDToken, notificationRequest{
		AgentImage: "agent:v2",
		Strategy:   "immediate",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp deploymentStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.DeploymentID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statusW := ts.do(t, http.MethodGet, "/updates/status?id="+resp.DeploymentID, testOperatorToken, nil)
		require.Equal(t, http.StatusOK, statusW.Code)
		var s deploymentStatusResponse
		require.NoError(t, json.NewDecoder(statusW.Body).Decode(&s))
		if s.Status == string(types.DeploymentCompleted) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("deployment never completed")
}

func TestHandleStatusRequiresOperatorToken(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/updates/status", "wrong-token", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleStatusNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/updates/status?id=nope", testOperatorToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not_found", resp.Error)
}

func TestHandlePendingListsManualDeployment(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v1")

	w := ts.do(t, http.MethodPost, "/updates/notify", testCDToken, notificationRequest{
		AgentImage: "agent:v2",
		Strategy:   "manual",
	})
	require.Equal(t, http.StatusOK, w.Code)

	pendingW := ts.do(t, http.MethodGet, "/updates/pending", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, pendingW.Code)

	var pending []deploymentStatusResponse
	require.NoError(t, json.NewDecoder(pendingW.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, string(types.DeploymentPending), pending[0].Status)
}

func TestHandleCancelPendingDeployment(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v1")

	notifyW := ts.do(t, http.MethodPost, "/updates/notify", testCDToken, notificationRequest{
		AgentImage: "agent:v2",
		Strategy:   "manual",
	})
	var status deploymentStatusResponse
	require.NoError(t, json.NewDecoder(notifyW.Body).Decode(&status))

	cancelW := ts.do(t, http.MethodPost, "/updates/cancel", testOperatorToken, deploymentIDRequest{DeploymentID: status.DeploymentID})
	assert.Equal(t, http.StatusOK, cancelW.Code)

	statusW := ts.do(t, http.MethodGet, "/updates/status?id="+status.DeploymentID, testOperatorToken, nil)
	var final deploymentStatusResponse
	require.NoError(t, json.NewDecoder(statusW.Body).Decode(&final))
	assert.Equal(t, string(types.DeploymentCancelled), final.Status)
}

func TestHandleRollbackOptions(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.tracker.Record(types.ImageKindAgent, "agent:v1", "", "seed", ""))

	w := ts.do(t, http.MethodGet, "/updates/rollback-options", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]rollbackOptionsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Contains(t, resp, string(types.ImageKindAgent))
	require.NotNil(t, resp[string(types.ImageKindAgent)].Current)
	assert.Equal(t, "agent:v1", resp[string(types.ImageKindAgent)].Current.Image)
}

func TestHandleAgentsList(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v1")

	w := ts.do(t, http.MethodGet, "/agents", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var agents []discoveredAgentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].AgentID)
}

func TestHandleAgentDetailNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/agents/missing", testOperatorToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAgentActionStart(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v1")

	w := ts.do(t, http.MethodPost, "/agents/agent-1/start", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	host := ts.inv.hosts["host-1"].(*fakeHostClient)
	assert.Contains(t, host.started, "agent-1")
}

func TestHandleAgentActionUnknown(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v1")

	w := ts.do(t, http.MethodPost, "/agents/agent-1/frobnicate", testOperatorToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCanaryGroupsAndSet(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v1")

	setW := ts.do(t, http.MethodPut, "/canary/agent/agent-1/group", testOperatorToken, map[string]string{"group": "explorer"})
	require.Equal(t, http.StatusOK, setW.Code)

	groupsW := ts.do(t, http.MethodGet, "/canary/groups", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, groupsW.Code)

	var summaries []cohortSummaryResponse
	require.NoError(t, json.NewDecoder(groupsW.Body).Decode(&summaries))

	var explorer *cohortSummaryResponse
	for i := range summaries {
		if summaries[i].Group == string(types.CanaryExplorer) {
			explorer = &summaries[i]
		}
	}
	require.NotNil(t, explorer)
	assert.Equal(t, 1, explorer.AgentCount)
}

func TestHandleSetCanaryGroupRejectsWrongMethod(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/canary/agent/agent-1/group", testOperatorToken, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandlePreviewAndShutdownReasons(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "agent-1", "host-1", "agent:v1")

	notifyW := ts.do(t, http.MethodPost, "/updates/notify", testCDToken, notificationRequest{
		AgentImage: "agent:v2",
		Strategy:   "manual",
		Message:    "scheduled update",
	})
	var status deploymentStatusResponse
	require.NoError(t, json.NewDecoder(notifyW.Body).Decode(&status))

	previewW := ts.do(t, http.MethodGet, "/updates/preview/"+status.DeploymentID, testOperatorToken, nil)
	require.Equal(t, http.StatusOK, previewW.Code)
	var entries []orchestrator.PreviewEntry
	require.NoError(t, json.NewDecoder(previewW.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].WillUpdate)

	reasonsW := ts.do(t, http.MethodGet, "/updates/shutdown-reasons/"+status.DeploymentID, testOperatorToken, nil)
	require.Equal(t, http.StatusOK, reasonsW.Code)
	var reasons map[string]string
	require.NoError(t, json.NewDecoder(reasonsW.Body).Decode(&reasons))
	assert.Contains(t, reasons["agent-1"], "scheduled update")
}
