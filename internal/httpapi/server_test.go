package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-core/internal/boundary"
	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
	"github.com/nextlevelbuilder/goclaw-core/internal/runtime"
	"github.com/nextlevelbuilder/goclaw-core/internal/session"
)

type fakeBackend struct{}

func (fakeBackend) Invoke(ctx context.Context, opts runtime.InvokeOptions, ctrl runtime.Control) (<-chan runtime.Event, func(), error) {
	ch := make(chan runtime.Event, 2)
	ch <- runtime.Event{Kind: runtime.EventTextDelta, Text: "hi"}
	ch <- runtime.Event{Kind: runtime.EventDone}
	close(ch)
	return ch, func() {}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(root, "db.sqlite"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	agentStore := mesh.NewAgentStore(db)
	require.NoError(t, agentStore.Init(context.Background()))
	m := mesh.New(agentStore)

	pulseStore := pulse.NewStore(db)
	require.NoError(t, pulseStore.Init(context.Background()))
	sched := pulse.NewScheduler(pulseStore, nil, 4)

	r := relay.New(relay.Config{MaildirRoot: filepath.Join(root, "mail"), Breaker: relay.DefaultBreakerConfig()})
	t.Cleanup(func() { r.Shutdown(context.Background()) })

	sessMgr, err := session.New(fakeBackend{}, root)
	require.NoError(t, err)

	v, err := boundary.New(root)
	require.NoError(t, err)

	return New(Deps{Relay: r, Mesh: m, Pulse: pulseStore, Sched: sched, Sessions: sessMgr, Boundary: v})
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
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
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/sessions", map[string]string{"cwd": ""})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, s, "GET", "/api/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetUnknownSessionIs404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "GET", "/api/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageStreamsSSE(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/sessions", map[string]string{})
	var created sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, "POST", "/api/sessions/"+created.ID+"/messages", map[string]string{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.True(t, strings.Contains(rec.Body.String(), `"type":"text_delta"`))
	require.True(t, strings.Contains(rec.Body.String(), `"type":"done"`))
}

func TestApproveToolUnknownReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/sessions", map[string]string{})
	var created sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, "POST", "/api/sessions/"+created.ID+"/approve", map[string]string{"toolCallId": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMeshRegisterRequiresNameAndRuntime(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/mesh/agents", map[string]interface{}{"path": "/tmp/proj"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "overrides.name and overrides.runtime are required")
}

func TestMeshDiscoverRequiresRoots(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/mesh/discover", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayPublishUnknownEndpointSucceedsWithZeroDelivered(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/relay/publish", map[string]interface{}{
		"subject": "relay.agent.nobody",
		"payload": map[string]string{"hello": "world"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(0), body["deliveredTo"])
}

func TestRelayPublishHopBudgetReturnsCodeNotError(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/relay/publish", map[string]interface{}{
		"subject": "relay.agent.x",
		"payload": map[string]string{},
		"budget":  map[string]interface{}{"hopCount": 25, "maxHops": 25},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "BUDGET_EXCEEDED_HOPS", body["code"])
}

func TestPulseCreateScheduleRequiresNameAndCron(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/pulse/schedules", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPulseCreateAndListSchedules(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/pulse/schedules", map[string]interface{}{
		"Name": "nightly", "Prompt": "do it", "Cron": "0 2 * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, "GET", "/api/pulse/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var scheds []pulse.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scheds))
	require.Len(t, scheds, 1)
}

func TestGitStatusRejectsBoundaryEscape(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "GET", "/api/git/status?dir=/etc", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
