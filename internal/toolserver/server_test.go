package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
)

func newTestToolServer(t *testing.T) *Server {
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

	return New(Deps{Relay: r, Mesh: m, Pulse: pulseStore, Sched: sched})
}

func callArgs(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestRelayPublishAndReadInbox(t *testing.T) {
	s := newTestToolServer(t)
	ctx := context.Background()

	_, err := s.handleRelayRegisterEndpoint(ctx, callArgs(map[string]interface{}{"subject": "relay.agent.x"}))
	require.NoError(t, err)

	res, err := s.handleRelayPublish(ctx, callArgs(map[string]interface{}{
		"subject": "relay.agent.x",
		"payload": map[string]interface{}{"hello": "world"},
	}))
	require.NoError(t, err)
	var published map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &published))
	require.EqualValues(t, 1, published["deliveredTo"])

	res, err = s.handleRelayReadInbox(ctx, callArgs(map[string]interface{}{"subject": "relay.agent.x"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestRelayPublishRequiresSubject(t *testing.T) {
	s := newTestToolServer(t)
	res, err := s.handleRelayPublish(context.Background(), callArgs(map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestMeshDiscoverRequiresRoots(t *testing.T) {
	s := newTestToolServer(t)
	res, err := s.handleMeshDiscover(context.Background(), callArgs(map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestMeshRegisterRequiresFields(t *testing.T) {
	s := newTestToolServer(t)
	res, err := s.handleMeshRegister(context.Background(), callArgs(map[string]interface{}{"path": "/tmp/x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestCreateScheduleForcesPendingApproval(t *testing.T) {
	s := newTestToolServer(t)
	res, err := s.handlePulseCreateSchedule(context.Background(), callArgs(map[string]interface{}{
		"name": "nightly-digest", "prompt": "summarize the day", "cron": "0 2 * * *",
	}))
	require.NoError(t, err)
	var sched pulse.Schedule
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &sched))
	require.Equal(t, pulse.SchedulePendingApproval, sched.Status)
}

func TestCreateScheduleRequiresFields(t *testing.T) {
	s := newTestToolServer(t)
	res, err := s.handlePulseCreateSchedule(context.Background(), callArgs(map[string]interface{}{"name": "x"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestCancelUnknownRunReturnsError(t *testing.T) {
	s := newTestToolServer(t)
	ctx := context.Background()

	created, err := s.deps.Pulse.CreateSchedule(ctx, pulse.CreateScheduleInput{
		Name: "every-minute", Prompt: "p", Cron: "* * * * *",
	})
	require.NoError(t, err)
	s.deps.Sched.RegisterSchedule(created)

	res, err := s.handlePulseCancelRun(ctx, callArgs(map[string]interface{}{"runId": "does-not-exist"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}
