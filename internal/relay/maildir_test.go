package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMaildir(t *testing.T) (*MaildirStore, string) {
	t.Helper()
	root := t.TempDir()
	m := NewMaildirStore(root)
	hash := "abc123"
	require.NoError(t, m.EnsureMaildir(hash))
	return m, hash
}

func TestMaildirDeliverClaimComplete(t *testing.T) {
	m, hash := newTestMaildir(t)
	env := NewEnvelope("relay.agent.backend", map[string]string{"hello": "world"}, PublishOptions{From: "relay.agent.frontend"})

	ok, id, err := m.Deliver(hash, env)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.ID, id)

	// Exactly one file in new/.
	newFiles, err := os.ReadDir(filepath.Join(m.endpointDir(hash), dirNew))
	require.NoError(t, err)
	require.Len(t, newFiles, 1)

	claimedOK, claimedEnv, err := m.Claim(hash, env.ID)
	require.NoError(t, err)
	require.True(t, claimedOK)
	require.Equal(t, env.Subject, claimedEnv.Subject)

	// No longer in new/.
	newFiles, _ = os.ReadDir(filepath.Join(m.endpointDir(hash), dirNew))
	require.Len(t, newFiles, 0)

	require.NoError(t, m.Complete(hash, env.ID))

	curFiles, _ := os.ReadDir(filepath.Join(m.endpointDir(hash), dirCur))
	require.Len(t, curFiles, 0)
}

func TestMaildirDeliverIdempotent(t *testing.T) {
	m, hash := newTestMaildir(t)
	env := NewEnvelope("relay.agent.backend", "payload", PublishOptions{From: "relay.agent.frontend"})

	ok1, _, err := m.Deliver(hash, env)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, _, err := m.Deliver(hash, env)
	require.NoError(t, err)
	require.True(t, ok2)

	files, err := os.ReadDir(filepath.Join(m.endpointDir(hash), dirNew))
	require.NoError(t, err)
	require.Len(t, files, 1, "re-delivering the same id must yield a single file")
}

func TestMaildirClaimAbsent(t *testing.T) {
	m, hash := newTestMaildir(t)
	ok, _, err := m.Claim(hash, "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMaildirFail(t *testing.T) {
	m, hash := newTestMaildir(t)
	env := NewEnvelope("relay.agent.backend", "payload", PublishOptions{From: "relay.agent.frontend"})

	_, _, err := m.Deliver(hash, env)
	require.NoError(t, err)
	_, _, err = m.Claim(hash, env.ID)
	require.NoError(t, err)

	require.NoError(t, m.Fail(hash, env.ID, "handler exploded"))

	failedFiles, err := os.ReadDir(filepath.Join(m.endpointDir(hash), dirFailed))
	require.NoError(t, err)
	require.Len(t, failedFiles, 1)

	curFiles, _ := os.ReadDir(filepath.Join(m.endpointDir(hash), dirCur))
	require.Len(t, curFiles, 0)

	// Failing an already-absent cur/ entry is a safe no-op.
	require.NoError(t, m.Fail(hash, env.ID, "again"))
}

func TestMaildirFailDirect(t *testing.T) {
	m, hash := newTestMaildir(t)
	env := NewEnvelope("relay.agent.backend", "payload", PublishOptions{
		From:   "relay.agent.frontend",
		Budget: Budget{HopCount: 5, MaxHops: 5},
	})

	require.NoError(t, m.FailDirect(hash, env, "BUDGET_EXCEEDED_HOPS"))

	failedFiles, err := os.ReadDir(filepath.Join(m.endpointDir(hash), dirFailed))
	require.NoError(t, err)
	require.Len(t, failedFiles, 1)

	newFiles, _ := os.ReadDir(filepath.Join(m.endpointDir(hash), dirNew))
	require.Len(t, newFiles, 0)
}

func TestMaildirScanStatuses(t *testing.T) {
	m, hash := newTestMaildir(t)
	env1 := NewEnvelope("relay.agent.backend", "a", PublishOptions{From: "relay.agent.frontend"})
	env2 := NewEnvelope("relay.agent.backend", "b", PublishOptions{From: "relay.agent.frontend"})

	m.Deliver(hash, env1)
	m.Deliver(hash, env2)
	m.Claim(hash, env2.ID)

	statuses, err := m.ScanStatuses(hash)
	require.NoError(t, err)
	require.Equal(t, dirNew, statuses[env1.ID])
	require.Equal(t, dirCur, statuses[env2.ID])
}
