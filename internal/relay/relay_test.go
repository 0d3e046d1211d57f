package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	root := t.TempDir()
	r := New(Config{MaildirRoot: root, Breaker: DefaultBreakerConfig()})
	return r
}

func TestRelayPublishAndDeliver(t *testing.T) {
	r := newTestRelay(t)
	_, err := r.RegisterEndpoint("relay.agent.backend")
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	var mu sync.Mutex
	received := []string{}
	done := make(chan struct{}, 1)

	_, err = r.Subscribe("relay.agent.backend", func(env Envelope) error {
		mu.Lock()
		received = append(received, env.ID)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	res, err := r.Publish(context.Background(), "relay.agent.backend", "hello", PublishOptions{From: "relay.agent.frontend"})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, res.MessageID, received[0])
}

func TestRelayPublishHopBudgetDeadLetters(t *testing.T) {
	r := newTestRelay(t)
	_, err := r.RegisterEndpoint("relay.agent.backend")
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	_, err = r.Publish(context.Background(), "relay.agent.backend", "hello", PublishOptions{
		From:   "relay.agent.frontend",
		Budget: Budget{HopCount: 25, MaxHops: 25},
	})
	require.Error(t, err)

	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	require.Equal(t, BudgetExceededHops, budgetErr.Code)

	metrics := r.Tracer().GetMetrics()
	require.Equal(t, 1, metrics.BudgetRejections)
}

func TestRelayPublishWildcardSubscription(t *testing.T) {
	r := newTestRelay(t)
	_, err := r.RegisterEndpoint("relay.agent.backend")
	require.NoError(t, err)
	_, err = r.RegisterEndpoint("relay.agent.frontend")
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	var mu sync.Mutex
	matchedSubjects := []string{}
	done := make(chan struct{}, 2)

	_, err = r.Subscribe("relay.agent.*", func(env Envelope) error {
		mu.Lock()
		matchedSubjects = append(matchedSubjects, env.Subject)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	_, err = r.Publish(context.Background(), "relay.agent.backend", "a", PublishOptions{From: "x"})
	require.NoError(t, err)
	_, err = r.Publish(context.Background(), "relay.agent.frontend", "b", PublishOptions{From: "x"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for wildcard delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"relay.agent.backend", "relay.agent.frontend"}, matchedSubjects)
}

func TestRelayPublishUnknownEndpointIsNotAnError(t *testing.T) {
	r := newTestRelay(t)
	defer r.Shutdown(context.Background())

	res, err := r.Publish(context.Background(), "relay.agent.nobody", "hello", PublishOptions{From: "relay.agent.frontend"})
	require.NoError(t, err)
	require.Equal(t, 0, res.DeliveredTo)
}

func TestRelayReadInboxUnknownEndpoint(t *testing.T) {
	r := newTestRelay(t)
	defer r.Shutdown(context.Background())

	_, err := r.ReadInbox(context.Background(), "relay.agent.nobody", ReadInboxOptions{})
	require.Error(t, err)
	var notFound *EndpointNotFoundError
	require.ErrorAs(t, err, &notFound)
}
