package queue

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
)

// startNATS runs an embedded JetStream-enabled server for the test
func startNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestNATSFanOutToEveryInstance(t *testing.T) {
	url := startNATS(t)

	a, err := newNATSQueue(NATSConfig{URL: url, Consumer: "node-a"})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	b, err := newNATSQueue(NATSConfig{URL: url, Consumer: "node-b"})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	subject := "sheetpub.events.proposal"
	var gotA, gotB collector
	require.NoError(t, a.Subscribe(subject, gotA.handle))
	require.NoError(t, b.Subscribe(subject, gotB.handle))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Publish(ctx, subject, []byte(`{"id":"1"}`)))
	require.NoError(t, a.Publish(ctx, subject, []byte(`{"id":"2"}`)))

	waitCount(t, &gotA, 2)
	waitCount(t, &gotB, 2)

	gotB.mu.Lock()
	defer gotB.mu.Unlock()
	require.Equal(t, `{"id":"1"}`, string(gotB.msgs[0].Data))
	require.Equal(t, subject, gotB.msgs[0].Subject)
}

func TestNATSSubscriptionBookkeeping(t *testing.T) {
	url := startNATS(t)

	q, err := newNATSQueue(NATSConfig{URL: url, Consumer: "node-a"})
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	noop := func(context.Context, Message) error { return nil }
	require.NoError(t, q.Subscribe("sheetpub.events.accept", noop))
	require.Error(t, q.Subscribe("sheetpub.events.accept", noop))

	require.NoError(t, q.Unsubscribe("sheetpub.events.accept"))
	require.Error(t, q.Unsubscribe("sheetpub.events.accept"))
}

func TestNATSStreamCreatedOnce(t *testing.T) {
	url := startNATS(t)

	a, err := newNATSQueue(NATSConfig{URL: url, Consumer: "node-a"})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := newNATSQueue(NATSConfig{URL: url, Consumer: "node-b"})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	// both instances race to declare the same stream
	require.NoError(t, a.ensureStream("sheetpub.events.diff-created"))
	require.NoError(t, b.ensureStream("sheetpub.events.diff-created"))
	require.True(t, a.streams["sheetpub.events.diff-created"])
}
