// ABOUTME: Tests for the NATS publisher against an embedded NATS server
// ABOUTME: Verifies subject naming and JSON payloads

package syncevents

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")
	return srv.ClientURL()
}

func TestNATSPublisher_Publish(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url, "test.sync.")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("test.sync.>", msgs)
	require.NoError(t, err)
	defer s.Unsubscribe() //nolint:errcheck
	require.NoError(t, sub.Flush())

	event := New(TopicDrainCompleted, map[string]any{"acked": 2}).WithScope("g1", "main")
	require.NoError(t, pub.Publish(t.Context(), event))
	require.NoError(t, pub.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "test.sync.drain.completed", msg.Subject)

		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, TopicDrainCompleted, got.Topic)
		assert.Equal(t, "g1", got.GraphID)
		assert.InDelta(t, 2, got.Data["acked"], 0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSPublisher_DefaultPrefix(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url, "")
	require.NoError(t, err)
	defer pub.Close()

	assert.Equal(t, "brainweb.sync.cache.refreshed", pub.Subject(TopicCacheRefreshed))
}

func TestNATSPublisher_ConnectFailure(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "", nats.Timeout(100*time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to NATS")
}
