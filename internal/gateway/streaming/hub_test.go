package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func registerClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	client := NewClient("c-"+t.Name(), nil, hub, newTestLogger(t))
	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() > 0 })
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBroadcastReachesProjectSubscribers(t *testing.T) {
	hub := startHub(t)

	client := NewClient("c-1", nil, hub, newTestLogger(t))
	other := NewClient("c-2", nil, hub, newTestLogger(t))
	hub.Register(client)
	hub.Register(other)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	hub.SubscribeClient(client, "p-1")
	hub.SubscribeClient(other, "p-2")

	hub.Broadcast("p-1", JobEventMessage{Type: "job.completed", Data: map[string]interface{}{"job_id": "j-1"}})

	select {
	case data := <-client.send:
		var msg JobEventMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "job.completed", msg.Type)
		assert.Equal(t, "j-1", msg.Data["job_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive broadcast")
	}

	select {
	case <-other.send:
		t.Fatal("client subscribed to another project received the broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := startHub(t)
	client := registerClient(t, hub)

	hub.SubscribeClient(client, "p-1")
	assert.Equal(t, 1, hub.ProjectSubscriberCount("p-1"))

	hub.UnsubscribeClient(client, "p-1")
	assert.Equal(t, 0, hub.ProjectSubscriberCount("p-1"))

	hub.Broadcast("p-1", JobEventMessage{Type: "job.completed"})
	select {
	case <-client.send:
		t.Fatal("unsubscribed client received broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterCleansSubscriptions(t *testing.T) {
	hub := startHub(t)
	client := registerClient(t, hub)

	hub.SubscribeClient(client, "p-1")
	hub.Unregister(client)
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
	assert.Equal(t, 0, hub.ProjectSubscriberCount("p-1"))
}

func TestBridgeForwardsJobEvents(t *testing.T) {
	hub := startHub(t)
	client := registerClient(t, hub)
	hub.SubscribeClient(client, "p-1")

	memBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer memBus.Close()

	bridge := NewBridge(hub, memBus, newTestLogger(t))
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	event := bus.NewEvent("job.completed", "queue", map[string]interface{}{
		"project_id": "p-1",
		"job_id":     "j-1",
		"state":      "completed",
	})
	require.NoError(t, memBus.Publish(context.Background(), bus.SubjectJobCompleted, event))

	select {
	case data := <-client.send:
		var msg JobEventMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "job.completed", msg.Type)
		assert.Equal(t, "p-1", msg.Data["project_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not forward the event")
	}
}
