package testutil

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/agentmesh/internal/model"
)

// eventStreamSubjects mirrors the subject space the event forwarder
// publishes on.
const eventStreamSubjects = "agentmesh.events.>"

// StartJetStream runs an embedded NATS server with JetStream backed by a
// temp store and returns a connected JetStream context. The cleanup func
// closes the connection and shuts the server down.
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // free port, so package test binaries can run in parallel
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}

	nc, err := nats.Connect(srv.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		srv.Shutdown()
	}
	return srv, js, cleanup
}

// ConsumeMessages collects every payload published on the subject until the
// window elapses. JetStream delivers from the start of the stream, so
// messages published before the call are included.
func ConsumeMessages(js nats.JetStreamContext, subject string, window time.Duration) ([][]byte, error) {
	sub, err := js.SubscribeSync(subject)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	deadline := time.Now().Add(window)
	var payloads [][]byte
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return payloads, nil
		}
		msg, err := sub.NextMsg(remaining)
		if errors.Is(err, nats.ErrTimeout) {
			return payloads, nil
		}
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, msg.Data)
	}
}

// CollectEvents drains the forwarded event stream for the window and decodes
// each payload, so tests can assert on lifecycle events as the dashboard
// would see them.
func CollectEvents(t *testing.T, js nats.JetStreamContext, window time.Duration) []model.Event {
	t.Helper()

	payloads, err := ConsumeMessages(js, eventStreamSubjects, window)
	require.NoError(t, err)

	events := make([]model.Event, 0, len(payloads))
	for _, payload := range payloads {
		var event model.Event
		require.NoError(t, json.Unmarshal(payload, &event))
		events = append(events, event)
	}
	return events
}
