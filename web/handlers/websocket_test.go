package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	send chan []byte
}

func (m *mockClient) sendChannel() chan []byte { return m.send }
func (m *mockClient) close()                   {}

func TestHubBroadcastsWriteEvents(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	client := &mockClient{send: make(chan []byte, 4)}
	hub.register <- client

	hub.BroadcastWrite("default", "create", "memory_20250826120000")

	select {
	case data := <-client.send:
		var event WriteEvent
		require.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, "write", event.Type)
		assert.Equal(t, "create", event.Operation)
		assert.Equal(t, "memory_20250826120000", event.Key)
		assert.Equal(t, "default", event.Persona)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestDeregisterReturnsAfterStop(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	hub.Stop()

	// A pump goroutine finishing after shutdown must not hang on the
	// unregister handoff.
	done := make(chan struct{})
	go func() {
		hub.deregister(&mockClient{send: make(chan []byte, 1)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deregister blocked after hub shutdown")
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	defer hub.Stop()

	// Zero-capacity channel: the first broadcast cannot be delivered.
	slow := &mockClient{send: make(chan []byte)}
	hub.register <- slow

	hub.BroadcastWrite("default", "create", "memory_20250826120001")

	// The slow client's channel is closed by the drop path.
	select {
	case _, ok := <-slow.send:
		assert.False(t, ok, "expected channel close, got a message")
	case <-time.After(2 * time.Second):
		t.Fatal("slow client was not dropped")
	}
}
