package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewHub verifies that NewHub returns a properly initialized Hub with all
// necessary channels and data structures.
func TestNewHub(t *testing.T) {
	hub := NewHub(newTestLogger())

	require.NotNil(t, hub)
	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.broadcast)
	assert.NotNil(t, hub.register)
	assert.NotNil(t, hub.unregister)
}

// TestHubMulticastWithoutClients verifies that multicasting with an empty
// client map neither blocks nor panics while the hub is running.
func TestHubMulticastWithoutClients(t *testing.T) {
	hub := NewHub(newTestLogger())
	go hub.Run()

	done := make(chan struct{})
	go func() {
		hub.Multicast([]byte(`{"event":"allUsers","payload":[]}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Multicast blocked with no clients connected")
	}

	require.NoError(t, hub.Shutdown(time.Second))
}

// TestHubMulticastDropsNilPayload verifies that nil payloads (failed
// serialization upstream) are dropped instead of being queued.
func TestHubMulticastDropsNilPayload(t *testing.T) {
	hub := NewHub(newTestLogger())
	// Run is intentionally not started: a nil payload must return without
	// touching the broadcast channel, so this would deadlock on a regression.
	done := make(chan struct{})
	go func() {
		hub.Multicast(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Multicast did not drop nil payload")
	}
}

// TestHubUnicastToUnregisteredClient verifies that unicasting to a client the
// hub does not know about reports failure instead of panicking.
func TestHubUnicastToUnregisteredClient(t *testing.T) {
	h := newDispatchHarness(RejoinReplace)
	client := h.newClient()

	assert.False(t, h.hub.Unicast(client, []byte(`{"event":"resUser","payload":true}`)))
}

// TestHubShutdownCompletes verifies that shutdown finishes promptly when no
// clients are connected.
func TestHubShutdownCompletes(t *testing.T) {
	hub := NewHub(newTestLogger())
	go hub.Run()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, hub.Shutdown(time.Second))
}

// TestHubShutdownIsIdempotentAfterRunExits verifies that Run returns once the
// hub context is cancelled.
func TestHubShutdownIsIdempotentAfterRunExits(t *testing.T) {
	hub := NewHub(newTestLogger())
	go hub.Run()

	require.NoError(t, hub.Shutdown(time.Second))

	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub Run loop did not exit after shutdown")
	}
}
