package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// mockClient is a test helper that wraps a Client without a real WebSocket
// connection.
type mockClient struct {
	client *Client
}

func newMockClient(hub *Hub, tabID string) *mockClient {
	client := &Client{
		hub:   hub,
		conn:  nil, // No real connection for testing
		tabID: tabID,
		send:  make(chan []byte, 256),
	}
	return &mockClient{client: client}
}

func TestHubBroadcastProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("broadcast delivers the same bytes to every registered client", prop.ForAll(
		func(numClients int, data string) bool {
			hub := NewHub("tab-1")
			defer hub.Close()

			var wg sync.WaitGroup
			received := make([]string, numClients)

			for i := 0; i < numClients; i++ {
				mc := newMockClient(hub, "tab-1")
				hub.Register(mc.client)

				idx := i
				ch := mc.client.SendChan()
				wg.Add(1)
				go func() {
					defer wg.Done()
					select {
					case msg := <-ch:
						received[idx] = string(msg)
					case <-time.After(100 * time.Millisecond):
					}
				}()
			}

			hub.Broadcast([]byte(data))
			wg.Wait()

			for i := 0; i < numClients; i++ {
				if received[i] != data {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestHubPersistsAfterClientsDisconnect(t *testing.T) {
	manager := NewHubManager()
	defer manager.Close()

	hub := manager.GetOrCreate("tab-1")
	mc := newMockClient(hub, "tab-1")
	hub.Register(mc.client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	closed := false
	hub.SetOnClose(func() { closed = true })

	hub.Unregister(mc.client)

	// The hub outlives its viewers: the session keeps running.
	if got := manager.Get("tab-1"); got == nil {
		t.Fatal("hub was removed when the last client disconnected")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.HasClients() {
		t.Fatal("hub should report no clients")
	}
	if !closed {
		t.Fatal("onClose was not invoked for the last client")
	}
	if !mc.client.IsClosed() {
		t.Fatal("unregister must close the client")
	}
}

func TestClientSendAfterClose(t *testing.T) {
	hub := NewHub("tab-1")
	mc := newMockClient(hub, "tab-1")

	mc.client.Close()
	mc.client.Send([]byte("late")) // must not panic on the closed channel
	mc.client.Close()              // idempotent
}

func TestClientBufferOverflowClosesClient(t *testing.T) {
	hub := NewHub("tab-1")
	mc := newMockClient(hub, "tab-1")
	hub.Register(mc.client)

	// Nothing drains the channel; one past the buffer closes the client.
	for i := 0; i < 257; i++ {
		mc.client.Send([]byte("chunk"))
	}

	if !mc.client.IsClosed() {
		t.Fatal("client with a full buffer must be dropped")
	}
}

func TestHubManagerRemove(t *testing.T) {
	manager := NewHubManager()

	hub := manager.GetOrCreate("tab-1")
	mc := newMockClient(hub, "tab-1")
	hub.Register(mc.client)

	manager.Remove("tab-1")

	if manager.Get("tab-1") != nil {
		t.Fatal("hub still present after Remove")
	}
	if !mc.client.IsClosed() {
		t.Fatal("removing a hub must close its clients")
	}
}
