package diag

import (
	"encoding/json"
	"testing"

	"espzb/internal/stack"
)

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func TestHubDeliversBusEvents(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Stop()
	bus := stack.NewEventBus(testLogger())
	h.Attach(bus)

	a := &hubClient{queue: make(chan []byte, 4)}
	b := &hubClient{queue: make(chan []byte, 4)}
	if !h.add(a) || !h.add(b) {
		t.Fatal("live hub refused a subscriber")
	}

	bus.Emit(stack.Event{Type: stack.EventPermitJoin, Data: true})

	for _, client := range []*hubClient{a, b} {
		select {
		case msg := <-client.queue:
			var ev struct {
				Type string `json:"type"`
				Data bool   `json:"data"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatal(err)
			}
			if ev.Type != stack.EventPermitJoin || !ev.Data {
				t.Errorf("event = %s", msg)
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Stop()
	bus := stack.NewEventBus(testLogger())
	h.Attach(bus)

	slow := &hubClient{queue: make(chan []byte, 1)}
	fast := &hubClient{queue: make(chan []byte, 4)}
	h.add(slow)
	h.add(fast)

	bus.Emit(stack.Event{Type: stack.EventPermitJoin, Data: true})
	bus.Emit(stack.Event{Type: stack.EventPermitJoin, Data: false})

	if h.clientCount() != 1 {
		t.Fatalf("clients = %d, want the slow one gone", h.clientCount())
	}
	// The evicted queue is closed so its write pump exits.
	<-slow.queue
	if _, ok := <-slow.queue; ok {
		t.Error("slow subscriber's queue not closed")
	}
	if len(fast.queue) != 2 {
		t.Errorf("fast subscriber queued %d messages, want 2", len(fast.queue))
	}
}

func TestHubRemove(t *testing.T) {
	h := NewHub(testLogger())
	defer h.Stop()

	client := &hubClient{queue: make(chan []byte, 4)}
	h.add(client)
	h.remove(client)
	if _, ok := <-client.queue; ok {
		t.Error("queue not closed after remove")
	}
	h.remove(client) // removing twice is a no-op

	stranger := &hubClient{queue: make(chan []byte, 1)}
	h.remove(stranger)
	select {
	case <-stranger.queue:
		t.Error("stranger's queue was touched")
	default:
	}
}

func TestHubStopDetachesAndClosesClients(t *testing.T) {
	h := NewHub(testLogger())
	bus := stack.NewEventBus(testLogger())
	h.Attach(bus)

	client := &hubClient{queue: make(chan []byte, 4)}
	h.add(client)

	h.Stop()
	h.Stop() // must not panic

	if _, ok := <-client.queue; ok {
		t.Error("queue not closed on Stop")
	}
	if h.add(&hubClient{queue: make(chan []byte, 1)}) {
		t.Error("stopped hub accepted a subscriber")
	}

	// Detached: emitting after Stop reaches no one and must not panic.
	bus.Emit(stack.Event{Type: stack.EventPermitJoin, Data: false})
	if h.clientCount() != 0 {
		t.Errorf("clients = %d after Stop", h.clientCount())
	}
}
