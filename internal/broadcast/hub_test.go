package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubRoutesByTopic(t *testing.T) {
	h := NewHub(zap.NewNop())

	alice, cancelA := h.Subscribe("alice", "crash-1")
	defer cancelA()
	bob, cancelB := h.Subscribe("bob")
	defer cancelB()

	h.PublishTable("crash-1", RoundCommitted, map[string]string{"serverSeedHash": "abc"})
	h.PublishUser("bob", BalanceChanged, "1.5")

	ev := receive(t, alice)
	if ev.Type != RoundCommitted || ev.Table != "crash-1" {
		t.Errorf("Unexpected event for alice: %+v", ev)
	}
	ev = receive(t, bob)
	if ev.Type != BalanceChanged || ev.User != "bob" {
		t.Errorf("Unexpected event for bob: %+v", ev)
	}

	select {
	case ev := <-alice:
		t.Errorf("alice should not receive bob's event, got %+v", ev)
	default:
	}
}

func TestHubSequenceIsMonotonic(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe("", "t")
	defer cancel()

	for i := 0; i < 5; i++ {
		h.PublishTable("t", ProgressTick, i)
	}
	var last int64
	for i := 0; i < 5; i++ {
		ev := receive(t, ch)
		if ev.Seq <= last {
			t.Errorf("Expected increasing seq, got %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	_, cancel := h.Subscribe("", "t")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.PublishTable("t", ProgressTick, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestHubCancelRemovesSubscription(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe("", "t")
	if h.Subscribers("t") != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", h.Subscribers("t"))
	}
	cancel()
	cancel()
	if h.Subscribers("t") != 0 {
		t.Errorf("Expected 0 subscribers, got %d", h.Subscribers("t"))
	}
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after cancel")
	}
	h.PublishTable("t", ProgressTick, nil)
}

func TestServeWS(t *testing.T) {
	h := NewHub(zap.NewNop())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "alice", []string{"crash-1"})
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers("crash-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.PublishTable("crash-1", PhaseChanged, map[string]string{"phase": "ACTIVE"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if ev.Type != PhaseChanged || ev.Table != "crash-1" {
		t.Errorf("Unexpected event: %+v", ev)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var p Publisher = &r
	p.PublishTable("t", RoundSettled, 1)
	p.PublishUser("u", ActionResult, 2)

	if len(r.Events()) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(r.Events()))
	}
	if got := r.OfType(ActionResult); len(got) != 1 || got[0].User != "u" {
		t.Errorf("Unexpected ActionResult events: %+v", got)
	}
}
