package transport_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentask/agentask/internal/transport"
)

// eventServer is a minimal test double for the remote endpoint: it holds one SSE stream open
// per connection and records every posted event.
type eventServer struct {
	srv *httptest.Server

	conns     atomic.Int32
	connected chan struct{}
	frames    chan string
	posts     chan postedEvent
}

type postedEvent struct {
	event string
	body  string
}

func newEventServer(t *testing.T) *eventServer {
	t.Helper()
	es := &eventServer{
		connected: make(chan struct{}, 8),
		frames:    make(chan string, 8),
		posts:     make(chan postedEvent, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		es.conns.Add(1)
		es.connected <- struct{}{}

		for {
			select {
			case frame := <-es.frames:
				_, _ = io.WriteString(w, frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		es.posts <- postedEvent{
			event: strings.TrimPrefix(r.URL.Path, "/events/"),
			body:  string(body),
		}
		w.WriteHeader(http.StatusAccepted)
	})

	es.srv = httptest.NewServer(mux)
	t.Cleanup(es.srv.Close)
	return es
}

func (es *eventServer) push(event, data string) {
	es.frames <- fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func (es *eventServer) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-es.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream connection")
	}
}

func TestSendConnectsLazily(t *testing.T) {
	es := newEventServer(t)
	c := transport.New(es.srv.URL, nil)

	c.Send("chat_message", map[string]string{"message": "hi"})
	defer c.Disconnect()

	es.waitConnected(t)

	select {
	case post := <-es.posts:
		if post.event != "chat_message" {
			t.Errorf("posted event = %q, want chat_message", post.event)
		}
		var payload map[string]string
		if err := json.Unmarshal([]byte(post.body), &payload); err != nil {
			t.Fatalf("posted body %q: %v", post.body, err)
		}
		if payload["message"] != "hi" {
			t.Errorf("posted payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for posted event")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	es := newEventServer(t)
	c := transport.New(es.srv.URL, nil)
	defer c.Disconnect()

	c.Connect()
	es.waitConnected(t)

	for range 5 {
		c.Connect()
	}
	time.Sleep(100 * time.Millisecond)

	if got := es.conns.Load(); got != 1 {
		t.Errorf("stream connections = %d, want 1", got)
	}
}

func TestSubscribeDispatchesInOrder(t *testing.T) {
	es := newEventServer(t)
	c := transport.New(es.srv.URL, nil)
	defer c.Disconnect()

	got := make(chan string, 8)
	c.Subscribe("stream_chunk", func(data []byte) { got <- "chunk:" + string(data) })
	c.Subscribe("stream_complete", func(data []byte) { got <- "complete:" + string(data) })
	es.waitConnected(t)

	es.push("stream_chunk", `{"content":"a"}`)
	es.push("stream_chunk", `{"content":"b"}`)
	es.push("search_status", `{"status":"searching"}`) // no handler, must be ignored
	es.push("stream_complete", `{"full_content":"ab"}`)

	want := []string{
		`chunk:{"content":"a"}`,
		`chunk:{"content":"b"}`,
		`complete:{"full_content":"ab"}`,
	}
	for i, w := range want {
		select {
		case g := <-got:
			if g != w {
				t.Fatalf("dispatch[%d] = %q, want %q", i, g, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d", i)
		}
	}
}

func TestUnsubscribeRemovesHandlers(t *testing.T) {
	es := newEventServer(t)
	c := transport.New(es.srv.URL, nil)
	defer c.Disconnect()

	got := make(chan string, 8)
	c.Subscribe("stream_chunk", func(data []byte) { got <- string(data) })
	es.waitConnected(t)

	es.push("stream_chunk", `{"content":"a"}`)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first dispatch")
	}

	c.Unsubscribe("stream_chunk")
	es.push("stream_chunk", `{"content":"b"}`)

	select {
	case g := <-got:
		t.Fatalf("received %q after unsubscribe", g)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectThenReconnect(t *testing.T) {
	es := newEventServer(t)
	c := transport.New(es.srv.URL, nil)
	defer c.Disconnect()

	got := make(chan string, 8)
	c.Subscribe("stream_chunk", func(data []byte) { got <- string(data) })
	es.waitConnected(t)

	c.Disconnect()
	time.Sleep(100 * time.Millisecond)

	// Handlers survive the disconnect; a fresh Connect re-establishes the stream.
	c.Connect()
	es.waitConnected(t)

	es.push("stream_chunk", `{"content":"again"}`)
	select {
	case g := <-got:
		if g != `{"content":"again"}` {
			t.Errorf("dispatch = %q", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch after reconnect")
	}

	if got := es.conns.Load(); got != 2 {
		t.Errorf("stream connections = %d, want 2", got)
	}
}
