package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// Conn owns a single persistent event connection to one remote endpoint. Incoming events arrive
// on a long-lived SSE stream at {baseURL}/events; outgoing events are posted to
// {baseURL}/events/{name}. The connection is established lazily on the first Send or Subscribe,
// and Connect is safe to call any number of times.
type Conn struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string][]func(data []byte)
	cancel   context.CancelFunc
	gen      int
}

// New creates a Conn targeting baseURL. No connection is made until Connect, Send, or
// Subscribe is called.
func New(baseURL string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		baseURL:  baseURL,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "transport")),
		handlers: make(map[string][]func(data []byte)),
	}
}

// Connect establishes the event stream if it is not already up. Calling it while connected or
// connecting is a no-op. Connection lifecycle transitions are logged only; they never reach the
// conversation state.
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.gen++

	go c.listen(ctx, c.gen)
}

// Disconnect tears down the event stream and clears the internal handle. A subsequent Connect or
// Send re-establishes the connection cleanly. Registered handlers survive a disconnect.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Send transmits payload tagged with the given event name, connecting first if needed. It is
// fire-and-forget: transmission failures are logged, never returned, and no response is awaited
// beyond the server accepting the event.
func (c *Conn) Send(event string, payload any) {
	c.Connect()

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Failed to marshal event payload",
			slog.String("event", event),
			slog.String("err", err.Error()))
		return
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/events/"+event, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("Failed to create event request",
			slog.String("event", event),
			slog.String("err", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("Failed to send event",
			slog.String("event", event),
			slog.String("err", err.Error()))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Error("Event rejected by server",
			slog.String("event", event),
			slog.Int("status", resp.StatusCode))
	}
}

// Subscribe registers fn for every future occurrence of the named event, connecting first if
// needed. fn receives the raw JSON payload; handlers for one connection run sequentially, in
// stream order. Like the underlying event protocol, subscribing twice registers fn twice; callers that
// must handle each event exactly once are expected to subscribe exactly once.
func (c *Conn) Subscribe(event string, fn func(data []byte)) {
	c.Connect()

	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// Unsubscribe removes all handlers registered for the named event.
func (c *Conn) Unsubscribe(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

func (c *Conn) listen(ctx context.Context, gen int) {
	// The stream handle is cleared on exit so a later Connect can re-establish, unless a newer
	// connection has already replaced it.
	defer func() {
		c.mu.Lock()
		if c.gen == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		c.logger.Error("Failed to create stream request", slog.String("err", err.Error()))
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("Connection error", slog.String("err", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Connection refused", slog.Int("status", resp.StatusCode))
		return
	}

	c.logger.Info("Connected to event stream", slog.String("url", c.baseURL))

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Event stream closed", slog.String("err", err.Error()))
			}
			break
		}
		c.dispatch(ev.Type, []byte(ev.Data))
	}

	c.logger.Info("Disconnected from event stream")
}

func (c *Conn) dispatch(event string, data []byte) {
	c.mu.Lock()
	handlers := make([]func(data []byte), len(c.handlers[event]))
	copy(handlers, c.handlers[event])
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
}
