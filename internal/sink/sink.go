// Package sink provides EventSink implementations: a line-delimited JSON
// stdout sink, an in-process channel sink for tests and embedding, and a
// WebSocket sink for a single browser connection.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/specdecode/orchestrator/internal/events"
)

// envelope is the wire shape every event is wrapped in before being
// written out: a discriminated union keyed by "type".
type envelope struct {
	Type events.Type `json:"type"`
	Data any         `json:"data"`
}

// StdoutSink writes each event as one line of JSON to the given writer.
// It is safe for the single-generation-at-a-time use the Speculator makes
// of a sink, but guards with a mutex so multiple generations sharing one
// writer don't interleave partial lines.
type StdoutSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdoutSink(w io.Writer) *StdoutSink { return &StdoutSink{w: w} }

func (s *StdoutSink) write(ev envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	return enc.Encode(ev)
}

func (s *StdoutSink) DraftToken(ctx context.Context, ev events.DraftTokenEvent) error {
	return s.write(envelope{Type: events.TypeDraftToken, Data: ev})
}
func (s *StdoutSink) VerifyResult(ctx context.Context, ev events.VerifyResultEvent) error {
	return s.write(envelope{Type: events.TypeVerifyResult, Data: ev})
}
func (s *StdoutSink) Metrics(ctx context.Context, ev events.MetricsEvent) error {
	return s.write(envelope{Type: events.TypeMetrics, Data: ev})
}
func (s *StdoutSink) Done(ctx context.Context, ev events.DoneEvent) error {
	return s.write(envelope{Type: events.TypeDone, Data: ev})
}
func (s *StdoutSink) Error(ctx context.Context, ev events.ErrorEvent) error {
	return s.write(envelope{Type: events.TypeError, Data: ev})
}

// Envelope is the exported form of envelope, delivered to ChannelSink
// subscribers (e.g. an httpapi handler bridging to a WebSocket).
type Envelope = envelope

// ChannelSink delivers each event onto a Go channel in emission order; it
// is what tests and in-process embedders use instead of a network sink.
type ChannelSink struct {
	out chan Envelope
}

// NewChannelSink creates a sink backed by a channel of the given buffer
// size. The caller owns draining C — an unbuffered or full channel blocks
// the Speculator's round loop, which is the back-pressure the teacher's
// hub channel also relies on.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{out: make(chan Envelope, buffer)}
}

// C is the channel events are delivered on.
func (c *ChannelSink) C() <-chan Envelope { return c.out }

func (c *ChannelSink) send(ctx context.Context, ev Envelope) error {
	select {
	case c.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChannelSink) DraftToken(ctx context.Context, ev events.DraftTokenEvent) error {
	return c.send(ctx, Envelope{Type: events.TypeDraftToken, Data: ev})
}
func (c *ChannelSink) VerifyResult(ctx context.Context, ev events.VerifyResultEvent) error {
	return c.send(ctx, Envelope{Type: events.TypeVerifyResult, Data: ev})
}
func (c *ChannelSink) Metrics(ctx context.Context, ev events.MetricsEvent) error {
	return c.send(ctx, Envelope{Type: events.TypeMetrics, Data: ev})
}
func (c *ChannelSink) Done(ctx context.Context, ev events.DoneEvent) error {
	defer close(c.out)
	return c.send(ctx, Envelope{Type: events.TypeDone, Data: ev})
}
func (c *ChannelSink) Error(ctx context.Context, ev events.ErrorEvent) error {
	defer close(c.out)
	return c.send(ctx, Envelope{Type: events.TypeError, Data: ev})
}

// heartbeatInterval matches the teacher hub's keepalive cadence.
const heartbeatInterval = 30 * time.Second

// WebSocketSink writes one generation's event stream directly to a single
// browser connection and keeps it alive with a periodic ping, the heartbeat
// of the teacher's WebSocketHub; it has no register/unregister/broadcast
// loop and serves no other connection.
type WebSocketSink struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	log   *zap.Logger
	stop  chan struct{}
	delay time.Duration // optional wall-clock stagger, for animation
}

// NewWebSocketSink wraps an already-upgraded connection. delay, if
// non-zero, staggers delivery for a more legible live animation without
// violating the causal-order contract (spec §5 explicitly allows this).
func NewWebSocketSink(conn *websocket.Conn, delay time.Duration, log *zap.Logger) *WebSocketSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &WebSocketSink{conn: conn, log: log, stop: make(chan struct{}), delay: delay}
	go s.heartbeat()
	return s
}

func (s *WebSocketSink) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				s.log.Debug("websocket heartbeat failed, connection likely closed", zap.Error(err))
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *WebSocketSink) write(ev Envelope) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("sink: websocket write: %w", err)
	}
	return nil
}

func (s *WebSocketSink) DraftToken(ctx context.Context, ev events.DraftTokenEvent) error {
	return s.write(Envelope{Type: events.TypeDraftToken, Data: ev})
}
func (s *WebSocketSink) VerifyResult(ctx context.Context, ev events.VerifyResultEvent) error {
	return s.write(Envelope{Type: events.TypeVerifyResult, Data: ev})
}
func (s *WebSocketSink) Metrics(ctx context.Context, ev events.MetricsEvent) error {
	return s.write(Envelope{Type: events.TypeMetrics, Data: ev})
}
func (s *WebSocketSink) Done(ctx context.Context, ev events.DoneEvent) error {
	defer s.Close()
	return s.write(Envelope{Type: events.TypeDone, Data: ev})
}
func (s *WebSocketSink) Error(ctx context.Context, ev events.ErrorEvent) error {
	defer s.Close()
	return s.write(Envelope{Type: events.TypeError, Data: ev})
}

// Close stops the heartbeat goroutine and closes the underlying
// connection; Done and Error both call it since both are terminal.
func (s *WebSocketSink) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.conn.Close()
}
