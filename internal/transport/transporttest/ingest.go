// Package transporttest provides an in-process ingest server for tests.
package transporttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"livecast/internal/live"
	"livecast/internal/transport"
)

// Received is one message observed by the ingest. Payload is set for chunks.
type Received struct {
	Envelope transport.Envelope
	Payload  []byte
}

// Ingest accepts websocket connections and records everything it reads.
// start-stream is acknowledged with stream-started unless Ack is disabled.
type Ingest struct {
	Server *httptest.Server

	reject atomic.Bool
	noAck  atomic.Bool

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	received []Received
	accepted int
}

// NewIngest starts an ingest server. Call Close when done.
func NewIngest() *Ingest {
	in := &Ingest{conns: make(map[*websocket.Conn]struct{})}
	in.Server = httptest.NewServer(http.HandlerFunc(in.serve))
	return in
}

// URL is the ws:// address of the ingest endpoint.
func (in *Ingest) URL() string {
	return "ws" + strings.TrimPrefix(in.Server.URL, "http") + "/ingest"
}

// Reject makes new handshakes fail with 503 while on is true.
func (in *Ingest) Reject(on bool) { in.reject.Store(on) }

// DisableAck stops the automatic stream-started reply.
func (in *Ingest) DisableAck() { in.noAck.Store(true) }

// KillConnections drops every open connection without a close frame.
func (in *Ingest) KillConnections() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for c := range in.conns {
		c.UnderlyingConn().Close()
	}
}

// Push writes env to every open connection.
func (in *Ingest) Push(env transport.Envelope) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for c := range in.conns {
		_ = c.WriteJSON(env)
	}
}

// Received returns a copy of everything read so far.
func (in *Ingest) Received() []Received {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Received(nil), in.received...)
}

// Types returns the message types read so far, in order.
func (in *Ingest) Types() []string {
	var out []string
	for _, r := range in.Received() {
		out = append(out, r.Envelope.Type)
	}
	return out
}

// Accepted returns the number of handshakes that succeeded.
func (in *Ingest) Accepted() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.accepted
}

// OpenConnections returns the number of live server-side connections.
func (in *Ingest) OpenConnections() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.conns)
}

// Close shuts the server down.
func (in *Ingest) Close() {
	in.KillConnections()
	in.Server.Close()
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (in *Ingest) serve(w http.ResponseWriter, r *http.Request) {
	if in.reject.Load() {
		http.Error(w, "ingest unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	in.mu.Lock()
	in.conns[conn] = struct{}{}
	in.accepted++
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		delete(in.conns, conn)
		in.mu.Unlock()
		conn.Close()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		rec := Received{Envelope: env}
		if env.Type == transport.MsgStreamChunk {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rec.Payload = payload
		}
		in.mu.Lock()
		in.received = append(in.received, rec)
		if env.Type == transport.MsgStartStream && !in.noAck.Load() {
			_ = conn.WriteJSON(transport.Envelope{Type: transport.MsgStreamStarted, StreamKey: env.StreamKey})
		}
		in.mu.Unlock()
	}
}

// StreamError builds a stream-error envelope.
func StreamError(id live.StreamID, msg string) transport.Envelope {
	return transport.Envelope{Type: transport.MsgStreamError, StreamKey: id, Error: msg}
}
