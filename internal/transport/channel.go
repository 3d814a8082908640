// Package transport keeps a persistent duplex connection to the ingest
// service and carries control messages and media chunks over it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
)

var (
	// ErrNotConnected is returned when a message is offered while the channel
	// is not Connected. The message is dropped.
	ErrNotConnected = errors.New("transport not connected")

	// ErrBackpressure is returned when the outbound queue is full. The message
	// is dropped.
	ErrBackpressure = errors.New("transport send queue full")

	// ErrReconnectExhausted is reported once the reconnect attempts are used up.
	ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted: %w", live.ErrConnectionLost)
)

const (
	eventBuffer  = 64
	readLimit    = 64 << 10
	closeTimeout = time.Second
)

// BackoffConfig bounds the reconnect schedule.
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Config configures a Channel.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	DrainTimeout     time.Duration
	SendQueue        int
	Backoff          BackoffConfig
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 32
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 8 * time.Second
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = 3
	}
	return c
}

type outbound struct {
	env     Envelope
	payload []byte
}

func (o outbound) isChunk() bool { return o.env.Type == MsgStreamChunk }

type announced struct {
	started bool
	stopped bool
}

// Channel is a single reconnecting websocket connection to the ingest
// service. All methods are safe for concurrent use. Outbound messages go
// through one FIFO queue drained by a single writer, so they are never
// reordered.
type Channel struct {
	cfg    Config
	log    *slog.Logger
	met    *metrics.Metrics
	events chan Event

	mu         sync.Mutex
	state      live.ConnectionState
	gen        uint64
	conn       *websocket.Conn
	sendq      chan outbound
	writerDone chan struct{}
	cancel     context.CancelFunc
	streams    map[live.StreamID]announced
}

// NewChannel returns a disconnected channel.
func NewChannel(cfg Config, log *slog.Logger, met *metrics.Metrics) *Channel {
	return &Channel{
		cfg:     cfg.withDefaults(),
		log:     logger.WithComponent(log, "transport"),
		met:     met,
		events:  make(chan Event, eventBuffer),
		state:   live.Disconnected,
		streams: make(map[live.StreamID]announced),
	}
}

// Events delivers state changes and remote stream notifications. Events are
// dropped (and logged) when the consumer falls behind.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Channel) State() live.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection. It is a no-op unless the channel is
// Disconnected. On failure the channel returns to Disconnected and the error
// wraps live.ErrConnectionLost.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != live.Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setStateLocked(live.Connecting, nil)
	c.mu.Unlock()
	defer cancel()

	conn, err := c.dial(dialCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: connect canceled", live.ErrConnectionLost)
	}
	c.cancel = nil
	if err != nil {
		err = fmt.Errorf("%w: %v", live.ErrConnectionLost, err)
		c.setStateLocked(live.Disconnected, err)
		return err
	}
	c.attachLocked(conn, gen)
	c.setStateLocked(live.Connected, nil)
	return nil
}

// SendChunk queues one media chunk. It never blocks: when the channel is not
// Connected or the queue is full the chunk is dropped and counted.
func (c *Channel) SendChunk(id live.StreamID, chunk live.MediaChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enqueueLocked(outbound{env: chunkEnvelope(id, chunk), payload: chunk.Payload}); err != nil {
		c.log.Debug("chunk dropped",
			slog.String("stream_id", string(id)),
			slog.Uint64("sequence", chunk.Sequence),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// AnnounceStart sends start-stream for id. Only the first call per stream
// sends anything.
func (c *Channel) AnnounceStart(id live.StreamID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	flags := c.streams[id]
	if flags.started {
		return nil
	}
	if err := c.enqueueLocked(outbound{env: Envelope{Type: MsgStartStream, StreamKey: id}}); err != nil {
		return err
	}
	flags.started = true
	c.streams[id] = flags
	return nil
}

// AnnounceStop sends stop-stream for id. It is a no-op if start was never
// announced or stop was already sent.
func (c *Channel) AnnounceStop(id live.StreamID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	flags := c.streams[id]
	if !flags.started || flags.stopped {
		return nil
	}
	if err := c.enqueueLocked(outbound{env: Envelope{Type: MsgStopStream, StreamKey: id}}); err != nil {
		return err
	}
	flags.stopped = true
	c.streams[id] = flags
	return nil
}

// Disconnect drains queued messages (bounded by DrainTimeout), closes the
// connection and cancels any connect or reconnect in flight. Safe from any
// state and idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn, sendq, writerDone := c.conn, c.sendq, c.writerDone
	c.conn, c.sendq, c.writerDone = nil, nil, nil
	c.streams = make(map[live.StreamID]announced)
	c.setStateLocked(live.Disconnected, nil)
	c.mu.Unlock()

	if sendq != nil {
		close(sendq)
		select {
		case <-writerDone:
		case <-time.After(c.cfg.DrainTimeout):
			c.log.Warn("drain timed out", slog.Int("pending", len(sendq)))
		}
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); err != nil {
			c.log.Debug("close frame not sent", slog.String("error", err.Error()))
		}
		conn.Close()
		c.log.Info("disconnected")
	}
}

func (c *Channel) enqueueLocked(o outbound) error {
	reason := ""
	var err error
	switch {
	case c.state != live.Connected || c.sendq == nil:
		reason, err = metrics.DropNotConnected, ErrNotConnected
	default:
		select {
		case c.sendq <- o:
			return nil
		default:
			reason, err = metrics.DropBackpressure, ErrBackpressure
		}
	}
	if o.isChunk() {
		c.met.ChunkDropped(reason)
	}
	return err
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := d.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *Channel) attachLocked(conn *websocket.Conn, gen uint64) {
	sendq := make(chan outbound, c.cfg.SendQueue)
	done := make(chan struct{})
	c.conn, c.sendq, c.writerDone = conn, sendq, done
	go c.writeLoop(gen, conn, sendq, done)
	go c.readLoop(gen, conn)
}

func (c *Channel) writeLoop(gen uint64, conn *websocket.Conn, sendq <-chan outbound, done chan<- struct{}) {
	defer close(done)
	for o := range sendq {
		if err := c.write(conn, o); err != nil {
			if o.isChunk() {
				c.met.ChunkDropped(metrics.DropConnLost)
			}
			c.connectionLost(gen, err)
			for rest := range sendq {
				if rest.isChunk() {
					c.met.ChunkDropped(metrics.DropConnLost)
				}
			}
			return
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, o outbound) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(&o.env); err != nil {
		return err
	}
	if !o.isChunk() {
		c.log.Info("control message sent", slog.String("type", o.env.Type), slog.String("stream_id", string(o.env.StreamKey)))
		return nil
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, o.payload); err != nil {
		return err
	}
	c.met.ChunkSent(len(o.payload))
	c.log.Debug("chunk sent",
		slog.String("stream_id", string(o.env.StreamKey)),
		slog.Uint64("sequence", *o.env.Sequence),
		slog.String("size", humanize.Bytes(uint64(len(o.payload)))),
		slog.Bool("final", o.env.Final))
	return nil
}

func (c *Channel) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			c.log.Warn("undecodable message ignored", slog.String("error", err.Error()))
			continue
		}
		switch env.Type {
		case MsgStreamStarted:
			c.log.Info("stream started", slog.String("stream_id", string(env.StreamKey)))
			c.emit(Event{Kind: StreamStarted, StreamID: env.StreamKey})
		case MsgStreamError:
			c.log.Warn("stream error", slog.String("stream_id", string(env.StreamKey)), slog.String("error", env.Error))
			c.emit(Event{
				Kind:     StreamError,
				StreamID: env.StreamKey,
				Err:      &live.RemoteStreamError{StreamID: env.StreamKey, Message: env.Error},
			})
		default:
			c.log.Debug("unknown message ignored", slog.String("type", env.Type))
		}
	}
}

// connectionLost detaches a broken connection and starts reconnecting. Calls
// from goroutines of a superseded connection are ignored.
func (c *Channel) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != live.Connected {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen
	conn, sendq := c.conn, c.sendq
	c.conn, c.sendq, c.writerDone = nil, nil, nil
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.log.Warn("connection lost", slog.String("error", cause.Error()))
	c.setStateLocked(live.Reconnecting, fmt.Errorf("%w: %v", live.ErrConnectionLost, cause))
	c.mu.Unlock()

	conn.Close()
	close(sendq)
	go c.reconnect(ctx, next)
}

func (c *Channel) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Backoff.Initial
	b.MaxInterval = c.cfg.Backoff.Max
	b.Multiplier = c.cfg.Backoff.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.cfg.Backoff.MaxAttempts))
}

func (c *Channel) reconnect(ctx context.Context, gen uint64) {
	b := c.newBackOff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		c.met.IncReconnectAttempts()
		conn, err := c.dial(ctx)

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err == nil {
			c.cancel = nil
			c.attachLocked(conn, gen)
			c.setStateLocked(live.Connected, nil)
			c.mu.Unlock()
			c.log.Info("reconnected", slog.Int("attempt", attempt))
			return
		}
		c.mu.Unlock()
		lastErr = err
		c.log.Warn("reconnect failed",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.cancel = nil
	err := ErrReconnectExhausted
	if lastErr != nil {
		err = fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
	}
	c.log.Error("giving up on reconnect", slog.Int("attempts", c.cfg.Backoff.MaxAttempts))
	c.setStateLocked(live.Disconnected, err)
}

func (c *Channel) setStateLocked(s live.ConnectionState, err error) {
	if s == c.state && err == nil {
		return
	}
	prev := c.state
	c.state = s
	c.met.SetConnectionState(int(s))
	c.log.Debug("connection state", slog.String("from", prev.String()), slog.String("to", s.String()))
	c.emit(Event{Kind: StateChanged, State: s, Err: err})
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event dropped", slog.String("kind", ev.Kind.String()))
	}
}
