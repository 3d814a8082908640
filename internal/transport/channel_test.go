package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/platform/metrics"
	"livecast/internal/transport"
	"livecast/internal/transport/transporttest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig(url string) transport.Config {
	return transport.Config{
		URL:              url,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		DrainTimeout:     time.Second,
		SendQueue:        8,
		Backoff: transport.BackoffConfig{
			Initial:     10 * time.Millisecond,
			Max:         40 * time.Millisecond,
			Multiplier:  2,
			MaxAttempts: 3,
		},
	}
}

func waitEvent(t *testing.T, ch *transport.Channel, match func(transport.Event) bool) transport.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return transport.Event{}
		}
	}
}

func stateIs(s live.ConnectionState) func(transport.Event) bool {
	return func(ev transport.Event) bool { return ev.Kind == transport.StateChanged && ev.State == s }
}

func chunk(seq uint64, payload string) live.MediaChunk {
	return live.MediaChunk{Sequence: seq, Payload: []byte(payload), CapturedAt: time.Now()}
}

func TestChannel_Connect_sendsInOrder(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	ch := transport.NewChannel(fastConfig(in.URL()), logger.Discard(), nil)

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, live.Connected, ch.State())
	require.NoError(t, ch.Connect(context.Background()), "connect while connected is a no-op")

	require.NoError(t, ch.AnnounceStart("abc123"))
	require.NoError(t, ch.AnnounceStart("abc123"))
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, ch.SendChunk("abc123", chunk(i, "payload")))
	}
	require.NoError(t, ch.AnnounceStop("abc123"))
	require.NoError(t, ch.AnnounceStop("abc123"))

	ev := waitEvent(t, ch, func(ev transport.Event) bool { return ev.Kind == transport.StreamStarted })
	assert.Equal(t, live.StreamID("abc123"), ev.StreamID)

	ch.Disconnect()
	require.Eventually(t, func() bool { return len(in.Received()) == 7 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		transport.MsgStartStream,
		transport.MsgStreamChunk, transport.MsgStreamChunk, transport.MsgStreamChunk,
		transport.MsgStreamChunk, transport.MsgStreamChunk,
		transport.MsgStopStream,
	}, in.Types())
	for i, r := range in.Received()[1:6] {
		require.NotNil(t, r.Envelope.Sequence)
		assert.Equal(t, uint64(i), *r.Envelope.Sequence)
		assert.Equal(t, "payload", string(r.Payload))
		assert.Equal(t, len("payload"), r.Envelope.Size)
	}
	assert.Equal(t, live.Disconnected, ch.State())
}

func TestChannel_SendChunk_notConnected(t *testing.T) {
	met := metrics.New()
	ch := transport.NewChannel(fastConfig("ws://127.0.0.1:1/ingest"), logger.Discard(), met)

	err := ch.SendChunk("abc123", chunk(0, "x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.ErrorIs(t, ch.AnnounceStart("abc123"), transport.ErrNotConnected)
	assert.Equal(t, 1.0, met.Value("livecast_chunks_dropped_total", metrics.DropNotConnected))
}

func TestChannel_AnnounceStop_beforeStartIsNoop(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	ch := transport.NewChannel(fastConfig(in.URL()), logger.Discard(), nil)
	require.NoError(t, ch.Connect(context.Background()))

	require.NoError(t, ch.AnnounceStop("abc123"))
	ch.Disconnect()
	assert.Empty(t, in.Received())
}

func TestChannel_Connect_rejected(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	in.Reject(true)
	ch := transport.NewChannel(fastConfig(in.URL()), logger.Discard(), nil)

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, live.ErrConnectionLost)
	assert.Equal(t, live.Disconnected, ch.State())

	ev := waitEvent(t, ch, stateIs(live.Disconnected))
	assert.ErrorIs(t, ev.Err, live.ErrConnectionLost)
}

func TestChannel_reconnectsAfterLoss(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	met := metrics.New()
	ch := transport.NewChannel(fastConfig(in.URL()), logger.Discard(), met)
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background()))
	waitEvent(t, ch, stateIs(live.Connected))

	in.KillConnections()
	ev := waitEvent(t, ch, stateIs(live.Reconnecting))
	assert.ErrorIs(t, ev.Err, live.ErrConnectionLost)
	waitEvent(t, ch, stateIs(live.Connected))

	require.Eventually(t, func() bool { return in.Accepted() == 2 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, met.Value("livecast_reconnect_attempts_total"), 1.0)

	require.NoError(t, ch.SendChunk("abc123", chunk(7, "after")))
	require.Eventually(t, func() bool { return len(in.Received()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_reconnectExhausted(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	met := metrics.New()
	ch := transport.NewChannel(fastConfig(in.URL()), logger.Discard(), met)
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background()))
	in.Reject(true)
	in.KillConnections()

	waitEvent(t, ch, stateIs(live.Reconnecting))
	assert.ErrorIs(t, ch.SendChunk("abc123", chunk(1, "lost")), transport.ErrNotConnected)

	ev := waitEvent(t, ch, stateIs(live.Disconnected))
	assert.ErrorIs(t, ev.Err, transport.ErrReconnectExhausted)
	assert.ErrorIs(t, ev.Err, live.ErrConnectionLost)
	assert.Equal(t, 3.0, met.Value("livecast_reconnect_attempts_total"))
}

func TestChannel_Disconnect_cancelsReconnect(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	cfg := fastConfig(in.URL())
	cfg.Backoff.Initial = time.Hour
	cfg.Backoff.Max = time.Hour
	ch := transport.NewChannel(cfg, logger.Discard(), nil)

	require.NoError(t, ch.Connect(context.Background()))
	in.KillConnections()
	waitEvent(t, ch, stateIs(live.Reconnecting))

	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, live.Disconnected, ch.State())
}

func TestChannel_Disconnect_idempotentWhenIdle(t *testing.T) {
	ch := transport.NewChannel(fastConfig("ws://127.0.0.1:1/ingest"), logger.Discard(), nil)
	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, live.Disconnected, ch.State())
}

func TestChannel_remoteStreamError(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	ch := transport.NewChannel(fastConfig(in.URL()), logger.Discard(), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return in.OpenConnections() == 1 }, time.Second, 5*time.Millisecond)

	in.Push(transporttest.StreamError("abc123", "encoder crashed"))
	ev := waitEvent(t, ch, func(ev transport.Event) bool { return ev.Kind == transport.StreamError })

	var remote *live.RemoteStreamError
	require.True(t, errors.As(ev.Err, &remote))
	assert.Equal(t, "encoder crashed", remote.Message)
	assert.Equal(t, live.StreamID("abc123"), ev.StreamID)
	assert.Equal(t, live.Connected, ch.State(), "a stream error does not drop the connection")
}

func TestChannel_unknownMessageIgnored(t *testing.T) {
	in := transporttest.NewIngest()
	defer in.Close()
	ch := transport.NewChannel(fastConfig(in.URL()), logger.Discard(), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return in.OpenConnections() == 1 }, time.Second, 5*time.Millisecond)

	in.Push(transport.Envelope{Type: "viewer-count"})
	in.Push(transporttest.StreamError("abc123", "boom"))
	ev := waitEvent(t, ch, func(ev transport.Event) bool { return ev.Kind != transport.StateChanged })
	assert.Equal(t, transport.StreamError, ev.Kind)
}
