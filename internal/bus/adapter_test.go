package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/audit"
	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeClient struct {
	mu          sync.Mutex
	connectErrs int // fail this many Connect calls before succeeding
	connects    int
	publishErr  error
	published   map[string][]byte
	handlers    map[string]func(topic string, payload []byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published: make(map[string][]byte),
		handlers:  make(map[string]func(string, []byte)),
	}
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.connectErrs {
		return errors.New("broker unreachable")
	}
	return nil
}

func (f *fakeClient) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[topic] = payload
	return nil
}

func (f *fakeClient) Subscribe(topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeClient) Connected() bool { return true }
func (f *fakeClient) Disconnect()     {}

// inject simulates an inbound broker message on the network goroutine.
func (f *fakeClient) inject(filter, topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	h(topic, payload)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(t *testing.T, client Client) (*Adapter, audit.Store) {
	t.Helper()
	store := audit.NewMemoryStore()
	a := NewAdapter(client, store, "tcp://test:1883", discardLogger(),
		WithConnectRetry(3, time.Millisecond, time.Millisecond))
	return a, store
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestConnectSubscribesToDeviceTopics(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAdapter(t, client)

	require.NoError(t, a.Connect(context.Background()))
	assert.Contains(t, client.handlers, "device/+/ack")
	assert.Contains(t, client.handlers, "device/+/event")
}

func TestConnectRetriesWithinWindow(t *testing.T) {
	client := newFakeClient()
	client.connectErrs = 2
	a, _ := newTestAdapter(t, client)

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, 3, client.connects)
}

func TestConnectFailsWithConnectionError(t *testing.T) {
	client := newFakeClient()
	client.connectErrs = 10
	a, _ := newTestAdapter(t, client)

	err := a.Connect(context.Background())
	var connErr *domain.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "tcp://test:1883", connErr.Broker)
}

func TestPublishSpeakWireShape(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAdapter(t, client)

	require.NoError(t, a.PublishSpeak(context.Background(), "dev1", "Hello", "trk-42"))

	payload, ok := client.published["device/dev1/command"]
	require.True(t, ok, "command should go to device/dev1/command")

	var cmd Command
	require.NoError(t, json.Unmarshal(payload, &cmd))
	assert.Equal(t, CmdSpeak, cmd.Cmd)
	assert.Equal(t, "Hello", cmd.Text)
	assert.Equal(t, "trk-42", cmd.TrackID)
}

func TestPublishSpeakWrapsTransportError(t *testing.T) {
	client := newFakeClient()
	client.publishErr = errors.New("not connected")
	a, _ := newTestAdapter(t, client)

	err := a.PublishSpeak(context.Background(), "dev1", "Hello", "trk-42")
	var transportErr *domain.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "dev1", transportErr.DeviceID)
}

func TestInboundAckReachesHandlerOffNetworkLoop(t *testing.T) {
	client := newFakeClient()
	a, store := newTestAdapter(t, client)
	require.NoError(t, a.Connect(context.Background()))

	got := make(chan string, 1)
	a.OnAck(func(deviceID, trackID string, _ time.Time) {
		got <- deviceID + "/" + trackID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	client.inject("device/+/ack", "device/dev1/ack",
		[]byte(`{"evt":"CMD_RECEIVED","track_id":"trk-7","timestamp":"2026-08-26T10:00:00Z"}`))

	select {
	case v := <-got:
		assert.Equal(t, "dev1/trk-7", v)
	case <-time.After(time.Second):
		t.Fatal("ack handler was never invoked")
	}

	// Audit record written as a side effect.
	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "dev1", "trk-7")
		return err == nil && rec.Status == EvtCmdReceived
	}, time.Second, 10*time.Millisecond)
}

func TestInboundEventsRouteDoneAndError(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAdapter(t, client)
	require.NoError(t, a.Connect(context.Background()))

	type ev struct {
		trackID string
		failed  bool
		errMsg  string
	}
	got := make(chan ev, 2)
	a.OnEvent(func(_, trackID string, failed bool, errMsg string) {
		got <- ev{trackID, failed, errMsg}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	client.inject("device/+/event", "device/dev1/event",
		[]byte(`{"evt":"EVT_SPEAK_DONE","track_id":"trk-1"}`))
	client.inject("device/+/event", "device/dev1/event",
		[]byte(`{"evt":"EVT_SPEAK_ERROR","track_id":"trk-2","error":"speaker busy"}`))

	first := <-got
	assert.Equal(t, ev{"trk-1", false, ""}, first)
	second := <-got
	assert.Equal(t, ev{"trk-2", true, "speaker busy"}, second)
}

func TestMalformedInboundIsDiscarded(t *testing.T) {
	client := newFakeClient()
	a, _ := newTestAdapter(t, client)
	require.NoError(t, a.Connect(context.Background()))

	called := false
	a.OnAck(func(string, string, time.Time) { called = true })

	client.inject("device/+/ack", "device/dev1/ack", []byte(`{{not json`))
	client.inject("device/+/ack", "device/dev1/ack", []byte(`{"evt":"CMD_RECEIVED"}`))

	// Nothing should have been queued, so Run never invokes the handler.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = a.Run(ctx)
	assert.False(t, called)
}

func TestFullInboxDropsInsteadOfBlocking(t *testing.T) {
	client := newFakeClient()
	store := audit.NewMemoryStore()
	a := NewAdapter(client, store, "tcp://test:1883", discardLogger(), WithInboxSize(1))
	require.NoError(t, a.Connect(context.Background()))

	// Run is not draining; the second message must be dropped, not block.
	done := make(chan struct{})
	go func() {
		client.inject("device/+/ack", "device/dev1/ack",
			[]byte(`{"evt":"CMD_RECEIVED","track_id":"trk-1","timestamp":"x"}`))
		client.inject("device/+/ack", "device/dev1/ack",
			[]byte(`{"evt":"CMD_RECEIVED","track_id":"trk-2","timestamp":"x"}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("inject blocked on a full inbox")
	}
}
