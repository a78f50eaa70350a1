package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

// fakeTransport drives the channel without a server. Connect failures are
// scripted; dropConnection simulates the peer going away.
type fakeTransport struct {
	mu        sync.Mutex
	connects  int
	failFirst int
	connected bool
	sent      []types.ChangeEvent
	onMessage func(data []byte)
	onClose   func(err error)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.connects <= f.failFirst {
		return types.ErrTransportNotReady
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return types.ErrTransportNotReady
	}

	var event types.ChangeEvent
	if err := utils.Unmarshal(data, &event); err != nil {
		return err
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeTransport) OnMessage(handler func(data []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = handler
}

func (f *fakeTransport) OnClose(handler func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = handler
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	handler := f.onClose
	f.connected = false
	f.mu.Unlock()

	if handler != nil {
		handler(nil)
	}
	return nil
}

func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	handler := f.onClose
	f.connected = false
	f.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}

func (f *fakeTransport) deliver(t *testing.T, event *types.ChangeEvent) {
	t.Helper()

	data, err := utils.Marshal(event)
	require.NoError(t, err)

	f.mu.Lock()
	handler := f.onMessage
	f.mu.Unlock()

	require.NotNil(t, handler)
	handler(data)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) sentEvents() []types.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ChangeEvent(nil), f.sent...)
}

func testSyncConfig() *types.SyncConfig {
	return &types.SyncConfig{
		Enabled:     true,
		URL:         "ws://localhost:0/sync",
		BackoffBase: time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
		MaxRetries:  5,
		WriteWait:   time.Second,
	}
}

func newTestChannel(t *testing.T, transport *fakeTransport, cfg *types.SyncConfig) *Channel {
	t.Helper()

	if cfg == nil {
		cfg = testSyncConfig()
	}

	ch, err := NewChannel(context.Background(), logger.NewNoOpLogger(), nil, cfg, transport)
	require.NoError(t, err)
	return ch
}

func TestChannelStartAndStop(t *testing.T) {
	transport := &fakeTransport{}
	ch := newTestChannel(t, transport, nil)

	require.NoError(t, ch.Start())
	assert.True(t, ch.IsRunning())
	assert.Equal(t, types.StateConnected, ch.Connection().State)

	require.NoError(t, ch.Stop())
	assert.False(t, ch.IsRunning())
	assert.Equal(t, types.StateDisconnected, ch.Connection().State)
	assert.Equal(t, 1, transport.connectCount(), "caller-initiated close must not reconnect")
}

func TestChannelStartFailsWhenConnectFails(t *testing.T) {
	transport := &fakeTransport{failFirst: 1}
	ch := newTestChannel(t, transport, nil)

	err := ch.Start()
	require.Error(t, err)
	assert.False(t, ch.IsRunning())
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	transport := &fakeTransport{}
	ch := newTestChannel(t, transport, nil)

	require.NoError(t, ch.Start())
	defer ch.Stop()

	transport.dropConnection(types.NewError("peer went away"))

	require.Eventually(t, func() bool {
		return ch.Connection().State == types.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, transport.connectCount())
	assert.Equal(t, 0, ch.Connection().ReconnectAttempts, "successful reconnect resets the budget")
}

func TestChannelResubscribesAfterReconnect(t *testing.T) {
	transport := &fakeTransport{}
	ch := newTestChannel(t, transport, nil)

	require.NoError(t, ch.Start())
	defer ch.Stop()

	unsubscribe, err := ch.Subscribe("user:1")
	require.NoError(t, err)
	defer unsubscribe()

	transport.dropConnection(types.NewError("peer went away"))

	require.Eventually(t, func() bool {
		subscribes := 0
		for _, event := range transport.sentEvents() {
			if event.Type == types.ChangeSubscribe && event.Entity == "user:1" {
				subscribes++
			}
		}
		return subscribes == 2
	}, 2*time.Second, 5*time.Millisecond, "subscription must be replayed on the new connection")
}

func TestChannelExhaustsRetryBudget(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testSyncConfig()
	cfg.MaxRetries = 2

	ch := newTestChannel(t, transport, cfg)

	var states []types.ConnectionState
	var mu sync.Mutex
	ch.OnStateChange(func(info types.ConnectionInfo) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, info.State)
	})

	require.NoError(t, ch.Start())
	defer ch.Stop()

	// Every further connect attempt fails.
	transport.mu.Lock()
	transport.failFirst = 1 << 30
	transport.mu.Unlock()

	transport.dropConnection(types.NewError("peer went away"))

	require.Eventually(t, func() bool {
		return ch.Connection().State == types.StateExhausted
	}, 2*time.Second, 5*time.Millisecond)

	info := ch.Connection()
	assert.Equal(t, cfg.MaxRetries, info.ReconnectAttempts)
	assert.NotEmpty(t, info.LastError)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, types.StateExhausted)
}

func TestChannelDispatchesChangeEvents(t *testing.T) {
	transport := &fakeTransport{}
	ch := newTestChannel(t, transport, nil)

	var received []*types.ChangeEvent
	var mu sync.Mutex
	ch.OnChange(func(event *types.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
	})

	require.NoError(t, ch.Start())
	defer ch.Stop()

	transport.deliver(t, &types.ChangeEvent{
		Type:   types.ChangeInvalidate,
		Entity: "user:1",
		Sender: "someone-else",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, types.ChangeInvalidate, received[0].Type)
	assert.Equal(t, "user:1", received[0].Entity)
}

func TestChannelIgnoresOwnEcho(t *testing.T) {
	transport := &fakeTransport{}
	ch := newTestChannel(t, transport, nil)

	var received int
	var mu sync.Mutex
	ch.OnChange(func(event *types.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		received++
	})

	require.NoError(t, ch.Start())
	defer ch.Stop()

	require.NoError(t, ch.Send(context.Background(), &types.ChangeEvent{
		Type:   types.ChangeUpdate,
		Entity: "user:1",
		Key:    "user:1",
	}))

	sent := transport.sentEvents()
	require.NotEmpty(t, sent)
	echo := sent[len(sent)-1]
	require.NotEmpty(t, echo.Sender)

	transport.deliver(t, &echo)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, received, "the broker echoing our own write must not re-apply it")
}

func TestChannelUnsubscribeSendsControl(t *testing.T) {
	transport := &fakeTransport{}
	ch := newTestChannel(t, transport, nil)

	require.NoError(t, ch.Start())
	defer ch.Stop()

	unsubscribe, err := ch.Subscribe("user:1")
	require.NoError(t, err)

	// A second subscriber for the same entity does not resend the control
	// message, and only the last unsubscribe leaves the topic.
	second, err := ch.Subscribe("user:1")
	require.NoError(t, err)

	second()
	unsubscribe()
	unsubscribe() // idempotent

	var subscribes, unsubscribes int
	for _, event := range transport.sentEvents() {
		switch event.Type {
		case types.ChangeSubscribe:
			subscribes++
		case types.ChangeUnsubscribe:
			unsubscribes++
		}
	}

	assert.Equal(t, 1, subscribes)
	assert.Equal(t, 1, unsubscribes)
}

func TestChannelBackoffDelays(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	cfg.BackoffMax = time.Second

	ch := newTestChannel(t, &fakeTransport{}, cfg)

	previousFloor := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		delay := ch.backoffDelay(attempt)
		assert.LessOrEqual(t, delay, time.Second, "attempt %d exceeds cap", attempt)

		floor := 100 * time.Millisecond << uint(attempt)
		if floor > time.Second {
			floor = time.Second
		}
		if delay < time.Second {
			assert.GreaterOrEqual(t, delay, floor, "attempt %d below exponential floor", attempt)
		}
		assert.GreaterOrEqual(t, floor, previousFloor, "floors must not decrease")
		previousFloor = floor
	}
}
