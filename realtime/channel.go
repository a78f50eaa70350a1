package realtime

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

// Channel is the reconnecting push connection keeping cached state fresh.
// It owns a single connection state machine: disconnected → connecting →
// connected and back, with a terminal exhausted state once the reconnect
// budget is spent. Explicit Stop suppresses auto-reconnect; an unexpected
// close schedules one with exponential backoff and jitter.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	logger    types.Logger
	metrics   types.MetricsManager
	config    *types.SyncConfig
	transport types.Transport
	clientID  string

	state             atomic.Value
	reconnectAttempts int32
	connectedAt       atomic.Int64
	lastError         atomic.Value

	subscriptions map[string]int
	subsMu        sync.Mutex

	changeHandlers []types.ChangeHandler
	stateHandlers  []types.StateHandler
	handlersMu     sync.RWMutex

	reconnectCh chan struct{}
	running     int32
	wg          sync.WaitGroup
}

func NewChannel(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.SyncConfig, transport types.Transport) (*Channel, error) {
	if transport == nil {
		transport = NewWebSocketTransport(logger, config)
	}

	channelCtx, cancel := context.WithCancel(ctx)

	ch := &Channel{
		ctx:           channelCtx,
		cancel:        cancel,
		logger:        logger,
		metrics:       metrics,
		config:        config,
		transport:     transport,
		clientID:      uuid.NewString(),
		subscriptions: make(map[string]int),
		reconnectCh:   make(chan struct{}, 1),
	}

	ch.state.Store(types.StateDisconnected)
	ch.lastError.Store("")

	transport.OnMessage(ch.handleMessage)
	transport.OnClose(ch.handleClose)

	return ch, nil
}

func (ch *Channel) Start() error {
	if !atomic.CompareAndSwapInt32(&ch.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	ch.setState(types.StateConnecting)

	if err := ch.transport.Connect(ch.ctx); err != nil {
		ch.setState(types.StateDisconnected)
		atomic.StoreInt32(&ch.running, 0)
		return types.WrapError(err, "initial connection failed")
	}

	ch.onConnected()

	ch.wg.Add(1)
	go ch.reconnectLoop()

	ch.logger.Info("Sync channel started", zap.String("client_id", ch.clientID))
	return nil
}

func (ch *Channel) Stop() error {
	if !atomic.CompareAndSwapInt32(&ch.running, 1, 0) {
		return types.ErrNotRunning
	}

	ch.cancel()
	err := ch.transport.Close()
	ch.wg.Wait()

	ch.setState(types.StateDisconnected)
	ch.logger.Info("Sync channel stopped")

	return err
}

func (ch *Channel) IsRunning() bool {
	return atomic.LoadInt32(&ch.running) == 1
}

// Subscribe registers interest in an entity's change events. The returned
// function releases the subscription; the server-side topic is left once the
// last subscriber is gone.
func (ch *Channel) Subscribe(entity string) (func(), error) {
	if entity == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	ch.subsMu.Lock()
	ch.subscriptions[entity]++
	isFirst := ch.subscriptions[entity] == 1
	ch.subsMu.Unlock()

	if isFirst && ch.Connection().State == types.StateConnected {
		if err := ch.sendControl(types.ChangeSubscribe, entity); err != nil {
			ch.logger.Warn("Subscribe message failed, will retry on reconnect",
				zap.String("entity", entity), zap.Error(err))
		}
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			ch.subsMu.Lock()
			ch.subscriptions[entity]--
			isLast := ch.subscriptions[entity] <= 0
			if isLast {
				delete(ch.subscriptions, entity)
			}
			ch.subsMu.Unlock()

			if isLast && ch.Connection().State == types.StateConnected {
				_ = ch.sendControl(types.ChangeUnsubscribe, entity)
			}
		})
	}

	return unsubscribe, nil
}

func (ch *Channel) Send(ctx context.Context, event *types.ChangeEvent) error {
	if event == nil {
		return types.ErrQueueOperationIsNil
	}

	if event.MessageID == "" {
		event.MessageID = uuid.NewString()
	}
	event.Sender = ch.clientID
	event.Timestamp = time.Now()

	data, err := utils.Marshal(event)
	if err != nil {
		return types.WrapError(err, "failed to marshal change event")
	}

	return ch.transport.Send(ctx, data)
}

func (ch *Channel) OnChange(handler types.ChangeHandler) {
	ch.handlersMu.Lock()
	ch.changeHandlers = append(ch.changeHandlers, handler)
	ch.handlersMu.Unlock()
}

func (ch *Channel) OnStateChange(handler types.StateHandler) {
	ch.handlersMu.Lock()
	ch.stateHandlers = append(ch.stateHandlers, handler)
	ch.handlersMu.Unlock()
}

// Connection returns a read-only snapshot of the channel state.
func (ch *Channel) Connection() types.ConnectionInfo {
	info := types.ConnectionInfo{
		State:             ch.state.Load().(types.ConnectionState),
		ReconnectAttempts: int(atomic.LoadInt32(&ch.reconnectAttempts)),
		LastError:         ch.lastError.Load().(string),
	}

	if nanos := ch.connectedAt.Load(); nanos > 0 {
		info.ConnectedAt = time.Unix(0, nanos)
	}

	return info
}

func (ch *Channel) handleMessage(data []byte) {
	var event types.ChangeEvent
	if err := utils.Unmarshal(data, &event); err != nil {
		ch.logger.Error("Failed to unmarshal change event", zap.Error(err))
		return
	}

	// Events echoing our own writes are not re-applied.
	if event.Sender == ch.clientID {
		return
	}

	ch.recordMetric("event", string(event.Type))

	ch.handlersMu.RLock()
	handlers := make([]types.ChangeHandler, len(ch.changeHandlers))
	copy(handlers, ch.changeHandlers)
	ch.handlersMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ch.logger.Error("Change handler panicked",
						zap.String("entity", event.Entity),
						zap.Any("panic", r))
				}
			}()
			handler(&event)
		}()
	}
}

// handleClose distinguishes caller-initiated closure (nil error, no
// reconnect) from transport failure (reconnect scheduled).
func (ch *Channel) handleClose(err error) {
	if err == nil || !ch.IsRunning() {
		return
	}

	ch.lastError.Store(err.Error())
	ch.setState(types.StateDisconnected)
	ch.logger.Warn("Sync channel disconnected unexpectedly", zap.Error(err))

	ch.triggerReconnect()
}

func (ch *Channel) triggerReconnect() {
	select {
	case ch.reconnectCh <- struct{}{}:
	default:
	}
}

func (ch *Channel) reconnectLoop() {
	defer ch.wg.Done()

	for {
		select {
		case <-ch.ctx.Done():
			return
		case <-ch.reconnectCh:
			if !ch.IsRunning() {
				return
			}

			attempt := atomic.LoadInt32(&ch.reconnectAttempts)
			if int(attempt) >= ch.config.MaxRetries {
				ch.setState(types.StateExhausted)
				ch.lastError.Store(types.ErrTransportExhausted.Error())
				ch.logger.Error("Reconnect attempts exhausted, cache freshness degraded",
					zap.Int32("attempts", attempt))
				ch.recordMetric("reconnect", "exhausted")
				return
			}

			delay := ch.backoffDelay(int(attempt))
			ch.logger.Info("Scheduling reconnect",
				zap.Int32("attempt", attempt+1),
				zap.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-ch.ctx.Done():
				return
			}

			atomic.AddInt32(&ch.reconnectAttempts, 1)
			ch.setState(types.StateConnecting)

			if err := ch.transport.Connect(ch.ctx); err != nil {
				ch.lastError.Store(err.Error())
				ch.setState(types.StateDisconnected)
				ch.logger.Warn("Reconnect attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&ch.reconnectAttempts)),
					zap.Error(err))
				ch.recordMetric("reconnect", "failure")
				ch.triggerReconnect()
				continue
			}

			ch.recordMetric("reconnect", "success")
			ch.onConnected()
		}
	}
}

// onConnected resets the retry budget, re-subscribes every topic that had
// active subscribers before the disconnect and notifies state listeners so
// the offline queue can flush.
func (ch *Channel) onConnected() {
	atomic.StoreInt32(&ch.reconnectAttempts, 0)
	ch.connectedAt.Store(time.Now().UnixNano())
	ch.lastError.Store("")
	ch.setState(types.StateConnected)

	ch.subsMu.Lock()
	entities := make([]string, 0, len(ch.subscriptions))
	for entity := range ch.subscriptions {
		entities = append(entities, entity)
	}
	ch.subsMu.Unlock()

	for _, entity := range entities {
		if err := ch.sendControl(types.ChangeSubscribe, entity); err != nil {
			ch.logger.Warn("Re-subscribe failed", zap.String("entity", entity), zap.Error(err))
		}
	}

	ch.logger.Info("Sync channel connected", zap.Int("resubscribed", len(entities)))
}

func (ch *Channel) sendControl(msgType types.ChangeEventType, entity string) error {
	writeWait := ch.config.WriteWait
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ch.ctx, writeWait)
	defer cancel()

	return ch.Send(ctx, &types.ChangeEvent{
		Type:   msgType,
		Entity: entity,
	})
}

// backoffDelay: min(base * 2^attempt + random(0, base), maxDelay). Delays
// are non-decreasing until capped.
func (ch *Channel) backoffDelay(attempt int) time.Duration {
	base := ch.config.BackoffBase
	if base <= 0 {
		base = time.Second
	}

	maxDelay := ch.config.BackoffMax
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	if attempt > 30 {
		attempt = 30
	}

	delay := base << uint(attempt)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}

	delay += time.Duration(rand.Int63n(int64(base)))
	if delay > maxDelay {
		return maxDelay
	}

	return delay
}

func (ch *Channel) setState(state types.ConnectionState) {
	previous := ch.state.Swap(state)
	if previous == state {
		return
	}

	ch.recordMetric("state", state.String())

	info := ch.Connection()

	ch.handlersMu.RLock()
	handlers := make([]types.StateHandler, len(ch.stateHandlers))
	copy(handlers, ch.stateHandlers)
	ch.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(info)
	}
}

func (ch *Channel) recordMetric(operation, result string) {
	if ch.metrics == nil {
		return
	}
	ch.metrics.Counter("sync_channel_events_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
}
