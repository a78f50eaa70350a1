package queue

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

type queuedItem struct {
	request  *types.QueuedRequest
	onResult types.ResultHandler
}

// OfflineQueue buffers write operations while the sync channel is down and
// replays them in arrival order once connectivity returns. Requests that
// keep failing past the retry cap are removed and reported as permanent
// failures instead of blocking the queue forever.
type OfflineQueue struct {
	logger  types.Logger
	metrics types.MetricsManager
	config  *types.QueueConfig

	items    *list.List
	keyCount map[string]int
	mu       sync.Mutex
	flushing int32
}

func NewOfflineQueue(logger types.Logger, metrics types.MetricsManager, config *types.QueueConfig) *OfflineQueue {
	return &OfflineQueue{
		logger:   logger,
		metrics:  metrics,
		config:   config,
		items:    list.New(),
		keyCount: make(map[string]int),
	}
}

func (q *OfflineQueue) Enqueue(op types.Operation, onResult types.ResultHandler) (string, error) {
	if op.Key == "" {
		return "", types.ErrQueueOperationIsNil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.MaxSize > 0 && q.items.Len() >= q.config.MaxSize {
		switch q.config.OverflowPolicy {
		case types.OverflowDropOldest:
			oldest := q.items.Remove(q.items.Front()).(*queuedItem)
			q.dropKey(oldest.request.Operation.Key)
			q.logger.Warn("Offline queue full, dropping oldest request",
				zap.String("id", oldest.request.ID),
				zap.String("key", oldest.request.Operation.Key))
			q.recordMetric("enqueue", "dropped_oldest")
			if oldest.onResult != nil {
				oldest.onResult(oldest.request, types.WrapError(types.ErrQueueOverflow, "dropped to admit newer request"))
			}
		default:
			q.recordMetric("enqueue", "rejected")
			return "", types.ErrQueueOverflow
		}
	}

	request := &types.QueuedRequest{
		ID:        uuid.NewString(),
		Operation: op,
		CreatedAt: time.Now(),
	}

	q.items.PushBack(&queuedItem{
		request:  request,
		onResult: onResult,
	})
	q.keyCount[op.Key]++

	q.recordMetric("enqueue", "success")
	q.setDepthGauge(q.items.Len())

	return request.ID, nil
}

// Flush replays queued requests in FIFO order, awaiting each send before
// moving on. A failed request is retried at the head of the queue; past the
// retry cap it is removed and its handler is told about the permanent
// failure. Later requests are never replayed ahead of earlier ones.
func (q *OfflineQueue) Flush(ctx context.Context, sender types.Sender) error {
	if sender == nil {
		return types.ErrQueueSenderIsNil
	}

	if !atomic.CompareAndSwapInt32(&q.flushing, 0, 1) {
		return types.ErrQueueFlushInProgress
	}
	defer atomic.StoreInt32(&q.flushing, 0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q.mu.Lock()
		front := q.items.Front()
		if front == nil {
			q.mu.Unlock()
			return nil
		}
		item := front.Value.(*queuedItem)
		q.mu.Unlock()

		err := sender(ctx, item.request.Operation)
		if err == nil {
			q.remove(front)
			q.recordMetric("replay", "success")
			if item.onResult != nil {
				item.onResult(item.request, nil)
			}
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		item.request.RetryCount++
		if item.request.RetryCount > q.config.RetryCap {
			q.remove(front)
			q.recordMetric("replay", "permanent_failure")
			q.logger.Error("Queued request permanently failed",
				zap.String("id", item.request.ID),
				zap.String("key", item.request.Operation.Key),
				zap.Int("retries", item.request.RetryCount),
				zap.Error(err))
			if item.onResult != nil {
				item.onResult(item.request, types.WrapError(types.ErrWritePermanentFailure, err.Error()))
			}
			continue
		}

		q.recordMetric("replay", "retry")
		q.logger.Warn("Queued request replay failed, will retry",
			zap.String("id", item.request.ID),
			zap.Int("retry_count", item.request.RetryCount),
			zap.Error(err))
		return types.WrapError(err, "flush interrupted, request kept at head")
	}
}

func (q *OfflineQueue) Peek() (*types.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return nil, false
	}

	request := *front.Value.(*queuedItem).request
	return &request, true
}

func (q *OfflineQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Contains reports whether any queued request still targets the key.
func (q *OfflineQueue) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.keyCount[key] > 0
}

func (q *OfflineQueue) remove(element *list.Element) {
	q.mu.Lock()
	q.dropKey(element.Value.(*queuedItem).request.Operation.Key)
	q.items.Remove(element)
	depth := q.items.Len()
	q.mu.Unlock()
	q.setDepthGauge(depth)
}

// dropKey assumes q.mu is held.
func (q *OfflineQueue) dropKey(key string) {
	if q.keyCount[key] <= 1 {
		delete(q.keyCount, key)
		return
	}
	q.keyCount[key]--
}

func (q *OfflineQueue) setDepthGauge(depth int) {
	if q.metrics == nil {
		return
	}
	q.metrics.Gauge("offline_queue_depth", nil).Set(float64(depth))
}

func (q *OfflineQueue) recordMetric(operation, result string) {
	if q.metrics == nil {
		return
	}
	q.metrics.Counter("offline_queue_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
}
