// Package notify delivers fire-and-forget notification records. Emitting
// never blocks a request: records are queued in process and drained by a
// background goroutine; delivery failures are logged and dropped.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fleetops-system/internal/model"
)

// Store is the persistence slice the dispatcher needs.
type Store interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
}

// Dispatcher queues notifications and writes them out asynchronously.
type Dispatcher struct {
	store  Store
	logger *zap.Logger
	queue  chan model.Notification
}

// NewDispatcher creates a dispatcher with a bounded queue. When the queue
// is full new notifications are dropped; they carry no acknowledgment
// contract.
func NewDispatcher(store Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		logger: logger,
		queue:  make(chan model.Notification, 256),
	}
}

// Emit enqueues a notification without blocking.
func (d *Dispatcher) Emit(n model.Notification) {
	if d == nil {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification queue full, dropping record",
			zap.String("entity", n.EntityKind),
			zap.String("role", string(n.TargetRole)))
	}
}

// Start drains the queue until ctx is cancelled. It blocks; run it in its
// own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	if d == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := d.store.CreateNotification(writeCtx, &n); err != nil {
				d.logger.Error("write notification", zap.Error(err))
			}
			cancel()
		}
	}
}
