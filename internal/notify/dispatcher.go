package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nijasafe/internal/apperr"
	"nijasafe/internal/emergency"
	"nijasafe/internal/logger"
	"nijasafe/internal/metrics"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
	DefaultTimeout   = 5 * time.Second
)

// Dispatcher：有界队列加固定数量的 worker 执行通知
// 约束：下游再慢也不阻塞调用方
type Dispatcher struct {
	n       Notifier
	timeout time.Duration
	workers int
	log     *slog.Logger

	mu      sync.RWMutex
	queue   chan *emergency.Record
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(n Notifier, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		n:       n,
		timeout: timeout,
		workers: workers,
		log:     logger.For("notify"),
		queue:   make(chan *emergency.Record, queueSize),
	}
}

// Start：启动 worker；ctx 取消后的调用立即失败
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	d.log.Info("notify_dispatcher_started", "workers", d.workers, "queue", cap(d.queue), "timeout_ms", d.timeout.Milliseconds())
}

// Submit：非阻塞入队
// 约束：队列已满或已停止时返回 false，任务丢弃
func (d *Dispatcher) Submit(r *emergency.Record) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		metrics.NotifyResults.WithLabelValues("dropped").Inc()
		d.log.Warn("notify_dropped", "id", r.ID, "reason", "stopped")
		return false
	}
	select {
	case d.queue <- r:
		return true
	default:
		metrics.NotifyResults.WithLabelValues("dropped").Inc()
		d.log.Warn("notify_dropped", "id", r.ID, "reason", "queue_full")
		return false
	}
}

// Stop：拒绝新任务，排空队列后等待 worker 退出
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for r := range d.queue {
		d.run(ctx, id, r)
	}
}

func (d *Dispatcher) run(ctx context.Context, worker int, r *emergency.Record) {
	t0 := time.Now()
	err := d.call(ctx, r)
	dur := time.Since(t0).Milliseconds()
	metrics.NotifyDurationMs.Observe(float64(dur))
	if err != nil {
		metrics.NotifyResults.WithLabelValues("fail").Inc()
		d.log.Error("notify_failed", "id", r.ID, "worker", worker, "duration_ms", dur, "err", apperr.Dependency("notify authorities", err))
		return
	}
	metrics.NotifyResults.WithLabelValues("ok").Inc()
	d.log.Info("notify_ok", "id", r.ID, "worker", worker, "duration_ms", dur)
}

// call：单次通知受超时约束，panic 转为错误
func (d *Dispatcher) call(ctx context.Context, r *emergency.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notifier panic: %v", p)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.n.Notify(cctx, r)
}
