package service

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

const arrivalTimeout = 5 * time.Second

// DeliveryService simulates the transport of inbound items. A dispatcher keeps
// scheduled items ordered by due time and hands each one to a fixed pool of
// workers once it is due, so the pool only bounds concurrent arrival writes.
// At most queueSize items are pending at once; the rest are shed and picked up
// again by Recover on the next start.
type DeliveryService struct {
	ledger   port.LedgerRepository
	log      *zap.Logger
	metrics  *metrics.Metrics
	workers  int
	capacity int
	incoming chan domain.PendingDelivery
	ready    chan domain.PendingDelivery
	now      func() time.Time
	after    func(d time.Duration) <-chan time.Time

	mu      sync.Mutex
	stopped bool
	pending int
	wg      sync.WaitGroup
}

func NewDeliveryService(ledger port.LedgerRepository, log *zap.Logger, m *metrics.Metrics, workers, queueSize int) *DeliveryService {
	return &DeliveryService{
		ledger:   ledger,
		log:      log,
		metrics:  m,
		workers:  workers,
		capacity: queueSize,
		incoming: make(chan domain.PendingDelivery, queueSize),
		ready:    make(chan domain.PendingDelivery),
		now:      time.Now,
		after:    time.After,
	}
}

// Start launches the dispatcher and the worker pool. They return when ctx is
// cancelled, or once everything scheduled before Stop has arrived.
func (s *DeliveryService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx)
	}()
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.workerLoop(ctx, id)
		}(i)
	}
	s.log.Info("delivery workers started", zap.Int("workers", s.workers), zap.Int("queue_size", s.capacity))
}

// Schedule accepts p without blocking.
func (s *DeliveryService) Schedule(p domain.PendingDelivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if s.pending >= s.capacity {
		s.metrics.DeliveriesTotal.WithLabelValues("shed").Inc()
		s.log.Warn("delivery queue full, shedding",
			zap.String("transaction_id", p.TransactionID),
			zap.String("sku", p.SKU),
		)
		return false
	}
	s.pending++
	s.incoming <- p
	s.metrics.PendingDeliveries.Inc()
	return true
}

// Recover schedules every inbound item that has not arrived yet, with the
// wait that remains from its placement time.
func (s *DeliveryService) Recover(ctx context.Context) (int, error) {
	txs, err := s.ledger.ListUndelivered(ctx)
	if err != nil {
		return 0, asStoreError("list undelivered", err)
	}

	scheduled := 0
	for _, t := range txs {
		for _, p := range domain.PendingDeliveries(t) {
			if s.Schedule(p) {
				scheduled++
			}
		}
	}
	s.log.Info("recovered pending deliveries", zap.Int("transactions", len(txs)), zap.Int("items", scheduled))
	return scheduled, nil
}

// Stop stops accepting deliveries and waits for the dispatcher and workers
// to exit. Pending items are still delivered unless the Start context is
// cancelled, in which case they are left to Recover.
func (s *DeliveryService) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.incoming)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// dispatch releases scheduled items to the workers in due order.
func (s *DeliveryService) dispatch(ctx context.Context) {
	defer close(s.ready)

	var waiting dueQueue
	incoming := s.incoming
	push := func(p domain.PendingDelivery, ok bool) {
		if !ok {
			incoming = nil
			return
		}
		waiting.add(p)
	}
	abandon := func() {
		for _, d := range waiting.items {
			s.metrics.DeliveriesTotal.WithLabelValues("interrupted").Inc()
			s.log.Debug("delivery interrupted, left for recovery", zap.String("transaction_id", d.p.TransactionID), zap.Int("line", d.p.Line))
			s.finish()
		}
	}

	for {
		// take in everything already scheduled before picking the next wait
	drain:
		for incoming != nil {
			select {
			case p, ok := <-incoming:
				push(p, ok)
			default:
				break drain
			}
		}

		if waiting.Len() == 0 {
			if incoming == nil {
				return
			}
			select {
			case p, ok := <-incoming:
				push(p, ok)
			case <-ctx.Done():
				return
			}
			continue
		}

		next := waiting.items[0]
		if wait := next.at.Sub(s.now()); wait > 0 {
			select {
			case <-s.after(wait):
			case p, ok := <-incoming:
				push(p, ok)
			case <-ctx.Done():
				abandon()
				return
			}
			continue
		}

		heap.Pop(&waiting)
		select {
		case s.ready <- next.p:
		case <-ctx.Done():
			waiting.add(next.p)
			abandon()
			return
		}
	}
}

func (s *DeliveryService) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-s.ready:
			if !ok {
				return
			}
			s.deliver(ctx, id, p)
			s.finish()
		}
	}
}

func (s *DeliveryService) finish() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
	s.metrics.PendingDeliveries.Dec()
}

func (s *DeliveryService) deliver(ctx context.Context, worker int, p domain.PendingDelivery) {
	log := s.log.With(
		zap.Int("worker", worker),
		zap.String("transaction_id", p.TransactionID),
		zap.Int("line", p.Line),
		zap.String("sku", p.SKU),
		zap.String("location_id", p.Location.ID),
	)

	if _, err := p.DueAt(); err != nil {
		s.metrics.DeliveriesTotal.WithLabelValues("unsupported_unit").Inc()
		log.Error("delivery skipped, item stays ordered", zap.Error(err))
		return
	}

	arrival := p.Arrival
	arrival.At = s.now().UTC()

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), arrivalTimeout)
	defer cancel()

	err := s.ledger.ApplyArrival(applyCtx, arrival)
	switch {
	case err == nil:
		s.metrics.DeliveriesTotal.WithLabelValues("arrived").Inc()
		log.Info("item arrived", zap.Int("amount", p.Amount))
	case errors.Is(err, domain.ErrAlreadyArrived):
		s.metrics.DeliveriesTotal.WithLabelValues("duplicate").Inc()
		log.Debug("item already arrived")
	default:
		s.metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		log.Error("failed to apply arrival", zap.Error(err))
	}
}

type dueItem struct {
	p   domain.PendingDelivery
	at  time.Time
	seq int
}

// dueQueue is a min-heap on due time, first scheduled first among equals.
// Items with an unsupported unit are due at once so a worker reports them.
type dueQueue struct {
	items []dueItem
	seq   int
}

func (q *dueQueue) add(p domain.PendingDelivery) {
	at, err := p.DueAt()
	if err != nil {
		at = time.Time{}
	}
	q.seq++
	heap.Push(q, dueItem{p: p, at: at, seq: q.seq})
}

func (q dueQueue) Len() int { return len(q.items) }

func (q dueQueue) Less(i, j int) bool {
	if q.items[i].at.Equal(q.items[j].at) {
		return q.items[i].seq < q.items[j].seq
	}
	return q.items[i].at.Before(q.items[j].at)
}

func (q dueQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *dueQueue) Push(x any) { q.items = append(q.items, x.(dueItem)) }

func (q *dueQueue) Pop() any {
	old := q.items
	it := old[len(old)-1]
	q.items = old[:len(old)-1]
	return it
}
