package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/inventory-replenishment/internal/core/domain"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

// MemoryAdapter is a single-process ledger store. A mutex stands in for the
// database transaction, so every call is atomic and conflicting writes are
// serialized. It backs STORE_DRIVER=memory and the service tests.
type MemoryAdapter struct {
	mu           sync.Mutex
	products     map[string]*domain.Product
	transactions map[string]*domain.Transaction
	txOrder      []string
	counters     map[string]int64
	claims       map[domain.ReplenishmentKey]string
	outbox       []port.OutboxRecord
	outboxSeq    int64
	idempotency  map[string]time.Time
	now          func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products:     make(map[string]*domain.Product),
		transactions: make(map[string]*domain.Transaction),
		counters:     make(map[string]int64),
		claims:       make(map[domain.ReplenishmentKey]string),
		idempotency:  make(map[string]time.Time),
		now:          time.Now,
	}
}

// SeedProduct stores p as is, replacing any product with the same id.
func (m *MemoryAdapter) SeedProduct(p *domain.Product) error {
	if err := p.CheckTotals(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p.Clone()
	return nil
}

func (m *MemoryAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryAdapter) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, domain.ErrNotFound)
	}
	c := cloneTransaction(*t)
	return &c, nil
}

func (m *MemoryAdapter) CommitTransaction(ctx context.Context, t domain.Transaction) error {
	const op = "commit transaction"
	if err := ctx.Err(); err != nil {
		return domain.NewStoreError(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[t.ID]; exists {
		return domain.NewConflictError(op, fmt.Errorf("transaction %s already exists", t.ID))
	}

	adjs, err := domain.CommitAdjustments(t)
	if err != nil {
		return domain.NewValidationError(op, err, "transaction %s", t.ID)
	}
	touched, err := m.applyLocked(op, adjs)
	if err != nil {
		return err
	}

	keys := replenishmentKeys(t)
	for _, key := range keys {
		if owner, taken := m.claims[key]; taken {
			return domain.NewValidationError(op, domain.ErrReplenishmentInFlight,
				"%s/%s at %s is claimed by %s", key.ProductID, key.SKU, key.LocationID, owner)
		}
	}

	stored := cloneTransaction(t)
	inserted, err := domain.NewTransactionInserted(stored)
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	events := []domain.ChangeEvent{inserted}
	productEvents, err := m.productEventsLocked(touched)
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	events = append(events, productEvents...)

	m.transactions[t.ID] = &stored
	m.txOrder = append(m.txOrder, t.ID)
	for _, key := range keys {
		m.claims[key] = t.ID
	}
	for _, p := range touched {
		m.products[p.ID] = p
	}
	m.appendOutboxLocked(events)
	return nil
}

func (m *MemoryAdapter) ApplyArrival(ctx context.Context, a domain.Arrival) error {
	const op = "apply arrival"
	if err := ctx.Err(); err != nil {
		return domain.NewStoreError(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[a.TransactionID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", a.TransactionID, domain.ErrNotFound)
	}
	if a.Line < 0 || a.Line >= len(t.Items) {
		return domain.NewValidationError(op, domain.ErrUnknownItem, "transaction %s has no line %d", t.ID, a.Line)
	}
	if t.Items[a.Line].Arrived() {
		return fmt.Errorf("transaction %s line %d: %w", t.ID, a.Line, domain.ErrAlreadyArrived)
	}

	touched, err := m.applyLocked(op, []domain.Adjustment{a.Adjustment()})
	if err != nil {
		return err
	}

	at := a.At
	if at.IsZero() {
		at = m.now()
	}
	updated := cloneTransaction(*t)
	updated.Items[a.Line].Status = append(updated.Items[a.Line].Status, domain.ItemStatus{Name: domain.StatusArrived, UpdateTimestamp: at})

	txEvent, err := domain.NewTransactionUpdated(updated, []string{fmt.Sprintf("items.%d.status", a.Line)}, at)
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	productEvents, err := m.productEventsLocked(touched)
	if err != nil {
		return domain.NewStoreError(op, err)
	}

	m.transactions[t.ID] = &updated
	for _, p := range touched {
		m.products[p.ID] = p
	}
	if updated.Automatic {
		key := domain.ReplenishmentKey{ProductID: a.ProductID, SKU: a.SKU, LocationID: updated.Location.Destination.ID}
		if m.claims[key] == updated.ID {
			delete(m.claims, key)
		}
	}
	m.appendOutboxLocked(append([]domain.ChangeEvent{txEvent}, productEvents...))
	return nil
}

func (m *MemoryAdapter) HasOpenReplenishment(ctx context.Context, key domain.ReplenishmentKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transactions {
		if !t.Automatic || t.Type != domain.TransactionInbound || t.Location.Destination.ID != key.LocationID {
			continue
		}
		for _, it := range t.Items {
			if it.Product.ID == key.ProductID && it.SKU == key.SKU && !it.Arrived() {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryAdapter) ListUndelivered(ctx context.Context) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for _, id := range m.txOrder {
		t := m.transactions[id]
		if len(domain.PendingDeliveries(*t)) > 0 {
			out = append(out, cloneTransaction(*t))
		}
	}
	return out, nil
}

func (m *MemoryAdapter) SetAutoreplenishment(ctx context.Context, productID string, enabled bool) error {
	return m.updateProduct("set autoreplenishment", productID, func(p *domain.Product) error {
		p.Autoreplenishment = enabled
		return nil
	})
}

func (m *MemoryAdapter) UpdateStockSettings(ctx context.Context, productID string, settings domain.StockSettings) error {
	return m.updateProduct("update stock settings", productID, func(p *domain.Product) error {
		_, item := p.FindItem(settings.SKU)
		if item == nil {
			return domain.NewValidationError("update stock settings", domain.ErrUnknownItem, "%s/%s", productID, settings.SKU)
		}
		_, rec := item.FindStock(settings.Location)
		if rec == nil {
			return domain.NewValidationError("update stock settings", domain.ErrUnknownLocation, "%s has no stock at %s", settings.SKU, settings.Location)
		}
		rec.Threshold = settings.Threshold
		rec.Target = settings.Target
		return nil
	})
}

func (m *MemoryAdapter) updateProduct(op, productID string, mutate func(p *domain.Product) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.products[productID]
	if !ok {
		return domain.NewValidationError(op, domain.ErrUnknownProduct, "product %s", productID)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	ev, err := domain.NewProductUpdated(current, next, m.now())
	if err != nil {
		return domain.NewStoreError(op, err)
	}
	m.products[productID] = next
	if len(ev.ChangedFields) > 0 {
		m.appendOutboxLocked([]domain.ChangeEvent{ev})
	}
	return nil
}

// applyLocked applies adjs to clones of the affected products and returns the
// clones in first-touched order. Stored products are not modified.
func (m *MemoryAdapter) applyLocked(op string, adjs []domain.Adjustment) ([]*domain.Product, error) {
	var touched []*domain.Product
	byID := make(map[string]*domain.Product)
	for _, adj := range adjs {
		p, ok := byID[adj.ProductID]
		if !ok {
			stored, exists := m.products[adj.ProductID]
			if !exists {
				return nil, domain.NewValidationError(op, domain.ErrUnknownProduct, "product %s", adj.ProductID)
			}
			p = stored.Clone()
			byID[adj.ProductID] = p
			touched = append(touched, p)
		}
		if err := p.Apply(adj); err != nil {
			return nil, domain.NewValidationError(op, err, "product %s", adj.ProductID)
		}
	}
	return touched, nil
}

func (m *MemoryAdapter) productEventsLocked(touched []*domain.Product) ([]domain.ChangeEvent, error) {
	events := make([]domain.ChangeEvent, 0, len(touched))
	for _, p := range touched {
		ev, err := domain.NewProductUpdated(m.products[p.ID], p, m.now())
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (m *MemoryAdapter) appendOutboxLocked(events []domain.ChangeEvent) {
	for _, ev := range events {
		m.outboxSeq++
		m.outbox = append(m.outbox, port.OutboxRecord{Seq: m.outboxSeq, Event: ev})
	}
}

func (m *MemoryAdapter) NextValue(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryAdapter) PendingChanges(ctx context.Context, limit int) ([]port.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := min(limit, len(m.outbox))
	return append([]port.OutboxRecord(nil), m.outbox[:n]...), nil
}

func (m *MemoryAdapter) MarkPublished(ctx context.Context, seqs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := make(map[int64]bool, len(seqs))
	for _, s := range seqs {
		done[s] = true
	}
	kept := m.outbox[:0]
	for _, rec := range m.outbox {
		if !done[rec.Seq] {
			kept = append(kept, rec)
		}
	}
	m.outbox = kept
	return nil
}

func (m *MemoryAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.idempotency[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.idempotency[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

func (m *MemoryAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.idempotency, key)
	return nil
}

// replenishmentKeys lists the keys an automatic inbound transaction claims.
func replenishmentKeys(t domain.Transaction) []domain.ReplenishmentKey {
	if !t.Automatic || t.Type != domain.TransactionInbound {
		return nil
	}
	keys := make([]domain.ReplenishmentKey, 0, len(t.Items))
	for _, it := range t.Items {
		keys = append(keys, domain.ReplenishmentKey{ProductID: it.Product.ID, SKU: it.SKU, LocationID: t.Location.Destination.ID})
	}
	return keys
}

func cloneTransaction(t domain.Transaction) domain.Transaction {
	c := t
	if t.SequenceNumber != nil {
		seq := *t.SequenceNumber
		c.SequenceNumber = &seq
	}
	c.Items = make([]domain.TransactionItem, len(t.Items))
	for i, it := range t.Items {
		c.Items[i] = it
		c.Items[i].Status = append([]domain.ItemStatus(nil), it.Status...)
	}
	return c
}

// MemoryStream is an in-process change feed with the same positioning rules
// as the Redis stream: ids increase, and an empty position means "from now".
type MemoryStream struct {
	mu      sync.Mutex
	events  []domain.ChangeEvent
	seqs    []int64
	lastSeq int64
	maxLen  int
	wake    chan struct{}
}

func NewMemoryStream(maxLen int) *MemoryStream {
	return &MemoryStream{maxLen: maxLen, wake: make(chan struct{})}
}

func (s *MemoryStream) Publish(ctx context.Context, ev domain.ChangeEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq++
	ev.ID = formatStreamID(s.lastSeq)
	s.events = append(s.events, ev)
	s.seqs = append(s.seqs, s.lastSeq)
	if s.maxLen > 0 && len(s.events) > s.maxLen {
		drop := len(s.events) - s.maxLen
		s.events = append([]domain.ChangeEvent(nil), s.events[drop:]...)
		s.seqs = append([]int64(nil), s.seqs[drop:]...)
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return ev.ID, nil
}

func (s *MemoryStream) Open(ctx context.Context, after string) (port.FeedCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.lastSeq
	if after != "" {
		seq, err := parseStreamID(after)
		if err != nil {
			return nil, err
		}
		pos = seq
	}
	return &memoryCursor{stream: s, pos: pos, closed: make(chan struct{})}, nil
}

type memoryCursor struct {
	stream    *MemoryStream
	pos       int64
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memoryCursor) Next(ctx context.Context) (domain.ChangeEvent, error) {
	for {
		s := c.stream
		s.mu.Lock()
		i := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] > c.pos })
		if i < len(s.seqs) {
			ev := s.events[i]
			c.pos = s.seqs[i]
			s.mu.Unlock()
			return ev, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-c.closed:
			return domain.ChangeEvent{}, ErrCursorClosed
		case <-ctx.Done():
			return domain.ChangeEvent{}, ctx.Err()
		}
	}
}

func (c *memoryCursor) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
