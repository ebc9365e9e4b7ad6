package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/idempotency"
	"mailqueue/internal/models"
	"mailqueue/internal/queue"
)

// fakeClock is a movable time source for walking through backoff windows.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().Add(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubTransport records calls and fails the first failUntil sends.
type stubTransport struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	err       error
}

func (s *stubTransport) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failUntil {
		return "", s.err
	}
	return "<stub-msg-id>", nil
}

func (s *stubTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fixture wires an enqueuer and processor over one in-memory store.
type fixture struct {
	store     *db.Memory
	ledger    *idempotency.Ledger
	enqueuer  *queue.Enqueuer
	processor *queue.Processor
	transport *stubTransport
	clock     *fakeClock
}

func newFixture(opts ...queue.ProcessorOption) *fixture {
	store := db.NewMemory()
	log := zap.NewNop()
	ledger := idempotency.NewLedger(store, log)
	transport := &stubTransport{}
	clock := newFakeClock()

	opts = append([]queue.ProcessorOption{queue.WithClock(clock.Now)}, opts...)

	return &fixture{
		store:     store,
		ledger:    ledger,
		enqueuer:  queue.NewEnqueuer(store, ledger, log),
		processor: queue.NewProcessor(store, ledger, email.NewRegistry(), transport, log, opts...),
		transport: transport,
		clock:     clock,
	}
}

func receiptRequest(uniqueID string) queue.EnqueueRequest {
	data, _ := json.Marshal(email.PaymentReceiptData{
		Name:      "Dana",
		InvoiceID: uniqueID,
		Amount:    "29.00",
		Currency:  "USD",
		PaidAt:    "2025-06-01",
	})

	return queue.EnqueueRequest{
		UserID:           "u1",
		EmailTo:          "a@x.com",
		EmailType:        models.TypePaymentReceipt,
		Subject:          "Your receipt",
		TemplateData:     data,
		UniqueIdentifier: uniqueID,
	}
}
