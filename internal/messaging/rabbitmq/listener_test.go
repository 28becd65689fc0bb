package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// fakeAcker records which terminal op the listener picked for a delivery.
type fakeAcker struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
	reject  bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reject = true
	a.requeue = requeue
	return nil
}

type fakeDLQ struct {
	parked  []string // reasons, in order
	failErr error
}

func (f *fakeDLQ) PublishToDLQ(ctx context.Context, queue string, d amqp.Delivery, reason string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.parked = append(f.parked, reason)
	return nil
}

func newTestListener(dlq *fakeDLQ, maxRetries int, h Handler) *Listener {
	return &Listener{
		dlq:     dlq,
		cfg:     ListenerConfig{Queue: "core.auth.rpc.register.v1", MaxRetries: maxRetries},
		handler: h,
		lg:      zerolog.Nop(),
	}
}

func delivery(body string, deaths int) (amqp.Delivery, *fakeAcker) {
	ack := &fakeAcker{}
	d := amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(body),
		ContentType:  "application/json",
	}
	if deaths > 0 {
		d.Headers = amqp.Table{
			"x-death": []interface{}{
				amqp.Table{"count": int64(deaths), "queue": "core.auth.rpc.register.v1"},
			},
		}
	}
	return d, ack
}

func TestProcessSuccessAcks(t *testing.T) {
	dlq := &fakeDLQ{}
	called := false
	l := newTestListener(dlq, 3, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		called = true
		return nil
	}))

	d, ack := delivery(`{"username":"u"}`, 0)
	l.process(context.Background(), d)

	if !called {
		t.Fatal("handler not invoked")
	}
	if !ack.acked || ack.nacked || ack.reject {
		t.Fatalf("want plain ack, got %+v", ack)
	}
	if len(dlq.parked) != 0 {
		t.Fatalf("nothing should be parked: %v", dlq.parked)
	}
}

func TestProcessHandlerErrorRejectsWithoutRequeue(t *testing.T) {
	dlq := &fakeDLQ{}
	l := newTestListener(dlq, 3, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		return errors.New("db down")
	}))

	d, ack := delivery(`{"username":"u"}`, 1)
	l.process(context.Background(), d)

	if !ack.reject {
		t.Fatal("want reject")
	}
	if ack.requeue {
		t.Fatal("reject must not requeue; the DLX cycle owns redelivery")
	}
	if len(dlq.parked) != 0 {
		t.Fatalf("retriable failure must not park: %v", dlq.parked)
	}
}

func TestProcessBudgetExhaustedParksAndAcks(t *testing.T) {
	dlq := &fakeDLQ{}
	called := false
	l := newTestListener(dlq, 3, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		called = true
		return nil
	}))

	d, ack := delivery(`{"username":"u"}`, 3)
	l.process(context.Background(), d)

	if called {
		t.Fatal("handler must not run once the budget is spent")
	}
	if len(dlq.parked) != 1 || dlq.parked[0] != "retry_budget_exhausted" {
		t.Fatalf("parked = %v", dlq.parked)
	}
	if !ack.acked {
		t.Fatal("delivery must be acked after parking")
	}
}

func TestProcessBudgetBelowLimitStillRuns(t *testing.T) {
	dlq := &fakeDLQ{}
	called := false
	l := newTestListener(dlq, 3, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		called = true
		return nil
	}))

	d, ack := delivery(`{"username":"u"}`, 2)
	l.process(context.Background(), d)

	if !called || !ack.acked {
		t.Fatalf("delivery with budget left should be handled: called=%v ack=%+v", called, ack)
	}
}

func TestProcessMalformedJSONParksWithoutHandler(t *testing.T) {
	dlq := &fakeDLQ{}
	l := newTestListener(dlq, 3, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		t.Fatal("handler must not see a non-JSON body")
		return nil
	}))

	d, ack := delivery(`{"broken`, 0)
	l.process(context.Background(), d)

	if len(dlq.parked) != 1 || dlq.parked[0] != "malformed_json" {
		t.Fatalf("parked = %v", dlq.parked)
	}
	if !ack.acked {
		t.Fatal("poison delivery must be acked after parking")
	}
}

func TestProcessPoisonErrorParks(t *testing.T) {
	dlq := &fakeDLQ{}
	l := newTestListener(dlq, 3, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		return Poison(errors.New("unknown shape"))
	}))

	d, ack := delivery(`{"username":"u"}`, 0)
	l.process(context.Background(), d)

	if len(dlq.parked) != 1 || dlq.parked[0] != "invalid_payload" {
		t.Fatalf("parked = %v", dlq.parked)
	}
	if !ack.acked {
		t.Fatal("want ack after parking")
	}
}

func TestProcessDLQFailureRequeues(t *testing.T) {
	dlq := &fakeDLQ{failErr: errors.New("broker hiccup")}
	l := newTestListener(dlq, 3, nil)

	d, ack := delivery(`{"broken`, 0)
	l.process(context.Background(), d)

	if !ack.nacked || !ack.requeue {
		t.Fatalf("failed park must requeue the delivery: %+v", ack)
	}
}

func TestProcessZeroMaxRetriesStillHandlesFirstDelivery(t *testing.T) {
	dlq := &fakeDLQ{}
	called := false
	l := newTestListener(dlq, 0, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		called = true
		return nil
	}))

	d, ack := delivery(`{}`, 0)
	l.process(context.Background(), d)

	if !called || !ack.acked {
		t.Fatalf("zero budget still gets one attempt: called=%v ack=%+v", called, ack)
	}
	if len(dlq.parked) != 0 {
		t.Fatalf("success must not park: %v", dlq.parked)
	}
}

func TestProcessZeroMaxRetriesParksFirstFailure(t *testing.T) {
	dlq := &fakeDLQ{}
	l := newTestListener(dlq, 0, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		return errors.New("db down")
	}))

	d, ack := delivery(`{}`, 0)
	l.process(context.Background(), d)

	if ack.reject {
		t.Fatal("no retry cycle to reject into")
	}
	if len(dlq.parked) != 1 || dlq.parked[0] != "retry_budget_exhausted" {
		t.Fatalf("parked = %v", dlq.parked)
	}
	if !ack.acked {
		t.Fatal("delivery must be acked after parking")
	}
}

func TestDeathCount(t *testing.T) {
	cases := []struct {
		name string
		h    amqp.Table
		want int
	}{
		{"nil headers", nil, 0},
		{"no x-death", amqp.Table{}, 0},
		{"empty list", amqp.Table{"x-death": []interface{}{}}, 0},
		{"int64 count", amqp.Table{"x-death": []interface{}{amqp.Table{"count": int64(4)}}}, 4},
		{"int32 count", amqp.Table{"x-death": []interface{}{amqp.Table{"count": int32(2)}}}, 2},
		{"first entry wins", amqp.Table{"x-death": []interface{}{
			amqp.Table{"count": int64(3)},
			amqp.Table{"count": int64(9)},
		}}, 3},
		{"garbage entry", amqp.Table{"x-death": []interface{}{"nope"}}, 0},
		{"garbage count", amqp.Table{"x-death": []interface{}{amqp.Table{"count": "nope"}}}, 0},
	}

	for _, tc := range cases {
		if got := deathCount(tc.h); got != tc.want {
			t.Errorf("%s: deathCount = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestProcessBestEffortAcksHandlerFailure(t *testing.T) {
	dlq := &fakeDLQ{}
	l := newTestListener(dlq, 0, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		return errors.New("slow client")
	}))
	l.cfg.BestEffort = true

	d, ack := delivery(`{"topic":"chat.message"}`, 0)
	l.process(context.Background(), d)

	if !ack.acked || ack.reject || ack.nacked {
		t.Fatalf("best-effort failure must ack, got %+v", ack)
	}
	if len(dlq.parked) != 0 {
		t.Fatalf("best-effort must never park: %v", dlq.parked)
	}
}

func TestProcessBestEffortAcksMalformedJSON(t *testing.T) {
	dlq := &fakeDLQ{}
	l := newTestListener(dlq, 0, HandlerFunc(func(ctx context.Context, d amqp.Delivery) error {
		t.Fatal("handler must not see a non-JSON body")
		return nil
	}))
	l.cfg.BestEffort = true

	d, ack := delivery(`{"broken`, 0)
	l.process(context.Background(), d)

	if !ack.acked {
		t.Fatal("best-effort malformed body must be acked")
	}
	if len(dlq.parked) != 0 {
		t.Fatalf("best-effort must never park: %v", dlq.parked)
	}
}

func TestIsPoison(t *testing.T) {
	if !IsPoison(Poison(errors.New("bad shape"))) {
		t.Fatal("Poison-wrapped error should be poison")
	}
	if !IsPoison(fmt.Errorf("handler: %w", Poison(errors.New("bad shape")))) {
		t.Fatal("wrapped poison should still be poison")
	}
	if IsPoison(errors.New("db down")) {
		t.Fatal("plain error must not be poison")
	}
	if IsPoison(nil) {
		t.Fatal("nil is not poison")
	}
}
