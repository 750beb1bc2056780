package saga

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuanFBA/estoque-system/framework/adapters/messagebus"
	"github.com/LuanFBA/estoque-system/framework/transport"
	"github.com/LuanFBA/estoque-system/internal/contract"
	"github.com/LuanFBA/estoque-system/internal/ledger"
	"github.com/LuanFBA/estoque-system/internal/payment"
)

type sentEmail struct {
	to, subject, body string
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []sentEmail
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEmail{to, subject, body})
	return nil
}

func (f *fakeSender) emails() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.sent...)
}

// tap очередь, привязанная ко всем routing keys, для наблюдения за публикациями
const tapQueue = "test_tap"

func newBus(t *testing.T) *messagebus.InMemoryAdapter {
	t.Helper()
	bus := messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	require.NoError(t, contract.Declare(context.Background(), bus))
	require.NoError(t, bus.BindQueue(context.Background(), tapQueue, contract.Exchange, "#"))
	return bus
}

// tapped возвращает routing keys и тела, опубликованные к этому моменту
func tapped(t *testing.T, bus *messagebus.InMemoryAdapter) []transport.Message {
	t.Helper()
	var out []transport.Message
	for bus.QueueDepth(tapQueue) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		err := bus.Consume(ctx, tapQueue, transport.ConsumeOptions{}, func(ctx context.Context, d *transport.Delivery) error {
			out = append(out, d.Message)
			cancel()
			return d.Ack(ctx)
		})
		cancel()
		require.NoError(t, err)
	}
	return out
}

// runN запускает стадию и ждет n итогов
func runN(t *testing.T, bus transport.Bus, queue string, handler Handler, n int) []Record {
	t.Helper()
	records := make(chan Record, n)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := NewRunner(bus, queue, handler, WithObserver(func(r Record) { records <- r }))
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	var got []Record
	for len(got) < n {
		select {
		case r := <-records:
			got = append(got, r)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %d records, got %d", n, len(got))
		}
	}
	cancel()
	require.NoError(t, <-done)
	return got
}

func publish(t *testing.T, bus transport.Publisher, routingKey, body string) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), contract.Exchange, routingKey, []byte(body), nil))
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, d *transport.Delivery) Outcome
}

func (h handlerFunc) Name() string { return h.name }
func (h handlerFunc) Handle(ctx context.Context, d *transport.Delivery) Outcome {
	return h.fn(ctx, d)
}

func TestRunner_LifecycleStates(t *testing.T) {
	bus := newBus(t)
	publish(t, bus, contract.RoutingOrderCreated, `{"orderId":1}`)
	publish(t, bus, contract.RoutingOrderCreated, `{"orderId":2}`)
	publish(t, bus, contract.RoutingOrderCreated, `{"orderId":3}`)

	calls := 0
	handler := handlerFunc{name: "probe", fn: func(ctx context.Context, d *transport.Delivery) Outcome {
		calls++
		switch calls {
		case 1:
			return Success(1)
		case 2:
			return Failure(2, errors.New("boom"))
		default:
			panic("handler exploded")
		}
	}}

	records := runN(t, bus, contract.QueueOrder, handler, 3)

	assert.Equal(t, StateAcknowledgedSuccess, records[0].Final)
	assert.Equal(t, StateAcknowledgedFailure, records[1].Final)
	assert.Equal(t, StateAcknowledgedFailure, records[2].Final)
	assert.Contains(t, records[2].Err.Error(), "handler exploded")

	require.Len(t, records[0].History, 2)
	assert.Equal(t, StateReceived, records[0].History[0].From)
	assert.Equal(t, StateProcessing, records[0].History[0].To)

	assert.Equal(t, 0, bus.QueueDepth(contract.QueueOrder))
	assert.Equal(t, 0, bus.Unacked(contract.QueueOrder), "every delivery is acknowledged")
}

type failingAcker struct{}

func (failingAcker) Ack(ctx context.Context, d *transport.Delivery) error {
	return errors.New("channel closed")
}

func (failingAcker) Nack(ctx context.Context, d *transport.Delivery, requeue bool) error {
	return nil
}

type singleConsumer struct {
	delivery *transport.Delivery
}

func (c singleConsumer) Consume(ctx context.Context, queue string, opts transport.ConsumeOptions, handler transport.DeliveryHandler) error {
	if opts.Prefetch != 1 {
		return errors.New("prefetch must be 1")
	}
	return handler(ctx, c.delivery)
}

func TestRunner_AckFailureIsTransportError(t *testing.T) {
	d := transport.NewDelivery(transport.Message{RoutingKey: "order.created", Body: []byte(`{}`)}, contract.QueueOrder, 1, false, failingAcker{})
	runner := NewRunner(singleConsumer{delivery: d}, contract.QueueOrder, handlerFunc{name: "probe", fn: func(context.Context, *transport.Delivery) Outcome {
		return Success(0)
	}})

	err := runner.Run(context.Background())
	assert.True(t, errors.Is(err, transport.ErrTransport))
}

func TestRelay_RepublishesIdenticalBody(t *testing.T) {
	bus := newBus(t)
	body := `{"orderId":7,"email":"a@b.com","items":[{"productId":1,"quantity":1}],"coupon":"X"}`
	publish(t, bus, contract.RoutingOrderCreated, body)
	_ = tapped(t, bus)

	records := runN(t, bus, contract.QueueOrder, NewRelay(contract.NewEmitter(bus, nil)), 1)
	assert.Equal(t, int64(7), records[0].OrderID)

	out := tapped(t, bus)
	require.Len(t, out, 1)
	assert.Equal(t, contract.RoutingPaymentProcessing, out[0].RoutingKey)
	assert.Equal(t, body, string(out[0].Body))
}

func TestRelay_MalformedPayloadStops(t *testing.T) {
	bus := newBus(t)
	publish(t, bus, contract.RoutingOrderCreated, `{not json`)
	_ = tapped(t, bus)

	records := runN(t, bus, contract.QueueOrder, NewRelay(contract.NewEmitter(bus, nil)), 1)
	assert.Equal(t, StateAcknowledgedFailure, records[0].Final)
	assert.Error(t, records[0].Err)
	assert.Empty(t, tapped(t, bus))
	assert.Equal(t, 0, bus.QueueDepth(contract.QueuePayment))
	assert.Equal(t, 0, bus.Unacked(contract.QueueOrder))
}

func TestPaymentStage(t *testing.T) {
	body := `{"orderId":1,"email":"a@b.com","items":[{"productId":1,"quantity":1}]}`
	declined := payment.GatewayFunc(func(context.Context, contract.OrderEvent) error { return errors.New("card declined") })

	tests := []struct {
		name        string
		gateway     payment.Gateway
		attach      bool
		wantKey     string
		wantReason  string
		wantSameRaw bool
	}{
		{"approved", payment.ApproveAll{}, false, contract.RoutingPaymentCompleted, "", true},
		{"declined keeps payload", declined, false, contract.RoutingPaymentFailed, "", true},
		{"declined with reason", declined, true, contract.RoutingPaymentFailed, "card declined", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newBus(t)
			publish(t, bus, contract.RoutingPaymentProcessing, body)
			_ = tapped(t, bus)

			stage := NewPaymentStage(tt.gateway, contract.NewEmitter(bus, nil), tt.attach, nil)
			records := runN(t, bus, contract.QueuePayment, stage, 1)
			assert.Equal(t, StateAcknowledgedSuccess, records[0].Final)

			out := tapped(t, bus)
			require.Len(t, out, 1)
			assert.Equal(t, tt.wantKey, out[0].RoutingKey)
			if tt.wantSameRaw {
				assert.Equal(t, body, string(out[0].Body))
			}
			event, err := contract.Decode(out[0].Body)
			require.NoError(t, err)
			assert.Contains(t, event.Reason, tt.wantReason)
			assert.Equal(t, int64(1), event.OrderID)
		})
	}
}

func TestPaymentStage_MalformedPayloadIsAcked(t *testing.T) {
	bus := newBus(t)
	publish(t, bus, contract.RoutingPaymentProcessing, `{not json`)
	_ = tapped(t, bus)

	records := runN(t, bus, contract.QueuePayment, NewPaymentStage(payment.ApproveAll{}, contract.NewEmitter(bus, nil), false, nil), 1)
	assert.Equal(t, StateAcknowledgedFailure, records[0].Final)
	assert.Empty(t, tapped(t, bus))
	assert.Equal(t, 0, bus.Unacked(contract.QueuePayment))
}

func TestStockStage_ReservesAndPublishesProcessed(t *testing.T) {
	bus := newBus(t)
	l := ledger.NewMemoryLedger()
	p, err := l.CreateProduct(context.Background(), ledger.NewProduct{Name: "P1", QuantityOnHand: 100})
	require.NoError(t, err)

	publish(t, bus, contract.RoutingPaymentCompleted, `{"orderId":4,"email":"a@b.com","items":[{"productId":1,"quantity":10}]}`)
	_ = tapped(t, bus)

	records := runN(t, bus, contract.QueueStock, NewStockStage(l, contract.NewEmitter(bus, nil), nil, nil), 1)
	assert.Equal(t, StateAcknowledgedSuccess, records[0].Final)

	got, _ := l.GetProduct(context.Background(), p.ID)
	assert.Equal(t, 90, got.QuantityOnHand)

	out := tapped(t, bus)
	require.Len(t, out, 1)
	assert.Equal(t, contract.RoutingOrderProcessed, out[0].RoutingKey)
	assert.JSONEq(t, `{"orderId":4,"email":"a@b.com","items":[{"productId":1,"quantity":10}]}`, string(out[0].Body))
}

// payment.completed с несуществующим товаром: ошибка в логе, доставка подтверждена, order.processed нет
func TestStockStage_UnknownProduct(t *testing.T) {
	bus := newBus(t)
	publish(t, bus, contract.RoutingPaymentCompleted, `{"orderId":1,"email":"a@b.com","items":[{"productId":999,"quantity":1}]}`)
	_ = tapped(t, bus)

	records := runN(t, bus, contract.QueueStock, NewStockStage(ledger.NewMemoryLedger(), contract.NewEmitter(bus, nil), nil, nil), 1)

	assert.Equal(t, StateAcknowledgedFailure, records[0].Final)
	assert.ErrorIs(t, records[0].Err, ledger.ErrProductNotFound)
	assert.Equal(t, 0, bus.Unacked(contract.QueueStock))
	assert.Equal(t, 0, bus.QueueDepth(contract.QueueStock))
	assert.Empty(t, tapped(t, bus))
}

// payment.failed с причиной: письмо содержит причину, тема ссылается на заказ
func TestNotificationStage_PaymentFailed(t *testing.T) {
	bus := newBus(t)
	sender := &fakeSender{}
	publish(t, bus, contract.RoutingPaymentFailed, `{"orderId":1,"email":"a@b.com","reason":"card declined"}`)

	records := runN(t, bus, contract.QueueNotify, NewNotificationStage(sender, "", nil, nil), 1)
	assert.Equal(t, StateAcknowledgedSuccess, records[0].Final)

	emails := sender.emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "a@b.com", emails[0].to)
	assert.Contains(t, emails[0].body, "card declined")
	assert.Contains(t, emails[0].subject, "#1")
}

func TestNotificationStage_Routing(t *testing.T) {
	bus := newBus(t)
	sender := &fakeSender{}
	publish(t, bus, contract.RoutingOrderProcessed, `{"orderId":5}`)
	publish(t, bus, contract.RoutingPaymentFailed, `{"order_id":6,"email":"x@y.z"}`)

	records := runN(t, bus, contract.QueueNotify, NewNotificationStage(sender, "fallback@example.com", nil, nil), 2)
	assert.Equal(t, StateAcknowledgedSuccess, records[0].Final)
	assert.Equal(t, StateAcknowledgedSuccess, records[1].Final)

	emails := sender.emails()
	require.Len(t, emails, 2)
	assert.Equal(t, "fallback@example.com", emails[0].to)
	assert.Equal(t, "Order #5 processed successfully", emails[0].subject)
	assert.Equal(t, "x@y.z", emails[1].to)
	assert.Contains(t, emails[1].body, "Reason not provided")
}

func TestNotificationStage_SendFailureIsAcked(t *testing.T) {
	bus := newBus(t)
	sender := &fakeSender{err: errors.New("smtp down")}
	publish(t, bus, contract.RoutingOrderProcessed, `{"orderId":5,"email":"a@b.com"}`)

	records := runN(t, bus, contract.QueueNotify, NewNotificationStage(sender, "", nil, nil), 1)
	assert.Equal(t, StateAcknowledgedFailure, records[0].Final)
	assert.Contains(t, records[0].Err.Error(), "smtp down")
	assert.Equal(t, 0, bus.Unacked(contract.QueueNotify))
}

func TestNotificationStage_UnknownRoutingKey(t *testing.T) {
	stage := NewNotificationStage(&fakeSender{}, "", nil, nil)
	d := transport.NewDelivery(transport.Message{RoutingKey: "order.created", Body: []byte(`{"orderId":1}`)}, contract.QueueNotify, 1, false, nil)

	outcome := stage.Handle(context.Background(), d)
	assert.ErrorIs(t, outcome.Err, ErrUnknownRoutingKey)
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus := newBus(t)
	emitter := contract.NewEmitter(bus, nil)
	l := ledger.NewMemoryLedger()
	stocked, err := l.CreateProduct(ctx, ledger.NewProduct{Name: "P1", QuantityOnHand: 3})
	require.NoError(t, err)

	sender := &fakeSender{}
	gateway := payment.GatewayFunc(func(ctx context.Context, e contract.OrderEvent) error {
		if e.OrderID == 2 {
			return errors.New("card declined")
		}
		return nil
	})

	var mu sync.Mutex
	finished := map[string]int{}
	observer := func(r Record) {
		mu.Lock()
		finished[r.Stage]++
		mu.Unlock()
	}

	runners := []*Runner{
		NewRunner(bus, contract.QueueOrder, NewRelay(emitter), WithObserver(observer)),
		NewRunner(bus, contract.QueuePayment, NewPaymentStage(gateway, emitter, true, nil), WithObserver(observer)),
		NewRunner(bus, contract.QueueStock, NewStockStage(l, emitter, nil, nil), WithObserver(observer)),
		NewRunner(bus, contract.QueueNotify, NewNotificationStage(sender, "", nil, nil), WithObserver(observer)),
	}
	workers := make([]*Worker, 0, len(runners))
	for _, r := range runners {
		w := NewWorker(r)
		require.NoError(t, w.Start(ctx))
		workers = append(workers, w)
	}
	defer func() {
		for _, w := range workers {
			assert.NoError(t, w.Stop(context.Background()))
		}
	}()

	// 1: оплачен и зарезервирован; 2: отказ в оплате; 3: оплачен, но товара не хватает
	publish(t, bus, contract.RoutingOrderCreated, `{"orderId":1,"email":"one@example.com","items":[{"productId":1,"quantity":2}]}`)
	publish(t, bus, contract.RoutingOrderCreated, `{"orderId":2,"email":"two@example.com","items":[{"productId":1,"quantity":1}]}`)
	publish(t, bus, contract.RoutingOrderCreated, `{"orderId":3,"email":"three@example.com","items":[{"productId":1,"quantity":2}]}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finished[StageOrder] == 3 && finished[StagePayment] == 3 &&
			finished[StageStock] == 2 && finished[StageNotify] == 2
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := l.GetProduct(ctx, stocked.ID)
	assert.Equal(t, 1, got.QuantityOnHand)

	var subjects []string
	for _, e := range sender.emails() {
		subjects = append(subjects, e.subject)
	}
	assert.ElementsMatch(t, []string{"Order #1 processed successfully", "Payment for order #2 failed"}, subjects)
	for _, e := range sender.emails() {
		if strings.HasPrefix(e.subject, "Payment") {
			assert.Contains(t, e.body, "card declined")
		}
	}
}

func TestWorker_Lifecycle(t *testing.T) {
	bus := newBus(t)
	w := NewWorker(NewRunner(bus, contract.QueueOrder, NewRelay(contract.NewEmitter(bus, nil))))

	assert.Equal(t, "stage-order", w.Name())
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	assert.Eventually(t, w.IsRunning, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	<-w.Done()
	assert.False(t, w.IsRunning())
	assert.NoError(t, w.Err())
}

// gatedLedger блокирует Reserve, пока не закрыт release
type gatedLedger struct {
	ledger.Ledger
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) Reserve(ctx context.Context, items []contract.Item) ([]ledger.StockMovement, error) {
	close(g.entered)
	<-g.release
	return g.Ledger.Reserve(ctx, items)
}

func TestWorker_StopFinishesInflightDelivery(t *testing.T) {
	bus := newBus(t)
	mem := ledger.NewMemoryLedger()
	p, err := mem.CreateProduct(context.Background(), ledger.NewProduct{Name: "P1", QuantityOnHand: 100})
	require.NoError(t, err)
	gated := &gatedLedger{Ledger: mem, entered: make(chan struct{}), release: make(chan struct{})}

	publish(t, bus, contract.RoutingPaymentCompleted, `{"orderId":5,"email":"a@b.com","items":[{"productId":1,"quantity":10}]}`)
	_ = tapped(t, bus)

	records := make(chan Record, 1)
	stage := NewStockStage(gated, contract.NewEmitter(bus, nil), nil, nil)
	w := NewWorker(NewRunner(bus, contract.QueueStock, stage, WithObserver(func(r Record) { records <- r })))
	require.NoError(t, w.Start(context.Background()))

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stock stage never reached Reserve")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the delivery finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	require.NoError(t, <-stopped)

	record := <-records
	assert.Equal(t, StateAcknowledgedSuccess, record.Final)
	assert.NoError(t, record.Err)

	got, err := mem.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, got.QuantityOnHand)

	out := tapped(t, bus)
	require.Len(t, out, 1)
	assert.Equal(t, contract.RoutingOrderProcessed, out[0].RoutingKey)
	assert.Equal(t, 0, bus.QueueDepth(contract.QueueStock))
	assert.Equal(t, 0, bus.Unacked(contract.QueueStock))
}
