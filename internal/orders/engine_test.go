package orders

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"orderflow/internal/activities"
	"orderflow/internal/orders/saga"
)

type fakeActivities struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	calls    []string
	inputs   map[string][]json.RawMessage
}

func newFakeActivities() *fakeActivities {
	f := &fakeActivities{
		handlers: make(map[string]func(context.Context, json.RawMessage) (json.RawMessage, error)),
		inputs:   make(map[string][]json.RawMessage),
	}
	stub := activities.StubTable(func(string, ...any) {})
	for name, fn := range stub {
		f.handlers[name] = fn
	}
	return f
}

func (f *fakeActivities) set(activity string, fn func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[activity] = fn
}

func (f *fakeActivities) respond(activity, body string) {
	f.set(activity, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	})
}

func (f *fakeActivities) Invoke(ctx context.Context, activity string, input json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, activity)
	f.inputs[activity] = append(f.inputs[activity], input)
	fn := f.handlers[activity]
	f.mu.Unlock()
	if fn == nil {
		return nil, &activities.TransportError{Activity: activity, Err: activities.ErrUnknownActivity}
	}
	return fn(ctx, input)
}

func (f *fakeActivities) callsTo(activity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == activity {
			n++
		}
	}
	return n
}

func (f *fakeActivities) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testRetry() activities.RetryPolicy {
	return activities.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

func newTestEngine(t *testing.T, store saga.InstanceStore, client ActivityClient, mutate ...func(*EngineConfig)) *Engine {
	t.Helper()

	cfg := EngineConfig{
		Store:      store,
		Activities: client,
		Retry:      testRetry(),
		Now:        func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
		Logf:       func(string, ...any) {},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func waitTerminal(t *testing.T, engine *Engine, id string) saga.Instance {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		inst, err := engine.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if inst.Terminal && engine.idle(id) {
			rec, err := engine.store.Load(context.Background(), id)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if rec.Status == inst.Status {
				return inst
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance %s did not finish: %+v", id, inst)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *Engine) idle(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.active[id]
	return !busy
}

func steps(history []saga.StepOutcome) []string {
	out := make([]string, 0, len(history))
	for _, h := range history {
		out = append(out, h.Step)
	}
	return out
}

func orderInput() saga.OrderInput {
	return saga.OrderInput{ItemID: "sku-1", Qty: 2, Amount: 20.00}
}

func TestEngine_HappyPathCompletes(t *testing.T) {
	store := NewMemoryStore()
	client := newFakeActivities()
	engine := newTestEngine(t, store, client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected generated id %q", id)
	}

	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.Reason)
	}
	if len(inst.History) != 5 {
		t.Fatalf("expected 5 history entries, got %v", steps(inst.History))
	}
	last := inst.History[4]
	if last.Step != saga.StepNotify {
		t.Fatalf("expected final notify, got %s", last.Step)
	}
	var note activities.Notification
	if err := json.Unmarshal(last.Input, &note); err != nil {
		t.Fatalf("decode notify: %v", err)
	}
	if !strings.Contains(note.Message, "completed") || !strings.Contains(note.Message, id) {
		t.Fatalf("unexpected completion message %q", note.Message)
	}
	if inst.Input.OrderID != id {
		t.Fatalf("expected order id to default to instance id, got %q", inst.Input.OrderID)
	}

	rec, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Status != saga.StatusCompleted {
		t.Fatalf("expected stored status completed, got %s", rec.Status)
	}
}

func TestEngine_ApprovalRejectionSkipsPayment(t *testing.T) {
	client := newFakeActivities()
	client.respond(activities.RequestApproval, `{"approved":false,"note":"over limit"}`)
	engine := newTestEngine(t, NewMemoryStore(), client)

	input := orderInput()
	input.OrderID = "order-42"
	id, err := engine.Start(context.Background(), input)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "order-42" {
		t.Fatalf("expected supplied id, got %q", id)
	}

	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusRejected || inst.Reason != saga.ReasonNotApproved {
		t.Fatalf("expected Rejected(NotApproved), got %s(%s)", inst.Status, inst.Reason)
	}
	for _, h := range inst.History {
		if h.Step == saga.StepProcessPayment {
			t.Fatalf("payment must not be recorded: %v", steps(inst.History))
		}
	}
	if client.callsTo(activities.ProcessPayment) != 0 {
		t.Fatalf("payment must not be invoked")
	}

	var note activities.Notification
	_ = json.Unmarshal(inst.History[len(inst.History)-1].Input, &note)
	if note.Message != "Order order-42 rejected: not approved." {
		t.Fatalf("unexpected notify message %q", note.Message)
	}
}

func TestEngine_InventoryShortCircuits(t *testing.T) {
	client := newFakeActivities()
	client.respond(activities.VerifyInventory, `{"ok":false,"message":"out of stock"}`)
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusRejected || inst.Reason != saga.ReasonNoInventory {
		t.Fatalf("expected Rejected(NoInventory), got %s(%s)", inst.Status, inst.Reason)
	}
	got := strings.Join(client.callLog(), ",")
	if got != activities.VerifyInventory+","+activities.Notify {
		t.Fatalf("unexpected calls %s", got)
	}
}

func TestEngine_PaymentDeclinedRejects(t *testing.T) {
	client := newFakeActivities()
	client.respond(activities.ProcessPayment, `{"paid":false}`)
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusRejected || inst.Reason != saga.ReasonPaymentFailed {
		t.Fatalf("expected Rejected(PaymentFailed), got %s(%s)", inst.Status, inst.Reason)
	}
	if client.callsTo(activities.UpdateInventory) != 0 {
		t.Fatalf("inventory must not be decremented after a declined payment")
	}
}

func TestEngine_ResumeInvokesOnlyRemainingSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	input := orderInput()
	input.OrderID = "resume01"
	if err := store.Create(ctx, "resume01", input); err != nil {
		t.Fatalf("create: %v", err)
	}
	for seq, entry := range []struct{ step, activity, result string }{
		{saga.StepVerifyInventory, activities.VerifyInventory, `{"ok":true}`},
		{saga.StepRequestApproval, activities.RequestApproval, `{"approved":true}`},
	} {
		if err := store.Append(ctx, "resume01", saga.StepOutcome{
			Seq: seq, Step: entry.step, Activity: entry.activity, Result: json.RawMessage(entry.result), Success: true,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	client := newFakeActivities()
	engine := newTestEngine(t, store, client)
	if err := engine.ResumeRunning(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	inst, err := engine.GetStatus(ctx, "resume01")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inst.Status != saga.StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	got := client.callLog()
	if len(got) != 3 || got[0] != activities.ProcessPayment {
		t.Fatalf("expected ProcessPayment first and no earlier steps, got %v", got)
	}
	if client.callsTo(activities.VerifyInventory) != 0 || client.callsTo(activities.RequestApproval) != 0 {
		t.Fatalf("recorded steps must not be re-invoked: %v", got)
	}

	running, err := store.ListRunning(ctx)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected nothing running, got %v", running)
	}
}

func TestEngine_ConcurrentStartSameID(t *testing.T) {
	engine := newTestEngine(t, NewMemoryStore(), newFakeActivities())

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			input := orderInput()
			input.OrderID = "same-id"
			_, err := engine.Start(context.Background(), input)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, saga.ErrInstanceConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 start and %d conflicts, got %d and %d", callers-1, ok, conflicts)
	}
	waitTerminal(t, engine, "same-id")
}

func TestEngine_TransportExhaustionFails(t *testing.T) {
	client := newFakeActivities()
	client.set(activities.ProcessPayment, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	})
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusFailed {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	if !strings.Contains(inst.Reason, "connection refused") {
		t.Fatalf("expected transport cause in reason, got %q", inst.Reason)
	}
	if n := client.callsTo(activities.ProcessPayment); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if client.callsTo(activities.Notify) != 0 {
		t.Fatalf("failed instances are not notified")
	}
	last := inst.History[len(inst.History)-1]
	if last.Step != saga.StepProcessPayment || last.Error == "" || last.Success {
		t.Fatalf("unexpected final entry %+v", last)
	}
}

func TestEngine_TransientFailureIsRetried(t *testing.T) {
	client := newFakeActivities()
	var attempts int
	client.set(activities.VerifyInventory, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("timeout")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.Reason)
	}
	if inst.History[0].Error != "" || !inst.History[0].Success {
		t.Fatalf("retried step should record the successful outcome: %+v", inst.History[0])
	}
}

func TestEngine_MalformedResultIsRetriedThenFails(t *testing.T) {
	client := newFakeActivities()
	client.respond(activities.RequestApproval, `{"approved":`)
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusFailed {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	if client.callsTo(activities.RequestApproval) != 3 {
		t.Fatalf("expected malformed results to be retried")
	}
}

func TestEngine_NotifyFailureDoesNotChangeOutcome(t *testing.T) {
	client := newFakeActivities()
	client.set(activities.Notify, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("smtp down")
	})
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if client.callsTo(activities.Notify) != 1 {
		t.Fatalf("notify is attempted once")
	}
	if inst.History[4].Error == "" {
		t.Fatalf("expected notify failure to be recorded")
	}
}

func TestEngine_UpdateInventoryNotOkStillCompletes(t *testing.T) {
	client := newFakeActivities()
	client.respond(activities.UpdateInventory, `{"ok":false}`)
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst := waitTerminal(t, engine, id)
	if inst.Status != saga.StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if inst.History[3].Success {
		t.Fatalf("expected update-inventory outcome to record ok=false")
	}
}

func TestEngine_StatusIsMonotonic(t *testing.T) {
	var mu sync.Mutex
	var statuses []saga.Status
	observer := ObserverFunc(func(_ context.Context, ev saga.Event) {
		if ev.Outcome != nil {
			return
		}
		mu.Lock()
		statuses = append(statuses, ev.Status)
		mu.Unlock()
	})

	store := NewMemoryStore()
	engine := newTestEngine(t, store, newFakeActivities(), func(cfg *EngineConfig) {
		cfg.Observers = []Observer{observer}
	})
	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, engine, id)

	if err := engine.Advance(context.Background(), id); err != nil {
		t.Fatalf("advance terminal instance: %v", err)
	}
	if err := store.Append(context.Background(), id, saga.StepOutcome{Seq: 5, Step: saga.StepNotify}); !errors.Is(err, saga.ErrInstanceConflict) {
		t.Fatalf("expected terminal instance to reject appends, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != saga.StatusRunning || statuses[1] != saga.StatusCompleted {
		t.Fatalf("expected Running then Completed, got %v", statuses)
	}
}

func TestEngine_AdvanceIsExclusive(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	client := newFakeActivities()
	client.set(activities.VerifyInventory, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	engine := newTestEngine(t, NewMemoryStore(), client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first step never started")
	}

	if err := engine.Advance(context.Background(), id); !errors.Is(err, ErrInstanceBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	close(release)
	waitTerminal(t, engine, id)
	if n := client.callsTo(activities.VerifyInventory); n != 1 {
		t.Fatalf("expected a single inventory call, got %d", n)
	}
}

type fakeLocker struct {
	acquired bool
	released int
	lose     context.CancelCauseFunc
}

func (l *fakeLocker) TryLock(ctx context.Context, _ string) (context.Context, func(context.Context) error, bool, error) {
	if !l.acquired {
		return nil, nil, false, nil
	}
	held, cancel := context.WithCancelCause(ctx)
	l.lose = cancel
	return held, func(context.Context) error { l.released++; cancel(nil); return nil }, true, nil
}

func TestEngine_DistributedLockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, "locked01", orderInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	locker := &fakeLocker{}
	client := newFakeActivities()
	engine := newTestEngine(t, store, client, func(cfg *EngineConfig) { cfg.Locker = locker })

	if err := engine.Advance(ctx, "locked01"); !errors.Is(err, ErrInstanceBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if len(client.callLog()) != 0 {
		t.Fatalf("no activity may run without the lock")
	}

	locker.acquired = true
	if err := engine.Advance(ctx, "locked01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if locker.released != 1 {
		t.Fatalf("expected lock release, got %d", locker.released)
	}
}

func TestEngine_LostLockStopsAdvance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, "lost0001", orderInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	locker := &fakeLocker{acquired: true}
	client := newFakeActivities()
	client.set(activities.VerifyInventory, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		locker.lose(errors.New("taken over"))
		<-ctx.Done()
		return nil, ctx.Err()
	})
	engine := newTestEngine(t, store, client, func(cfg *EngineConfig) { cfg.Locker = locker })

	if err := engine.Advance(ctx, "lost0001"); !errors.Is(err, ErrInstanceBusy) {
		t.Fatalf("expected busy after losing the lock, got %v", err)
	}
	if locker.released != 1 {
		t.Fatalf("expected lock release, got %d", locker.released)
	}
	inst, err := engine.GetStatus(ctx, "lost0001")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if inst.Status != saga.StatusRunning || len(inst.History) != 0 {
		t.Fatalf("interrupted step must not be recorded, got %s with %d entries", inst.Status, len(inst.History))
	}
}

func TestEngine_ShutdownLeavesInstanceResumable(t *testing.T) {
	store := NewMemoryStore()
	entered := make(chan struct{}, 1)
	client := newFakeActivities()
	client.set(activities.VerifyInventory, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	engine := newTestEngine(t, store, client)

	id, err := engine.Start(context.Background(), orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := engine.Start(context.Background(), orderInput()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected closed engine, got %v", err)
	}

	inst, err := engine.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inst.Status != saga.StatusRunning || len(inst.History) != 0 {
		t.Fatalf("expected untouched running instance, got %s with %d entries", inst.Status, len(inst.History))
	}

	restarted := newTestEngine(t, store, newFakeActivities())
	if err := restarted.ResumeRunning(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	inst, err = restarted.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if inst.Status != saga.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", inst.Status)
	}
}

func TestEngine_GeneratedIDCollisionRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, "aaaaaaaa", orderInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	ids := []string{"aaaaaaaa", "bbbbbbbb"}
	engine := newTestEngine(t, store, newFakeActivities(), func(cfg *EngineConfig) {
		cfg.NewID = func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	id, err := engine.Start(ctx, orderInput())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "bbbbbbbb" {
		t.Fatalf("expected second generated id, got %q", id)
	}
	waitTerminal(t, engine, id)
}

func TestEngine_StartValidatesInput(t *testing.T) {
	engine := newTestEngine(t, NewMemoryStore(), newFakeActivities())
	if _, err := engine.Start(context.Background(), saga.OrderInput{ItemID: "sku", Qty: 0}); !errors.Is(err, saga.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	for _, id := range []string{" ", "a/b"} {
		if _, err := engine.Start(context.Background(), saga.OrderInput{OrderID: id, ItemID: "sku", Qty: 1}); !errors.Is(err, saga.ErrInvalidInput) {
			t.Fatalf("expected invalid input for id %q, got %v", id, err)
		}
	}
	if _, err := engine.GetStatus(context.Background(), "missing"); !errors.Is(err, saga.ErrInstanceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	if _, err := NewEngine(EngineConfig{Activities: newFakeActivities()}); err == nil {
		t.Fatalf("expected missing store error")
	}
	if _, err := NewEngine(EngineConfig{Store: NewMemoryStore()}); err == nil {
		t.Fatalf("expected missing activities error")
	}
}
