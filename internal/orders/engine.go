package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"orderflow/internal/activities"
	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"
)

var (
	// ErrInstanceBusy is returned by Advance when another loop holds the instance.
	ErrInstanceBusy = errors.New("instance is already advancing")
	ErrEngineClosed = errors.New("engine is shut down")
)

const maxIDAttempts = 5

// ActivityClient invokes a named remote activity. Any error means the outcome
// is unknown and the call may be retried.
type ActivityClient interface {
	Invoke(ctx context.Context, activity string, input json.RawMessage) (json.RawMessage, error)
}

// Locker guards an instance across processes. When acquired is false another
// holder owns the key. The held context is derived from ctx and is cancelled
// if the lock is lost before release.
type Locker interface {
	TryLock(ctx context.Context, key string) (held context.Context, release func(context.Context) error, acquired bool, err error)
}

// Observer is told about every recorded step and every status transition.
type Observer interface {
	Observe(ctx context.Context, ev saga.Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ctx context.Context, ev saga.Event)

func (f ObserverFunc) Observe(ctx context.Context, ev saga.Event) { f(ctx, ev) }

// EngineConfig wires an Engine. Store and Activities are required.
type EngineConfig struct {
	Store      saga.InstanceStore
	Activities ActivityClient
	Definition *saga.Definition

	Retry             activities.RetryPolicy
	CallTimeout       time.Duration
	ResumeConcurrency int

	Locker    Locker
	Observers []Observer
	Metrics   *observability.Metrics
	Tracer    trace.Tracer

	NewID func() string
	Now   func() time.Time
	Logf  func(format string, args ...any)
}

// Engine drives order saga instances to a terminal status. The store is the
// only state shared between instances; each instance advances on its own goroutine.
type Engine struct {
	store       saga.InstanceStore
	client      ActivityClient
	def         *saga.Definition
	retry       activities.RetryPolicy
	callTimeout time.Duration
	resumeLimit int
	locker      Locker
	observers   []Observer
	metrics     *observability.Metrics
	tracer      trace.Tracer
	newID       func() string
	now         func() time.Time
	logf        func(format string, args ...any)

	mu      sync.Mutex
	active  map[string]struct{}
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Activities == nil {
		return nil, errors.New("engine: activity client is required")
	}
	def := cfg.Definition
	if def == nil {
		def = saga.OrderDefinition()
	}
	resume := cfg.ResumeConcurrency
	if resume < 1 {
		resume = 8
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("orderflow/internal/orders")
	}
	newID := cfg.NewID
	if newID == nil {
		newID = NewInstanceID
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       cfg.Store,
		client:      cfg.Activities,
		def:         def,
		retry:       cfg.Retry,
		callTimeout: cfg.CallTimeout,
		resumeLimit: resume,
		locker:      cfg.Locker,
		observers:   append([]Observer(nil), cfg.Observers...),
		metrics:     cfg.Metrics,
		tracer:      tracer,
		newID:       newID,
		now:         now,
		logf:        logf,
		active:      make(map[string]struct{}),
		baseCtx:     ctx,
		cancel:      cancel,
	}, nil
}

// NewInstanceID returns the first 8 hex characters of a random UUID.
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Start validates and persists a new instance, then advances it in the
// background. It returns as soon as the instance is durable.
func (e *Engine) Start(ctx context.Context, input saga.OrderInput) (string, error) {
	if err := input.Validate(); err != nil {
		return "", err
	}
	if e.isClosed() {
		return "", ErrEngineClosed
	}

	id, input, err := e.create(ctx, input)
	if err != nil {
		return "", err
	}
	e.logf("order saga started id=%s item=%s qty=%d amount=%.2f", id, input.ItemID, input.Qty, input.Amount)
	e.metrics.RecordStatus(string(saga.StatusRunning))
	e.publish(ctx, saga.Event{InstanceID: id, Status: saga.StatusRunning, At: e.now().UTC()})

	e.spawn(id)
	return id, nil
}

func (e *Engine) create(ctx context.Context, input saga.OrderInput) (string, saga.OrderInput, error) {
	if input.OrderID != "" {
		if err := e.store.Create(ctx, input.OrderID, input); err != nil {
			return "", input, err
		}
		return input.OrderID, input, nil
	}

	var err error
	for i := 0; i < maxIDAttempts; i++ {
		input.OrderID = e.newID()
		err = e.store.Create(ctx, input.OrderID, input)
		if err == nil {
			return input.OrderID, input, nil
		}
		if !errors.Is(err, saga.ErrInstanceConflict) {
			return "", input, err
		}
	}
	return "", input, fmt.Errorf("generate instance id: %w", err)
}

func (e *Engine) spawn(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Advance(e.baseCtx, id); err != nil && !errors.Is(err, ErrInstanceBusy) && !errors.Is(err, context.Canceled) {
			e.logf("advance %s: %v", id, err)
		}
	}()
}

// GetStatus loads an instance and derives its status from history.
func (e *Engine) GetStatus(ctx context.Context, id string) (saga.Instance, error) {
	rec, err := e.store.Load(ctx, id)
	if err != nil {
		return saga.Instance{}, err
	}
	progress, err := e.def.Replay(rec.Input, rec.History)
	if err != nil {
		return saga.Instance{}, fmt.Errorf("replay %s: %w", id, err)
	}
	return saga.Instance{
		ID:        rec.ID,
		Input:     rec.Input,
		History:   rec.History,
		Status:    progress.Status,
		Reason:    progress.Reason,
		Terminal:  progress.Status.Terminal(),
		CreatedAt: rec.CreatedAt,
	}, nil
}

// Advance runs the instance until it is terminal or ctx ends. Only one loop
// per instance runs at a time; a second caller gets ErrInstanceBusy, as does
// a loop whose distributed lock was lost mid-run.
func (e *Engine) Advance(ctx context.Context, id string) error {
	if !e.acquire(id) {
		return ErrInstanceBusy
	}
	defer e.releaseLocal(id)

	if e.locker == nil {
		return e.advance(ctx, id)
	}

	held, release, acquired, err := e.locker.TryLock(ctx, "orderflow:instance:"+id)
	if err != nil {
		return fmt.Errorf("lock %s: %w", id, err)
	}
	if !acquired {
		return ErrInstanceBusy
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logf("release lock %s: %v", id, err)
		}
	}()

	err = e.advance(held, id)
	if err != nil && held.Err() != nil && ctx.Err() == nil {
		e.logf("lock %s lost, stopping: %v", id, context.Cause(held))
		return fmt.Errorf("%w: %v", ErrInstanceBusy, context.Cause(held))
	}
	return err
}

func (e *Engine) advance(ctx context.Context, id string) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		rec, err := e.store.Load(ctx, id)
		if err != nil {
			return err
		}
		progress, err := e.def.Replay(rec.Input, rec.History)
		if err != nil {
			return fmt.Errorf("replay %s: %w", id, err)
		}
		if progress.Next == nil {
			return e.finalize(ctx, rec, progress)
		}

		outcome, err := e.execute(ctx, id, progress.Next)
		if err != nil {
			return err
		}
		if err := e.store.Append(ctx, id, outcome); err != nil {
			return fmt.Errorf("append %s %s: %w", id, outcome.Step, err)
		}
		e.logOutcome(id, outcome)
		e.publish(ctx, saga.Event{InstanceID: id, Outcome: &outcome, Status: saga.StatusRunning, At: outcome.Timestamp})
	}
}

func (e *Engine) finalize(ctx context.Context, rec saga.Record, progress saga.Progress) error {
	if rec.Status == progress.Status && rec.Reason == progress.Reason {
		return nil
	}
	if err := e.store.UpdateStatus(ctx, rec.ID, progress.Status, progress.Reason); err != nil {
		return fmt.Errorf("update status %s: %w", rec.ID, err)
	}
	if progress.Reason != "" {
		e.logf("order saga %s id=%s reason=%s", strings.ToLower(string(progress.Status)), rec.ID, progress.Reason)
	} else {
		e.logf("order saga %s id=%s", strings.ToLower(string(progress.Status)), rec.ID)
	}
	e.metrics.RecordStatus(string(progress.Status))
	e.publish(ctx, saga.Event{
		InstanceID: rec.ID,
		Status:     progress.Status,
		Reason:     progress.Reason,
		Terminal:   progress.Status.Terminal(),
		At:         e.now().UTC(),
	})
	return nil
}

// execute performs one action and returns the outcome to record. It returns
// an error only when ctx ended before an outcome was known; nothing should
// be recorded then, so the step runs again on resume.
func (e *Engine) execute(ctx context.Context, id string, action *saga.Action) (saga.StepOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "saga.step "+action.Step, trace.WithAttributes(
		attribute.String("saga.instance_id", id),
		attribute.String("saga.step", action.Step),
		attribute.String("saga.activity", action.Activity),
		attribute.Int("saga.seq", action.Seq),
	))
	defer span.End()

	var (
		result  json.RawMessage
		success bool
	)
	call := func() error {
		res, err := e.invoke(ctx, action.Activity, action.Input)
		if err != nil {
			return err
		}
		if action.Evaluate == nil {
			result, success = res, true
			return nil
		}
		ok, err := action.Evaluate(res)
		if err != nil {
			return &activities.TransportError{Activity: action.Activity, Err: err}
		}
		result, success = res, ok
		return nil
	}

	var err error
	if action.BestEffort {
		err = call()
	} else {
		policy := e.retry
		policy.ShouldRetry = func(error) bool { return ctx.Err() == nil }
		policy.OnRetry = func(attempt int, err error) {
			e.logf("retry %s id=%s attempt=%d: %v", action.Activity, id, attempt, err)
			e.metrics.AddRetry(action.Activity)
		}
		err = policy.Do(ctx, call)
	}
	if err != nil && ctx.Err() != nil {
		span.SetStatus(codes.Error, "interrupted")
		return saga.StepOutcome{}, context.Cause(ctx)
	}

	outcome := saga.StepOutcome{
		Seq:       action.Seq,
		Step:      action.Step,
		Activity:  action.Activity,
		Input:     action.Input,
		Timestamp: e.now().UTC(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome.Error = err.Error()
		return outcome, nil
	}
	outcome.Result = result
	outcome.Success = success
	span.SetAttributes(attribute.Bool("saga.success", success))
	return outcome, nil
}

func (e *Engine) invoke(ctx context.Context, activity string, input json.RawMessage) (json.RawMessage, error) {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	span := e.metrics.Start(activity)
	res, err := e.client.Invoke(ctx, activity, input)
	span.End(err)
	if err != nil && !activities.IsTransport(err) {
		err = &activities.TransportError{Activity: activity, Err: err}
	}
	return res, err
}

func (e *Engine) logOutcome(id string, outcome saga.StepOutcome) {
	switch {
	case outcome.Error != "" && outcome.Step == saga.StepNotify:
		e.logf("notify failed id=%s: %s", id, outcome.Error)
	case outcome.Error != "":
		e.logf("step %s failed id=%s after retries: %s", outcome.Step, id, outcome.Error)
	case !outcome.Success && outcome.Step == saga.StepUpdateInventory:
		e.logf("step %s reported ok=false id=%s, continuing", outcome.Step, id)
	default:
		e.logf("step %s recorded id=%s seq=%d success=%t", outcome.Step, id, outcome.Seq, outcome.Success)
	}
}

func (e *Engine) publish(ctx context.Context, ev saga.Event) {
	for _, obs := range e.observers {
		obs.Observe(ctx, ev)
	}
}

// ResumeRunning advances every instance the store still lists as running.
// It blocks until those loops stop and returns the first error among them.
func (e *Engine) ResumeRunning(ctx context.Context) error {
	ids, err := e.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	e.logf("resuming %d running instance(s)", len(ids))

	var g errgroup.Group
	g.SetLimit(e.resumeLimit)
	for _, id := range ids {
		g.Go(func() error {
			err := e.Advance(ctx, id)
			if err == nil || errors.Is(err, ErrInstanceBusy) || errors.Is(err, context.Canceled) {
				return nil
			}
			e.logf("resume %s: %v", id, err)
			return fmt.Errorf("resume %s: %w", id, err)
		})
	}
	return g.Wait()
}

// Shutdown stops background loops and waits for them to return, or for ctx to end.
// Steps interrupted here are left unrecorded and run again on the next resume.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	inflight := int64(len(e.active))
	e.mu.Unlock()

	e.metrics.MarkShutdown(inflight)
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[id]; ok {
		return false
	}
	e.active[id] = struct{}{}
	return true
}

func (e *Engine) releaseLocal(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}
