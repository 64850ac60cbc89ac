package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/VenkatGGG/leasekeeper/internal/capacity"
	"github.com/VenkatGGG/leasekeeper/internal/events"
	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

const tracerName = "github.com/VenkatGGG/leasekeeper/internal/reservation"

type Limits struct {
	MaxQuantity int
	DefaultTTL  time.Duration
	MinTTL      time.Duration
	MaxTTL      time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxQuantity: 10,
		DefaultTTL:  120 * time.Second,
		MinTTL:      30 * time.Second,
		MaxTTL:      10 * time.Minute,
	}
}

func (l Limits) validate() error {
	switch {
	case l.MaxQuantity <= 0:
		return errors.New("max quantity must be positive")
	case l.MinTTL <= 0:
		return errors.New("min ttl must be positive")
	case l.MaxTTL < l.MinTTL:
		return errors.New("max ttl must be >= min ttl")
	case l.DefaultTTL < l.MinTTL || l.DefaultTTL > l.MaxTTL:
		return errors.New("default ttl must be within [min ttl, max ttl]")
	}
	return nil
}

type AcquireInput struct {
	OwnerScope  string
	CategoryID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Quantity    int
	// TTL zero means the configured default.
	TTL time.Duration
}

type Status struct {
	Exists    bool
	LeaseID   string
	Key       lease.ResourceKey
	Quantity  int
	ExpiresAt time.Time
	Remaining time.Duration
}

type Availability struct {
	Key          lease.ResourceKey
	Capacity     int
	Held         int
	Available    int
	ActiveLeases int
}

type Engine struct {
	store        lease.Store
	capacity     capacity.Provider
	limits       Limits
	now          func() time.Time
	storeTimeout time.Duration
	logger       *zap.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	publisher    events.Publisher
	newID        func() string
	newToken     func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStoreTimeout bounds each store step. The step does not inherit the
// caller's cancellation.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func NewEngine(store lease.Store, provider capacity.Provider, limits Limits, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("lease store is required")
	}
	if provider == nil {
		return nil, errors.New("capacity provider is required")
	}
	if err := limits.validate(); err != nil {
		return nil, fmt.Errorf("reservation limits: %w", err)
	}
	e := &Engine{
		store:        store,
		capacity:     provider,
		limits:       limits,
		now:          func() time.Time { return time.Now().UTC() },
		storeTimeout: 3 * time.Second,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer(tracerName),
		publisher:    events.Nop{},
		newID:        func() string { return "lease_" + compactUUID() },
		newToken:     func() string { return compactUUID() + compactUUID() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Limits() Limits {
	return e.limits
}

func (e *Engine) Acquire(ctx context.Context, input AcquireInput) (out lease.Lease, err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "reservation.Acquire")
	defer func() {
		e.finish(span, "acquire", started, err)
	}()

	key, err := e.resourceKey(input.OwnerScope, input.CategoryID, input.PeriodStart, input.PeriodEnd, true)
	if err != nil {
		return lease.Lease{}, err
	}
	if input.Quantity <= 0 || input.Quantity > e.limits.MaxQuantity {
		return lease.Lease{}, invalid("quantity", fmt.Sprintf("must be between 1 and %d", e.limits.MaxQuantity))
	}
	ttl, err := e.resolveTTL(input.TTL)
	if err != nil {
		return lease.Lease{}, err
	}
	span.SetAttributes(
		attribute.String("lease.resource_key", key.String()),
		attribute.Int("lease.quantity", input.Quantity),
	)

	units, err := e.lookupCapacity(ctx, key)
	if err != nil {
		return lease.Lease{}, err
	}
	if err := ctx.Err(); err != nil {
		return lease.Lease{}, unavailable("acquire", err)
	}

	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()

	var granted lease.Lease
	err = e.store.Atomically(stepCtx, key, func(held []lease.Lease) (lease.WriteSet, error) {
		now := e.now()
		outstanding := lease.Held(held, now)
		if outstanding+input.Quantity > units {
			return lease.WriteSet{}, &CapacityError{Requested: input.Quantity, Available: max(units-outstanding, 0)}
		}
		granted = lease.Lease{
			ID:         e.newID(),
			Key:        key,
			Quantity:   input.Quantity,
			OwnerToken: e.newToken(),
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}
		return lease.WriteSet{Put: &granted}, nil
	})

	var capErr *CapacityError
	switch {
	case err == nil:
	case errors.As(err, &capErr):
		e.logger.Debug("lease rejected",
			zap.String("resource_key", key.String()),
			zap.Int("requested", input.Quantity),
			zap.Int("available", capErr.Available),
		)
		if e.metrics != nil {
			e.metrics.UnitsRejected.Add(float64(input.Quantity))
		}
		available := capErr.Available
		e.emit(ctx, events.Event{Type: events.TypeRejected, Resource: key.String(), Quantity: input.Quantity, Available: &available})
		return lease.Lease{}, capErr
	case errors.Is(err, lease.ErrBusy):
		e.logger.Warn("lease acquire contention", zap.String("resource_key", key.String()))
		return lease.Lease{}, fmt.Errorf("%w: %s", ErrBusy, key)
	default:
		e.logger.Error("lease store acquire failed", zap.String("resource_key", key.String()), zap.Error(err))
		return lease.Lease{}, unavailable("lease store", err)
	}

	if e.metrics != nil {
		e.metrics.UnitsAcquired.Add(float64(granted.Quantity))
	}
	e.logger.Info("lease acquired",
		zap.String("lease_id", granted.ID),
		zap.String("resource_key", key.String()),
		zap.Int("quantity", granted.Quantity),
		zap.Time("expires_at", granted.ExpiresAt),
	)
	e.emit(ctx, events.Event{
		Type:      events.TypeAcquired,
		LeaseID:   granted.ID,
		Resource:  key.String(),
		Quantity:  granted.Quantity,
		ExpiresAt: granted.ExpiresAt,
	})
	return granted, nil
}

// Release deletes a lease held under token. A lease that is already gone
// counts as released; existed reports whether this call removed it.
func (e *Engine) Release(ctx context.Context, id, token string) (existed bool, err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "reservation.Release")
	defer func() {
		e.finish(span, "release", started, err)
	}()

	id, token, err = requireLeaseRef(id, token)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("lease.id", id))

	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()
	removed, err := e.store.Delete(stepCtx, id, token)
	switch {
	case err == nil:
		e.logger.Info("lease released", zap.String("lease_id", id), zap.String("resource_key", removed.Key.String()))
		e.emit(ctx, events.Event{
			Type:     events.TypeReleased,
			LeaseID:  id,
			Resource: removed.Key.String(),
			Quantity: removed.Quantity,
		})
		return true, nil
	case errors.Is(err, lease.ErrNotFound):
		e.logger.Debug("lease already released or expired", zap.String("lease_id", id))
		return false, nil
	case errors.Is(err, lease.ErrTokenMismatch):
		return false, ErrForbidden
	default:
		e.logger.Error("lease store release failed", zap.String("lease_id", id), zap.Error(err))
		return false, unavailable("lease store", err)
	}
}

// Extend renews a live lease to now+ttl without re-checking capacity.
func (e *Engine) Extend(ctx context.Context, id, token string, ttl time.Duration) (out lease.Lease, err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "reservation.Extend")
	defer func() {
		e.finish(span, "extend", started, err)
	}()

	id, token, err = requireLeaseRef(id, token)
	if err != nil {
		return lease.Lease{}, err
	}
	ttl, err = e.resolveTTL(ttl)
	if err != nil {
		return lease.Lease{}, err
	}
	span.SetAttributes(attribute.String("lease.id", id))

	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()
	renewed, err := e.store.Renew(stepCtx, id, token, ttl)
	switch {
	case err == nil:
	case errors.Is(err, lease.ErrNotFound):
		return lease.Lease{}, ErrNotFound
	case errors.Is(err, lease.ErrTokenMismatch):
		return lease.Lease{}, ErrForbidden
	default:
		e.logger.Error("lease store renew failed", zap.String("lease_id", id), zap.Error(err))
		return lease.Lease{}, unavailable("lease store", err)
	}

	e.logger.Info("lease extended", zap.String("lease_id", id), zap.Time("expires_at", renewed.ExpiresAt))
	e.emit(ctx, events.Event{
		Type:      events.TypeExtended,
		LeaseID:   renewed.ID,
		Resource:  renewed.Key.String(),
		Quantity:  renewed.Quantity,
		ExpiresAt: renewed.ExpiresAt,
	})
	return renewed, nil
}

// Status needs no token. A dead or unknown lease reports Exists=false.
func (e *Engine) Status(ctx context.Context, id string) (out Status, err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "reservation.Status")
	defer func() {
		e.finish(span, "status", started, err)
	}()

	id = strings.TrimSpace(id)
	if id == "" {
		return Status{}, invalid("lease_id", "is required")
	}
	current, err := e.store.Get(ctx, id)
	if errors.Is(err, lease.ErrNotFound) {
		return Status{LeaseID: id}, nil
	}
	if err != nil {
		return Status{}, unavailable("lease store", err)
	}
	remaining := current.Remaining(e.now())
	if remaining <= 0 {
		return Status{LeaseID: id}, nil
	}
	return Status{
		Exists:    true,
		LeaseID:   current.ID,
		Key:       current.Key,
		Quantity:  current.Quantity,
		ExpiresAt: current.ExpiresAt,
		Remaining: remaining,
	}, nil
}

// Availability reports capacity against currently held units. It is a read
// outside the atomic step, so it may be stale by the time it is returned.
func (e *Engine) Availability(ctx context.Context, scope, category string, start, end time.Time) (out Availability, err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "reservation.Availability")
	defer func() {
		e.finish(span, "availability", started, err)
	}()

	key, err := e.resourceKey(scope, category, start, end, false)
	if err != nil {
		return Availability{}, err
	}
	units, err := e.lookupCapacity(ctx, key)
	if err != nil {
		return Availability{}, err
	}
	held, err := e.store.Snapshot(ctx, key)
	if err != nil {
		return Availability{}, unavailable("lease store", err)
	}
	total := lease.Held(held, e.now())
	return Availability{
		Key:          key,
		Capacity:     units,
		Held:         total,
		Available:    max(units-total, 0),
		ActiveLeases: len(held),
	}, nil
}

func (e *Engine) resourceKey(scope, category string, start, end time.Time, rejectPast bool) (lease.ResourceKey, error) {
	scope = strings.TrimSpace(scope)
	category = strings.TrimSpace(category)
	switch {
	case scope == "":
		return lease.ResourceKey{}, invalid("owner_scope", "is required")
	case strings.Contains(scope, ":"):
		return lease.ResourceKey{}, invalid("owner_scope", "must not contain ':'")
	case category == "":
		return lease.ResourceKey{}, invalid("category_id", "is required")
	case strings.Contains(category, ":"):
		return lease.ResourceKey{}, invalid("category_id", "must not contain ':'")
	case start.IsZero():
		return lease.ResourceKey{}, invalid("period_start", "is required")
	case end.IsZero():
		return lease.ResourceKey{}, invalid("period_end", "is required")
	}
	key := lease.NewResourceKey(scope, category, start, end)
	if !key.PeriodEnd.After(key.PeriodStart) {
		return lease.ResourceKey{}, invalid("period_end", "must be after period_start")
	}
	if rejectPast {
		y, m, d := e.now().UTC().Date()
		today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if key.PeriodStart.Before(today) {
			return lease.ResourceKey{}, invalid("period_start", "must not be in the past")
		}
	}
	return key, nil
}

func (e *Engine) resolveTTL(ttl time.Duration) (time.Duration, error) {
	if ttl == 0 {
		return e.limits.DefaultTTL, nil
	}
	if ttl < e.limits.MinTTL || ttl > e.limits.MaxTTL {
		return 0, invalid("ttl", fmt.Sprintf("must be between %s and %s", e.limits.MinTTL, e.limits.MaxTTL))
	}
	return ttl, nil
}

func (e *Engine) lookupCapacity(ctx context.Context, key lease.ResourceKey) (int, error) {
	units, err := e.capacity.Capacity(ctx, key)
	if errors.Is(err, capacity.ErrUnknownResource) {
		return 0, invalid("resource", "unknown owner_scope or category_id")
	}
	if err != nil {
		e.logger.Warn("capacity lookup failed", zap.String("resource_key", key.String()), zap.Error(err))
		return 0, unavailable("capacity provider", err)
	}
	if units < 0 {
		units = 0
	}
	return units, nil
}

// stepContext detaches store mutations from caller cancellation so a started
// step either commits or aborts as a whole.
func (e *Engine) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
}

func (e *Engine) emit(ctx context.Context, event events.Event) {
	if event.At.IsZero() {
		event.At = e.now()
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("publish lease event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (e *Engine) finish(span trace.Span, operation string, started time.Time, err error) {
	e.metrics.observe(operation, started, err)
	if err != nil {
		code := Code(err)
		span.SetAttributes(attribute.String("lease.outcome", code))
		if code == CodeInternal || code == CodeUnavailable || code == CodeBusy {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func requireLeaseRef(id, token string) (string, string, error) {
	id = strings.TrimSpace(id)
	token = strings.TrimSpace(token)
	if id == "" {
		return "", "", invalid("lease_id", "is required")
	}
	if token == "" {
		return "", "", invalid("owner_token", "is required")
	}
	return id, token, nil
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
