package charger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/julienar/ixcharged/internal/ixapi"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// PropertyClient is the cloud API surface used by the coordinator and points
type PropertyClient interface {
	FetchProperties(ctx context.Context, keys []ixapi.PropertyKey) (ixapi.Snapshot, error)
	SetProperty(ctx context.Context, key ixapi.PropertyKey, value ixapi.Value) (bool, error)
}

// Recorder receives poll and write outcomes, e.g. for metrics
type Recorder interface {
	ObservePoll(duration time.Duration, err error)
	ObserveWrite(key ixapi.PropertyKey, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObservePoll(time.Duration, error)      {}
func (nopRecorder) ObserveWrite(ixapi.PropertyKey, error) {}

// UpdateFailedError is returned by RefreshAll when a full poll fails.
// The previous snapshot is kept.
type UpdateFailedError struct {
	Err error
}

func (e *UpdateFailedError) Error() string {
	if ixapi.IsConnectionError(e.Err) {
		return fmt.Sprintf("error communicating with API: %v", e.Err)
	}
	return fmt.Sprintf("invalid response from API: %v", e.Err)
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// Coordinator owns the last known property snapshot for one charger and
// amortizes polling across all exposed points.
type Coordinator struct {
	client   PropertyClient
	logger   *zap.Logger
	recorder Recorder

	// serializes RefreshAll
	refreshMu sync.Mutex

	mu                  sync.RWMutex
	data                ixapi.Snapshot
	lastUpdateSucceeded bool
	lastUpdate          time.Time

	listenersMu sync.Mutex
	listeners   []func()
}

// NewCoordinator creates a coordinator without data. Call RefreshAll before
// exposing points.
func NewCoordinator(client PropertyClient, logger *zap.Logger, recorder Recorder) *Coordinator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Coordinator{
		client:   client,
		logger:   logger,
		recorder: recorder,
	}
}

// Subscribe registers fn to be called after every snapshot change or
// failed poll. fn is called without any coordinator lock held.
func (c *Coordinator) Subscribe(fn func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) notify() {
	c.listenersMu.Lock()
	listeners := make([]func(), len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Data returns a copy of the current snapshot, nil before the first
// successful poll.
func (c *Coordinator) Data() ixapi.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Clone()
}

// LastUpdateSucceeded reports whether the most recent full poll succeeded
func (c *Coordinator) LastUpdateSucceeded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdateSucceeded
}

// LastUpdate returns the time of the last successful full poll
func (c *Coordinator) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Value returns the value for key if the last poll succeeded and the key
// is present with a non-null value.
func (c *Coordinator) Value(key ixapi.PropertyKey) (ixapi.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.lastUpdateSucceeded || !c.data.Has(key) {
		return ixapi.Null, false
	}
	return c.data[key], true
}

// RefreshAll fetches the full property set and replaces the snapshot.
// On failure the previous snapshot is kept and an *UpdateFailedError is
// returned.
func (c *Coordinator) RefreshAll(ctx context.Context) (ixapi.Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	span, ctx := tracer.StartSpanFromContext(ctx, "coordinator.refresh_all")
	defer span.Finish()

	start := time.Now()
	data, err := c.client.FetchProperties(ctx, ixapi.AllKeys)
	c.recorder.ObservePoll(time.Since(start), err)

	if err != nil {
		span.SetTag("error", err)
		c.mu.Lock()
		c.lastUpdateSucceeded = false
		c.mu.Unlock()

		c.notify()
		return nil, &UpdateFailedError{Err: err}
	}

	if data == nil {
		data = ixapi.Snapshot{}
	}

	c.mu.Lock()
	c.data = data
	c.lastUpdateSucceeded = true
	c.lastUpdate = time.Now()
	c.mu.Unlock()

	c.logger.Debug("Coordinator updated data", zap.Int("properties", len(data)))
	c.notify()
	return data.Clone(), nil
}

// RefreshSingle fetches one property out of band and merges it into the
// existing snapshot. Errors are logged and swallowed; the full-poll status
// is left untouched.
func (c *Coordinator) RefreshSingle(ctx context.Context, key ixapi.PropertyKey) (ixapi.Value, bool) {
	span, ctx := tracer.StartSpanFromContext(ctx, "coordinator.refresh_single",
		tracer.Tag("key", string(key)))
	defer span.Finish()

	data, err := c.client.FetchProperties(ctx, []ixapi.PropertyKey{key})
	if err != nil {
		span.SetTag("error", err)
		c.logger.Warn("Failed to update single property",
			zap.String("key", string(key)),
			zap.Error(err))
		return ixapi.Null, false
	}

	value, ok := data[key]
	if !ok {
		return ixapi.Null, false
	}

	c.mu.Lock()
	merged := c.data != nil
	if merged {
		c.data[key] = value
	}
	c.mu.Unlock()

	if merged {
		c.logger.Debug("Single property update",
			zap.String("key", string(key)),
			zap.Stringer("value", value))
		c.notify()
	}

	return value, true
}

// SetValue mutates the cached snapshot in place for an optimistic write and
// notifies observers. It is a no-op before the first successful poll.
func (c *Coordinator) SetValue(key ixapi.PropertyKey, value ixapi.Value) bool {
	c.mu.Lock()
	if c.data == nil {
		c.mu.Unlock()
		return false
	}
	c.data[key] = value
	c.mu.Unlock()

	c.notify()
	return true
}
