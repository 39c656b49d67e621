package charger

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/julienar/ixcharged/internal/ixapi"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// Platform is the kind of control a point is exposed as
type Platform string

const (
	PlatformSensor Platform = "sensor"
	PlatformSwitch Platform = "switch"
	PlatformNumber Platform = "number"
)

const (
	// Reconciliation delays after a successful write, giving the device
	// time to apply the change before it is read back.
	DefaultSwitchReconcileDelay = 100 * time.Millisecond
	DefaultNumberReconcileDelay = 500 * time.Millisecond

	MinChargingCurrent  = 6.0
	ChargingCurrentStep = 1.0
)

// Info is the static and derived metadata of a point
type Info struct {
	ID         string            `json:"id" yaml:"id"`
	UniqueID   string            `json:"unique_id" yaml:"unique_id"`
	Name       string            `json:"name" yaml:"name"`
	Platform   Platform          `json:"platform" yaml:"platform"`
	Key        ixapi.PropertyKey `json:"key" yaml:"key"`
	Unit       string            `json:"unit,omitempty" yaml:"unit,omitempty"`
	Icon       string            `json:"icon,omitempty" yaml:"icon,omitempty"`
	Diagnostic bool              `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	Writable   bool              `json:"writable" yaml:"writable"`
	Min        *float64          `json:"min,omitempty" yaml:"min,omitempty"`
	Max        *float64          `json:"max,omitempty" yaml:"max,omitempty"`
	Step       *float64          `json:"step,omitempty" yaml:"step,omitempty"`
}

// Readable is implemented by every point
type Readable interface {
	ID() string
	Key() ixapi.PropertyKey
	Info() Info
	// Available reports whether the last poll succeeded and the key has a
	// non-null value.
	Available() bool
	// Read returns the coerced value, or false when unavailable.
	Read() (any, bool)
	Attributes() map[string]any
}

// Writable is implemented by switches and numbers. Write only fails for
// values of the wrong type; transport errors are handled internally.
type Writable interface {
	Readable
	Write(ctx context.Context, value ixapi.Value) error
}

type basePoint struct {
	coord      *Coordinator
	serial     string
	key        ixapi.PropertyKey
	platform   Platform
	slug       string
	name       string
	unit       string
	icon       string
	diagnostic bool
	logger     *zap.Logger
}

func (p *basePoint) ID() string {
	return string(p.platform) + "." + p.slug
}

// uniqueID is stable per serial. Sensors use the property key so they do
// not collide with the switch or number over the same property.
func (p *basePoint) uniqueID() string {
	if p.platform == PlatformSensor {
		return p.serial + "_" + string(p.key)
	}
	return p.serial + "_" + p.slug
}

func (p *basePoint) Key() ixapi.PropertyKey {
	return p.key
}

func (p *basePoint) Info() Info {
	return Info{
		ID:         p.ID(),
		UniqueID:   p.uniqueID(),
		Name:       p.name,
		Platform:   p.platform,
		Key:        p.key,
		Unit:       p.unit,
		Icon:       p.icon,
		Diagnostic: p.diagnostic,
	}
}

func (p *basePoint) Available() bool {
	_, ok := p.coord.Value(p.key)
	return ok
}

func (p *basePoint) Attributes() map[string]any {
	return nil
}

// Coercion turns a raw property value into the value a point reports
type Coercion func(ixapi.Value) (any, error)

// Sensor is a read-only point
type Sensor struct {
	basePoint
	coerce     Coercion
	attributes func(any) map[string]any
}

// Read implements Readable
func (s *Sensor) Read() (any, bool) {
	raw, ok := s.coord.Value(s.key)
	if !ok {
		return nil, false
	}
	v, err := s.coerce(raw)
	if err != nil {
		s.logger.Warn("Invalid sensor value", zap.Stringer("value", raw), zap.Error(err))
		return nil, false
	}
	return v, true
}

// Attributes returns extra state attributes, nil when unavailable
func (s *Sensor) Attributes() map[string]any {
	if s.attributes == nil {
		return nil
	}
	v, ok := s.Read()
	if !ok {
		return nil
	}
	return s.attributes(v)
}

// EnabledState reports booleans as "enabled" / "disabled"
func EnabledState(v ixapi.Value) (any, error) {
	b, err := v.Bool()
	if err != nil {
		return nil, err
	}
	if b {
		return "enabled", nil
	}
	return "disabled", nil
}

// RoundInt rounds numbers to the nearest integer
func RoundInt(v ixapi.Value) (any, error) {
	f, err := v.Float()
	if err != nil {
		return nil, err
	}
	return int64(math.Round(f)), nil
}

// Round2 rounds numbers to two decimals
func Round2(v ixapi.Value) (any, error) {
	f, err := v.Float()
	if err != nil {
		return nil, err
	}
	return math.Round(f*100) / 100, nil
}

// SignalPercent rounds and clamps signal strength to [0, 100]
func SignalPercent(v ixapi.Value) (any, error) {
	f, err := v.Float()
	if err != nil {
		return nil, err
	}
	return int64(math.Max(0, math.Min(100, math.Round(f)))), nil
}

// Text passes strings through
func Text(v ixapi.Value) (any, error) {
	switch v.Raw().(type) {
	case map[string]any, []any:
		return nil, fmt.Errorf("cannot interpret %v as text", v.Raw())
	}
	return v.String(), nil
}

// setPoint implements the optimistic write protocol shared by switches and
// numbers. At most one write per point is outstanding; overlapping requests
// are dropped.
type setPoint struct {
	basePoint
	reconcileDelay time.Duration
	inFlight       atomic.Bool
}

// InFlight reports whether a write is outstanding
func (p *setPoint) InFlight() bool {
	return p.inFlight.Load()
}

func (p *setPoint) write(ctx context.Context, value ixapi.Value) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("API call already in progress, ignoring request", zap.Stringer("value", value))
		return
	}
	defer p.inFlight.Store(false)

	span, ctx := tracer.StartSpanFromContext(ctx, "point.write",
		tracer.Tag("point", p.ID()),
		tracer.Tag("value", value.String()))
	defer span.Finish()

	p.logger.Debug("Setting property", zap.Stringer("value", value))

	// Reflect the request before the network call completes
	p.coord.SetValue(p.key, value)

	_, err := p.coord.client.SetProperty(ctx, p.key, value)
	p.coord.recorder.ObserveWrite(p.key, err)
	if err != nil {
		span.SetTag("error", err)
		p.logger.Error("Failed to set property", zap.Stringer("value", value), zap.Error(err))

		// Roll the optimistic value back to ground truth
		if _, err := p.coord.RefreshAll(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("Corrective refresh failed", zap.Error(err))
		}
		return
	}

	p.scheduleReconcile()
}

func (p *setPoint) scheduleReconcile() {
	time.AfterFunc(p.reconcileDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), ixapi.DefaultTimeout)
		defer cancel()
		p.coord.RefreshSingle(ctx, p.key)
	})
}

// Switch is a boolean set-point
type Switch struct {
	setPoint
}

// Info implements Readable
func (s *Switch) Info() Info {
	info := s.basePoint.Info()
	info.Writable = true
	return info
}

// IsOn returns the switch state, false when unavailable
func (s *Switch) IsOn() (on bool, ok bool) {
	raw, ok := s.coord.Value(s.key)
	if !ok {
		return false, false
	}
	b, err := raw.Bool()
	if err != nil {
		s.logger.Warn("Invalid switch value", zap.Stringer("value", raw), zap.Error(err))
		return false, false
	}
	return b, true
}

// Read implements Readable
func (s *Switch) Read() (any, bool) {
	on, ok := s.IsOn()
	if !ok {
		return nil, false
	}
	return on, true
}

// TurnOn requests the switch on
func (s *Switch) TurnOn(ctx context.Context) {
	s.logger.Debug("Turn ON requested", zap.Bool("available", s.Available()))
	s.write(ctx, ixapi.BoolValue(true))
}

// TurnOff requests the switch off
func (s *Switch) TurnOff(ctx context.Context) {
	s.logger.Debug("Turn OFF requested", zap.Bool("available", s.Available()))
	s.write(ctx, ixapi.BoolValue(false))
}

// Write implements Writable
func (s *Switch) Write(ctx context.Context, value ixapi.Value) error {
	on, ok := value.Raw().(bool)
	if !ok {
		return fmt.Errorf("%s expects a boolean, got %q", s.ID(), value.String())
	}
	if on {
		s.TurnOn(ctx)
	} else {
		s.TurnOff(ctx)
	}
	return nil
}

// Number is a numeric set-point bounded by the cable capability
type Number struct {
	setPoint
	cable func() CableSpec
	// cap writes by the device's current maximumCurrent reading
	capByMaximum bool
}

// Info implements Readable
func (n *Number) Info() Info {
	info := n.basePoint.Info()
	info.Writable = true
	info.Name = fmt.Sprintf("%s (%s)", n.name, n.cable().Name)
	minValue, maxValue, step := MinChargingCurrent, n.MaxValue(), ChargingCurrentStep
	info.Min, info.Max, info.Step = &minValue, &maxValue, &step
	return info
}

// Read implements Readable
func (n *Number) Read() (any, bool) {
	raw, ok := n.coord.Value(n.key)
	if !ok {
		return nil, false
	}
	f, err := raw.Float()
	if err != nil {
		n.logger.Warn("Invalid number value", zap.Stringer("value", raw), zap.Error(err))
		return nil, false
	}
	return f, true
}

// maximumCurrent returns the device's maximumCurrent setting if known
func (n *Number) maximumCurrent() (float64, bool) {
	raw, ok := n.coord.Data()[ixapi.MaximumCurrent]
	if !ok || raw.IsNull() {
		return 0, false
	}
	f, err := raw.Float()
	if err != nil {
		n.logger.Warn("Invalid maximum current value", zap.Stringer("value", raw))
		return 0, false
	}
	return f, true
}

// MaxValue returns the advisory upper bound
func (n *Number) MaxValue() float64 {
	limit := float64(n.cable().MaxCurrentAmps)
	if n.capByMaximum {
		if maxCurrent, ok := n.maximumCurrent(); ok {
			limit = math.Min(limit, maxCurrent)
		}
	}
	return limit
}

// Clamp bounds value by the cable capability and, for the target current,
// by the current maximumCurrent setting. Values above the cap are reduced,
// not rejected.
func (n *Number) Clamp(value float64) float64 {
	cable := n.cable()
	if cableMax := float64(cable.MaxCurrentAmps); value > cableMax {
		n.logger.Warn("Requested current exceeds cable limit, clamping",
			zap.Float64("requested", value),
			zap.Float64("limit", cableMax),
			zap.String("cable", cable.Name))
		value = cableMax
	}

	if n.capByMaximum {
		if maxCurrent, ok := n.maximumCurrent(); ok && value > maxCurrent {
			n.logger.Warn("Requested current exceeds maximum current setting, clamping",
				zap.Float64("requested", value),
				zap.Float64("maximum", maxCurrent))
			value = maxCurrent
		}
	}

	return value
}

// SetValue clamps and writes value
func (n *Number) SetValue(ctx context.Context, value float64) {
	n.write(ctx, ixapi.NumberValue(n.Clamp(value)))
}

// Write implements Writable
func (n *Number) Write(ctx context.Context, value ixapi.Value) error {
	if _, isBool := value.Raw().(bool); isBool || value.IsNull() {
		return fmt.Errorf("%s expects a number, got %q", n.ID(), value.String())
	}
	f, err := value.Float()
	if err != nil {
		return fmt.Errorf("%s expects a number: %w", n.ID(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%s expects a finite number, got %q", n.ID(), value.String())
	}
	n.SetValue(ctx, f)
	return nil
}
