package charger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/julienar/ixcharged/internal/ixapi"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const (
	// DefaultPollInterval is the period of the full property refresh
	DefaultPollInterval = 30 * time.Second

	manufacturer = "R-EVC"
	model        = "Wallbox EcoVolter"
)

var (
	// ErrPointNotFound is returned for unknown point ids
	ErrPointNotFound = errors.New("point not found")
	// ErrReadOnly is returned when writing a read-only point
	ErrReadOnly = errors.New("point is read-only")
)

// Identity identifies the configured charger. Only CableType may change
// after setup.
type Identity struct {
	SerialNumber string
	DisplayName  string
	CableType    string
}

// Client is the cloud API client used by the service
type Client interface {
	PropertyClient
	ValidateConnection(ctx context.Context) (bool, error)
	SetAPIKey(apiKey string)
}

// ConnectionValidator checks credentials without touching live state
type ConnectionValidator interface {
	ValidateConnection(ctx context.Context) (bool, error)
}

// SetupError is returned when the charger cannot be set up. Reason is one
// of the ixapi.Reason* values.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed (%s): %v", e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// DeviceInfo describes the charger for the control surfaces
type DeviceInfo struct {
	SerialNumber        string    `json:"serial_number" yaml:"serial_number"`
	Name                string    `json:"name" yaml:"name"`
	Manufacturer        string    `json:"manufacturer" yaml:"manufacturer"`
	Model               string    `json:"model" yaml:"model"`
	CableType           string    `json:"cable_type" yaml:"cable_type"`
	Cable               CableSpec `json:"cable" yaml:"cable"`
	LastUpdateSucceeded bool      `json:"last_update_succeeded" yaml:"last_update_succeeded"`
	LastUpdate          time.Time `json:"last_update,omitempty" yaml:"last_update,omitempty"`
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithPollInterval overrides the full refresh period
func WithPollInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithRecorder sets the poll/write outcome recorder
func WithRecorder(recorder Recorder) ServiceOption {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithReconcileDelays overrides the delays before a written value is read back
func WithReconcileDelays(switchDelay, numberDelay time.Duration) ServiceOption {
	return func(s *Service) {
		s.switchDelay = switchDelay
		s.numberDelay = numberDelay
	}
}

// WithValidatorFactory sets how candidate API keys are validated on
// reauthentication
func WithValidatorFactory(factory func(apiKey string) ConnectionValidator) ServiceOption {
	return func(s *Service) {
		s.newValidator = factory
	}
}

// Service owns the coordinator and points of one configured charger
type Service struct {
	serial       string
	displayName  string
	client       Client
	logger       *zap.Logger
	recorder     Recorder
	interval     time.Duration
	switchDelay  time.Duration
	numberDelay  time.Duration
	newValidator func(apiKey string) ConnectionValidator

	coordinator *Coordinator
	points      []Readable
	byID        map[string]Readable

	mu        sync.RWMutex
	cableType string
}

// NewService creates the coordinator and the fixed point set for a charger
func NewService(identity Identity, client Client, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		serial:      identity.SerialNumber,
		displayName: identity.DisplayName,
		cableType:   identity.CableType,
		client:      client,
		logger:      logger.With(zap.String("serial", identity.SerialNumber)),
		interval:    DefaultPollInterval,
		switchDelay: DefaultSwitchReconcileDelay,
		numberDelay: DefaultNumberReconcileDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.coordinator = NewCoordinator(client, s.logger.Named("coordinator"), s.recorder)
	s.points = buildPoints(pointFactory{
		coord:  s.coordinator,
		serial: s.serial,
		logger: s.logger,
	}, s.Cable, s.switchDelay, s.numberDelay)

	s.byID = make(map[string]Readable, len(s.points))
	for _, p := range s.points {
		s.byID[p.ID()] = p
	}

	return s
}

// Coordinator returns the charger's coordinator
func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// SerialNumber returns the charger serial number
func (s *Service) SerialNumber() string {
	return s.serial
}

// Available reports whether the last full poll succeeded
func (s *Service) Available() bool {
	return s.coordinator.LastUpdateSucceeded()
}

// Subscribe registers fn to run after every snapshot change
func (s *Service) Subscribe(fn func()) {
	s.coordinator.Subscribe(fn)
}

// Cable returns the capabilities of the configured cable
func (s *Service) Cable() CableSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ResolveCable(s.cableType)
}

// CableType returns the configured cable tag
func (s *Service) CableType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cableType
}

// UpdateCableType changes the cable; it applies to the next write
func (s *Service) UpdateCableType(cableType string) {
	s.mu.Lock()
	old := s.cableType
	s.cableType = cableType
	s.mu.Unlock()

	if old != cableType {
		s.logger.Info("Cable type updated",
			zap.String("old", old),
			zap.String("new", cableType),
			zap.Int("max_current", ResolveCable(cableType).MaxCurrentAmps))
	}
}

// Setup validates the connection and performs the first refresh so points
// have data before they are exposed.
func (s *Service) Setup(ctx context.Context) error {
	span, ctx := tracer.StartSpanFromContext(ctx, "charger.setup", tracer.Tag("serial", s.serial))
	defer span.Finish()

	if _, err := s.client.ValidateConnection(ctx); err != nil {
		span.SetTag("error", err)
		return &SetupError{Reason: ixapi.SetupReason(err), Err: err}
	}

	if _, err := s.coordinator.RefreshAll(ctx); err != nil {
		span.SetTag("error", err)
		return &SetupError{Reason: ixapi.SetupReason(err), Err: err}
	}

	s.logger.Info("Charger set up",
		zap.String("name", s.displayName),
		zap.String("cable", s.Cable().Name),
		zap.Int("points", len(s.points)))
	return nil
}

// Run refreshes all properties every poll interval until ctx is done.
// Poll failures keep the stale snapshot and are only logged.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Polling charger", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.coordinator.RefreshAll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("Update failed", zap.Error(err))
			}
		}
	}
}

// Refresh requests an immediate full refresh
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.coordinator.RefreshAll(ctx)
	return err
}

// Reauthenticate validates apiKey and, if accepted, switches the live client
// to it. The coordinator and points are kept.
func (s *Service) Reauthenticate(ctx context.Context, apiKey string) error {
	if s.newValidator == nil {
		return errors.New("reauthentication not supported")
	}

	if _, err := s.newValidator(apiKey).ValidateConnection(ctx); err != nil {
		return &SetupError{Reason: ixapi.SetupReason(err), Err: err}
	}

	s.client.SetAPIKey(apiKey)
	s.logger.Info("API key replaced")

	if _, err := s.coordinator.RefreshAll(ctx); err != nil {
		s.logger.Warn("Refresh after reauthentication failed", zap.Error(err))
	}
	return nil
}

// Points returns all points in a stable order
func (s *Service) Points() []Readable {
	points := make([]Readable, len(s.points))
	copy(points, s.points)
	return points
}

// Point returns the point with the given id, e.g. "switch.charging_enable"
func (s *Service) Point(id string) (Readable, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPointNotFound, id)
	}
	return p, nil
}

// Writable returns the writable point with the given id
func (s *Service) Writable(id string) (Writable, error) {
	p, err := s.Point(id)
	if err != nil {
		return nil, err
	}
	w, ok := p.(Writable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	return w, nil
}

// Write writes value to the writable point with the given id
func (s *Service) Write(ctx context.Context, id string, value ixapi.Value) error {
	w, err := s.Writable(id)
	if err != nil {
		return err
	}
	return w.Write(ctx, value)
}

// HandleWrite implements the MQTT command handler
func (s *Service) HandleWrite(ctx context.Context, pointID string, payload string) error {
	return s.Write(ctx, pointID, ixapi.ParseValue(payload))
}

// DeviceInfo returns the charger description
func (s *Service) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		SerialNumber:        s.serial,
		Name:                s.displayName,
		Manufacturer:        manufacturer,
		Model:               model,
		CableType:           s.CableType(),
		Cable:               s.Cable(),
		LastUpdateSucceeded: s.coordinator.LastUpdateSucceeded(),
		LastUpdate:          s.coordinator.LastUpdate(),
	}
}
