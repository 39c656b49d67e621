package charger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/julienar/ixcharged/internal/ixapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServicePointSet(t *testing.T) {
	svc, _ := newTestService(t, CableType16A)

	var ids []string
	for _, p := range svc.Points() {
		ids = append(ids, p.ID())
	}

	assert.Equal(t, []string{
		"sensor.charging_enable",
		"sensor.maximum_current",
		"sensor.target_current",
		"sensor.current_charging_power",
		"sensor.charging_current_l1",
		"sensor.charging_current_l2",
		"sensor.charging_current_l3",
		"sensor.total_energy",
		"sensor.single_phase",
		"sensor.signal_strength",
		"sensor.charging_status",
		"switch.charging_enable",
		"switch.single_phase",
		"number.maximum_current",
		"number.target_current",
	}, ids)
}

func TestPointUniqueIDs(t *testing.T) {
	svc, _ := newTestService(t, CableType16A)

	seen := map[string]string{}
	for _, p := range svc.Points() {
		uid := p.Info().UniqueID
		prev, dup := seen[uid]
		assert.False(t, dup, "%s shares unique id %s with %s", p.ID(), uid, prev)
		seen[uid] = p.ID()
	}

	sensor, err := svc.Point("sensor.target_current")
	require.NoError(t, err)
	assert.Equal(t, "IX123_targetCurrent", sensor.Info().UniqueID)

	number, err := svc.Point("number.target_current")
	require.NoError(t, err)
	assert.Equal(t, "IX123_target_current", number.Info().UniqueID)
}

func TestServicePointLookup(t *testing.T) {
	svc, _ := newTestService(t, CableType16A)

	_, err := svc.Point("sensor.nope")
	assert.ErrorIs(t, err, ErrPointNotFound)

	_, err = svc.Writable("sensor.target_current")
	assert.ErrorIs(t, err, ErrReadOnly)

	w, err := svc.Writable("number.target_current")
	require.NoError(t, err)
	assert.Equal(t, ixapi.TargetCurrent, w.Key())
}

func TestSetupFailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"unauthorized", ixapi.ErrAuth, ixapi.ReasonInvalidAuth},
		{"timeout", &ixapi.ConnectionError{Err: context.DeadlineExceeded}, ixapi.ReasonCannotConnect},
		{"not found", ixapi.ErrNotFound, ixapi.ReasonDeviceNotFound},
		{"server error", &ixapi.APIError{StatusCode: 502}, ixapi.ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(sampleSnapshot())
			client.validateErr = tt.err
			svc := NewService(Identity{SerialNumber: "IX123"}, client, zap.NewNop())

			err := svc.Setup(context.Background())

			var setupErr *SetupError
			require.ErrorAs(t, err, &setupErr)
			assert.Equal(t, tt.reason, setupErr.Reason)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, svc.Coordinator().Data())
		})
	}
}

func TestSetupFailsWhenFirstRefreshFails(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	client.failFetch(&ixapi.APIError{StatusCode: 500})
	svc := NewService(Identity{SerialNumber: "IX123"}, client, zap.NewNop())

	err := svc.Setup(context.Background())

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, ixapi.ReasonUnknown, setupErr.Reason)
	assert.False(t, svc.Coordinator().LastUpdateSucceeded())
}

type staticValidator struct {
	err error
}

func (v staticValidator) ValidateConnection(context.Context) (bool, error) {
	return v.err == nil, v.err
}

func TestReauthenticate(t *testing.T) {
	var candidates []string
	svc, client := newTestService(t, CableType16A, WithValidatorFactory(func(apiKey string) ConnectionValidator {
		candidates = append(candidates, apiKey)
		if apiKey == "bad" {
			return staticValidator{err: ixapi.ErrAuth}
		}
		return staticValidator{}
	}))

	err := svc.Reauthenticate(context.Background(), "bad")
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, ixapi.ReasonInvalidAuth, setupErr.Reason)
	assert.Empty(t, client.apiKey)

	fullFetches := client.fullFetchCount()
	require.NoError(t, svc.Reauthenticate(context.Background(), "good"))
	assert.Equal(t, "good", client.apiKey)
	assert.Equal(t, fullFetches+1, client.fullFetchCount())
	assert.Equal(t, []string{"bad", "good"}, candidates)
}

func TestReauthenticateUnsupported(t *testing.T) {
	svc, _ := newTestService(t, CableType16A)
	assert.Error(t, svc.Reauthenticate(context.Background(), "key"))
}

func TestHandleWriteParsesPayload(t *testing.T) {
	svc, client := newTestService(t, CableType16A)

	require.NoError(t, svc.HandleWrite(context.Background(), "switch.charging_enable", "ON"))
	assert.True(t, client.lastSet().value.Equal(ixapi.BoolValue(true)))

	require.NoError(t, svc.HandleWrite(context.Background(), "number.target_current", " 12 "))
	assert.True(t, client.lastSet().value.Equal(ixapi.NumberValue(12)))

	assert.ErrorIs(t, svc.HandleWrite(context.Background(), "sensor.signal_strength", "5"), ErrReadOnly)
	assert.ErrorIs(t, svc.HandleWrite(context.Background(), "switch.missing", "on"), ErrPointNotFound)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	svc := NewService(Identity{SerialNumber: "IX123"}, client, zap.NewNop(),
		WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return client.fullFetchCount() >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunKeepsPollingAfterFailure(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	client.failFetch(errors.New("flaky"))
	svc := NewService(Identity{SerialNumber: "IX123"}, client, zap.NewNop(),
		WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	assert.Eventually(t, func() bool {
		return client.fullFetchCount() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, svc.Coordinator().LastUpdateSucceeded())

	client.failFetch(nil)
	assert.Eventually(t, svc.Coordinator().LastUpdateSucceeded, time.Second, 5*time.Millisecond)
}

func TestDeviceInfo(t *testing.T) {
	svc, _ := newTestService(t, CableType32A)

	info := svc.DeviceInfo()
	assert.Equal(t, "IX123", info.SerialNumber)
	assert.Equal(t, "Garage", info.Name)
	assert.Equal(t, "R-EVC", info.Manufacturer)
	assert.Equal(t, "Wallbox EcoVolter", info.Model)
	assert.Equal(t, 32, info.Cable.MaxCurrentAmps)
	assert.True(t, info.LastUpdateSucceeded)
	assert.False(t, info.LastUpdate.IsZero())
}

// fakeCloud is a minimal HTTP rendition of the properties endpoint
type fakeCloud struct {
	mu      sync.Mutex
	data    map[string]any
	patches []map[string]any
}

func (c *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-API-KEY") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Path != "/thing/IX123/properties" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		out := map[string]any{}
		for _, key := range r.URL.Query()["keys"] {
			if v, ok := c.data[key]; ok {
				out[key] = map[string]any{"value": v}
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPatch:
		body, _ := io.ReadAll(r.Body)
		patch := map[string]any{}
		if err := json.Unmarshal(body, &patch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.patches = append(c.patches, patch)
		for k, v := range patch {
			c.data[k] = v
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestTargetCurrentEndToEnd(t *testing.T) {
	cloud := &fakeCloud{data: map[string]any{
		"chargingEnable": true,
		"maximumCurrent": 16,
		"targetCurrent":  8,
		"signal":         70,
		"chargingStatus": "CONNECTED",
	}}
	srv := httptest.NewServer(cloud)
	defer srv.Close()

	client := ixapi.NewClient("secret", "IX123",
		ixapi.WithBaseURL(srv.URL),
		ixapi.WithHTTPClient(srv.Client()))
	svc := NewService(Identity{SerialNumber: "IX123", CableType: CableType16A}, client, zap.NewNop(),
		WithReconcileDelays(10*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, svc.Setup(context.Background()))

	require.NoError(t, svc.Write(context.Background(), "number.target_current", ixapi.NumberValue(10)))

	cloud.mu.Lock()
	require.Len(t, cloud.patches, 1)
	assert.Equal(t, map[string]any{"targetCurrent": 10.0}, cloud.patches[0])
	cloud.mu.Unlock()

	got, ok := read(t, svc, "sensor.target_current")
	require.True(t, ok)
	assert.Equal(t, int64(10), got)

	// 40A on a 16A cable is sent as 16
	require.NoError(t, svc.Write(context.Background(), "number.maximum_current", ixapi.NumberValue(40)))
	cloud.mu.Lock()
	assert.Equal(t, map[string]any{"maximumCurrent": 16.0}, cloud.patches[1])
	cloud.mu.Unlock()
}

func TestSetupRejectsWrongKeyEndToEnd(t *testing.T) {
	srv := httptest.NewServer(&fakeCloud{data: map[string]any{}})
	defer srv.Close()

	client := ixapi.NewClient("wrong", "IX123",
		ixapi.WithBaseURL(srv.URL),
		ixapi.WithHTTPClient(srv.Client()))
	svc := NewService(Identity{SerialNumber: "IX123"}, client, zap.NewNop())

	var setupErr *SetupError
	require.ErrorAs(t, svc.Setup(context.Background()), &setupErr)
	assert.Equal(t, ixapi.ReasonInvalidAuth, setupErr.Reason)
}
