package charger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/julienar/ixcharged/internal/ixapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRefreshAllReplacesSnapshot(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	coord := NewCoordinator(client, zap.NewNop(), nil)

	assert.Nil(t, coord.Data())
	assert.False(t, coord.LastUpdateSucceeded())

	data, err := coord.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, data, len(ixapi.AllKeys))
	assert.True(t, coord.LastUpdateSucceeded())
	assert.False(t, coord.LastUpdate().IsZero())

	client.set(ixapi.TargetCurrent, ixapi.NumberValue(12))
	_, err = coord.RefreshAll(context.Background())
	require.NoError(t, err)

	v, ok := coord.Value(ixapi.TargetCurrent)
	require.True(t, ok)
	assert.True(t, v.Equal(ixapi.NumberValue(12)))
}

func TestRefreshAllFailureKeepsSnapshot(t *testing.T) {
	errs := []error{
		&ixapi.ConnectionError{Err: context.DeadlineExceeded},
		&ixapi.APIError{StatusCode: 500},
		ixapi.ErrAuth,
		ixapi.ErrNotFound,
	}

	for _, fetchErr := range errs {
		t.Run(fetchErr.Error(), func(t *testing.T) {
			client := newFakeClient(sampleSnapshot())
			coord := NewCoordinator(client, zap.NewNop(), nil)

			_, err := coord.RefreshAll(context.Background())
			require.NoError(t, err)
			before := coord.Data()

			client.failFetch(fetchErr)
			_, err = coord.RefreshAll(context.Background())

			var updateErr *UpdateFailedError
			require.ErrorAs(t, err, &updateErr)
			assert.ErrorIs(t, err, fetchErr)
			assert.False(t, coord.LastUpdateSucceeded())
			assert.Equal(t, before, coord.Data())

			// stale data is retained but reported unavailable
			_, ok := coord.Value(ixapi.ChargingEnable)
			assert.False(t, ok)
		})
	}
}

func TestRefreshAllNotifiesObservers(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	coord := NewCoordinator(client, zap.NewNop(), nil)

	var calls atomic.Int32
	coord.Subscribe(func() { calls.Add(1) })

	_, err := coord.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	client.failFetch(errors.New("boom"))
	_, err = coord.RefreshAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshSingleMergesValue(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	coord := NewCoordinator(client, zap.NewNop(), nil)
	_, err := coord.RefreshAll(context.Background())
	require.NoError(t, err)

	client.set(ixapi.Signal, ixapi.NumberValue(80))
	client.set(ixapi.TargetCurrent, ixapi.NumberValue(13))

	v, ok := coord.RefreshSingle(context.Background(), ixapi.Signal)
	require.True(t, ok)
	assert.True(t, v.Equal(ixapi.NumberValue(80)))

	data := coord.Data()
	assert.True(t, data[ixapi.Signal].Equal(ixapi.NumberValue(80)))
	// other keys untouched until the next full poll
	assert.True(t, data[ixapi.TargetCurrent].Equal(ixapi.NumberValue(8)))
}

func TestRefreshSingleSwallowsErrors(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	coord := NewCoordinator(client, zap.NewNop(), nil)
	_, err := coord.RefreshAll(context.Background())
	require.NoError(t, err)
	before := coord.Data()

	client.failFetch(&ixapi.ConnectionError{Err: errors.New("reset")})
	_, ok := coord.RefreshSingle(context.Background(), ixapi.Signal)
	assert.False(t, ok)

	assert.True(t, coord.LastUpdateSucceeded())
	assert.Equal(t, before, coord.Data())
}

func TestRefreshSingleBeforeFirstPoll(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	coord := NewCoordinator(client, zap.NewNop(), nil)

	v, ok := coord.RefreshSingle(context.Background(), ixapi.Signal)
	assert.True(t, ok)
	assert.True(t, v.Equal(ixapi.NumberValue(64)))
	assert.Nil(t, coord.Data())
}

func TestSetValueRequiresSnapshot(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	coord := NewCoordinator(client, zap.NewNop(), nil)

	assert.False(t, coord.SetValue(ixapi.ChargingEnable, ixapi.BoolValue(true)))

	_, err := coord.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.True(t, coord.SetValue(ixapi.ChargingEnable, ixapi.BoolValue(true)))

	v, ok := coord.Value(ixapi.ChargingEnable)
	require.True(t, ok)
	assert.True(t, v.Equal(ixapi.BoolValue(true)))
}

func TestDataReturnsCopy(t *testing.T) {
	client := newFakeClient(sampleSnapshot())
	coord := NewCoordinator(client, zap.NewNop(), nil)
	_, err := coord.RefreshAll(context.Background())
	require.NoError(t, err)

	data := coord.Data()
	data[ixapi.Signal] = ixapi.NumberValue(1)

	v, _ := coord.Value(ixapi.Signal)
	assert.True(t, v.Equal(ixapi.NumberValue(64)))
}
