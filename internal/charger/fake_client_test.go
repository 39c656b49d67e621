package charger

import (
	"context"
	"sync"

	"github.com/julienar/ixcharged/internal/ixapi"
)

type setCall struct {
	key   ixapi.PropertyKey
	value ixapi.Value
}

// fakeClient is an in-memory stand-in for the cloud API
type fakeClient struct {
	mu          sync.Mutex
	data        ixapi.Snapshot
	fetchErr    error
	setErr      error
	validateErr error
	apiKey      string
	fetchCalls  [][]ixapi.PropertyKey
	setCalls    []setCall

	// when non-nil SetProperty signals setStarted and waits for setRelease
	setStarted chan struct{}
	setRelease chan struct{}
}

func newFakeClient(data ixapi.Snapshot) *fakeClient {
	return &fakeClient{data: data}
}

func (f *fakeClient) FetchProperties(ctx context.Context, keys []ixapi.PropertyKey) (ixapi.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls = append(f.fetchCalls, keys)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	out := ixapi.Snapshot{}
	for _, key := range keys {
		if v, ok := f.data[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func (f *fakeClient) SetProperty(ctx context.Context, key ixapi.PropertyKey, value ixapi.Value) (bool, error) {
	f.mu.Lock()
	f.setCalls = append(f.setCalls, setCall{key: key, value: value})
	started, release := f.setStarted, f.setRelease
	err := f.setErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}

	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeClient) ValidateConnection(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr != nil {
		return false, f.validateErr
	}
	return true, nil
}

func (f *fakeClient) SetAPIKey(apiKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKey = apiKey
}

func (f *fakeClient) set(key ixapi.PropertyKey, value ixapi.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}

func (f *fakeClient) failFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeClient) setCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.setCalls)
}

func (f *fakeClient) lastSet() setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls[len(f.setCalls)-1]
}

func (f *fakeClient) fetchedSingle(key ixapi.PropertyKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, keys := range f.fetchCalls {
		if len(keys) == 1 && keys[0] == key {
			return true
		}
	}
	return false
}

func (f *fakeClient) fullFetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, keys := range f.fetchCalls {
		if len(keys) == len(ixapi.AllKeys) {
			n++
		}
	}
	return n
}

func sampleSnapshot() ixapi.Snapshot {
	return ixapi.Snapshot{
		ixapi.ChargingEnable:       ixapi.BoolValue(false),
		ixapi.MaximumCurrent:       ixapi.NumberValue(16),
		ixapi.TargetCurrent:        ixapi.NumberValue(8),
		ixapi.CurrentChargingPower: ixapi.NumberValue(3680.4),
		ixapi.ChargingCurrent:      ixapi.NumberValue(5.456),
		ixapi.ChargingCurrentL2:    ixapi.NumberValue(5.4),
		ixapi.ChargingCurrentL3:    ixapi.Null,
		ixapi.TotalEnergy:          ixapi.NumberValue(123456.7),
		ixapi.SinglePhase:          ixapi.BoolValue(true),
		ixapi.Signal:               ixapi.NumberValue(64),
		ixapi.ChargingStatus:       ixapi.StringValue("CHARGING"),
	}
}
