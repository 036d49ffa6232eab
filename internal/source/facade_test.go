package source

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/fitbridge/internal/ble"
	"github.com/lowaak/fitbridge/internal/ftms"
	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/simulator"
)

// fakeTransport is a scriptable ble.Transport: tests set connectErr/scanResult
// up front and inspect recorded calls afterward.
type fakeTransport struct {
	mu sync.Mutex

	scanResult []model.DeviceDescriptor
	scanErr    error
	connectErr error
	connected  int32

	subscribedChar string
	subscribeFn    func([]byte)
	stateFn        func(ble.State)
}

func (f *fakeTransport) Scan(ctx context.Context, d time.Duration) ([]model.DeviceDescriptor, error) {
	return f.scanResult, f.scanErr
}

func (f *fakeTransport) Connect(ctx context.Context, address string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	atomic.StoreInt32(&f.connected, 1)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	atomic.StoreInt32(&f.connected, 0)
	return nil
}

func (f *fakeTransport) Subscribe(charUUID string, fn func(buf []byte)) error {
	f.mu.Lock()
	f.subscribedChar = charUUID
	f.subscribeFn = fn
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnState(fn func(ble.State)) {
	f.mu.Lock()
	f.stateFn = fn
	f.mu.Unlock()
}

func (f *fakeTransport) emit(s ble.State) {
	f.mu.Lock()
	fn := f.stateFn
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func testLogger() *log.Logger { return log.New(log.Writer(), "", 0) }

func newTestFacade(t *testing.T, transport ble.Transport) *Facade {
	t.Helper()
	logger := testLogger()
	return NewFacade(transport, ftms.NewDecoder(), simulator.NewSource(logger, 1), logger, nil)
}

func TestDiscover_UnionsLiveScanWithSimulatorDescriptors(t *testing.T) {
	transport := &fakeTransport{scanResult: []model.DeviceDescriptor{
		{Address: "aa:bb", Name: "Real Bike", Kind: model.KindBike, Source: model.SourceLive},
	}}
	f := newTestFacade(t, transport)

	devices, err := f.Discover(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 3)
	var sawSim int
	for _, d := range devices {
		if d.Source == model.SourceSimulated {
			sawSim++
		}
	}
	assert.Equal(t, 2, sawSim)
}

func TestDiscover_PropagatesScanError(t *testing.T) {
	transport := &fakeTransport{scanErr: errors.New("adapter busy")}
	f := newTestFacade(t, transport)

	_, err := f.Discover(context.Background(), time.Millisecond)
	assert.Error(t, err)
}

func TestConnect_SimulatedAddressNeverTouchesTransport(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("should never be called")}
	f := newTestFacade(t, transport)

	desc := model.DeviceDescriptor{Address: "sim://bike", Kind: model.KindBike, Source: model.SourceSimulated}
	err := f.Connect(context.Background(), desc)
	require.NoError(t, err)
}

func TestConnect_LiveAddressSubscribesCorrectCharacteristic(t *testing.T) {
	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	desc := model.DeviceDescriptor{Address: "aa:bb", Kind: model.KindRower, Source: model.SourceLive}
	require.NoError(t, f.Connect(context.Background(), desc))
	assert.Equal(t, ftms.CharUUIDRowerData, transport.subscribedChar)
}

func TestConnect_AlreadyConnectedIsRejected(t *testing.T) {
	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	desc := model.DeviceDescriptor{Address: "sim://bike", Source: model.SourceSimulated}
	require.NoError(t, f.Connect(context.Background(), desc))

	err := f.Connect(context.Background(), desc)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestHandleRawSample_StampsMonotonicTimestamps(t *testing.T) {
	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	var received []model.Sample
	f.OnSample(func(s model.Sample) { received = append(received, s) })

	f.BeginWorkout(model.KindBike)
	// Three samples with an identical (or regressing) wall-clock source
	// timestamp must still come out strictly increasing.
	f.handleRawSample(model.Sample{Kind: model.KindBike})
	f.handleRawSample(model.Sample{Kind: model.KindBike})
	f.handleRawSample(model.Sample{Kind: model.KindBike})

	require.Len(t, received, 3)
	assert.True(t, received[1].T.After(received[0].T))
	assert.True(t, received[2].T.After(received[1].T))
}

func TestHandleRawSample_DroppedBeforeBeginWorkout(t *testing.T) {
	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	var count int
	f.OnSample(func(model.Sample) { count++ })
	f.handleRawSample(model.Sample{Kind: model.KindBike})
	assert.Equal(t, 0, count)
}

func TestOnState_NewListenerReceivesLastKnownStateImmediately(t *testing.T) {
	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	transport.emit(ble.StateConnecting)

	var got ble.State = ble.State(-1)
	f.OnState(func(s ble.State) { got = s })
	assert.Equal(t, ble.StateConnecting, got)
}

func TestDisconnect_ResetsDecoderForLiveSource(t *testing.T) {
	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	desc := model.DeviceDescriptor{Address: "aa:bb", Kind: model.KindBike, Source: model.SourceLive}
	require.NoError(t, f.Connect(context.Background(), desc))

	// Leave a partial IBD record buffered, as if the link dropped mid-record.
	_, ok := f.decoder.DecodeIndoorBikeData([]byte{0x01, 0x00, 0xE8, 0x03})
	require.False(t, ok)

	require.NoError(t, f.Disconnect())

	// After the reset a new "more data" fragment starts a fresh buffer
	// instead of colliding with the stale one.
	_, ok = f.decoder.DecodeIndoorBikeData([]byte{0x01, 0x00, 0xE8, 0x03})
	require.False(t, ok)
	assert.Equal(t, 0, f.decoder.Stats().MalformedRecords)
}

func TestReconnectLoop_ResubscribesAfterSuccessfulReconnect(t *testing.T) {
	origSteps, origWindow := backoffSteps, backoffWindow
	defer func() { backoffSteps, backoffWindow = origSteps, origWindow }()
	backoffSteps = []time.Duration{time.Millisecond}
	backoffWindow = time.Second

	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	desc := model.DeviceDescriptor{Address: "aa:bb", Kind: model.KindRower, Source: model.SourceLive}
	require.NoError(t, f.Connect(context.Background(), desc))
	f.BeginWorkout(model.KindRower)

	// A real disconnect/reconnect wipes the transport's characteristic
	// cache; simulate that by clearing what Connect just recorded.
	transport.mu.Lock()
	transport.subscribedChar = ""
	transport.subscribeFn = nil
	transport.mu.Unlock()

	var aborted atomic.Bool
	f.OnWorkoutAborted(func() { aborted.Store(true) })

	f.startReconnectLoop(desc.Address)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		got := transport.subscribedChar
		transport.mu.Unlock()
		if got != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	transport.mu.Lock()
	got := transport.subscribedChar
	transport.mu.Unlock()
	assert.Equal(t, ftms.CharUUIDRowerData, got)
	assert.False(t, aborted.Load())
}

func TestHandleRawNotification_NotifiesDecodeErrorOnMalformedPayload(t *testing.T) {
	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	var got DecodeError
	var fired atomic.Bool
	f.OnDecodeError(func(e DecodeError) {
		got = e
		fired.Store(true)
	})

	// Flags only, no payload: long enough to clear fragmentation but too
	// short for any field the flags claim are present, so the decoder
	// counts it as truncated rather than emitting a sample.
	f.handleRawNotification(model.KindBike)([]byte{0x00, 0x00})

	assert.True(t, fired.Load())
	assert.Equal(t, 1, got.Truncated)
}

func TestReconnectLoop_AbortsAfterWindowExpiresWithNoSuccess(t *testing.T) {
	origSteps, origWindow := backoffSteps, backoffWindow
	defer func() { backoffSteps, backoffWindow = origSteps, origWindow }()
	backoffSteps = []time.Duration{time.Millisecond, time.Millisecond}
	backoffWindow = 20 * time.Millisecond

	transport := &fakeTransport{}
	f := newTestFacade(t, transport)

	desc := model.DeviceDescriptor{Address: "aa:bb", Kind: model.KindBike, Source: model.SourceLive}
	require.NoError(t, f.Connect(context.Background(), desc))
	f.BeginWorkout(model.KindBike)

	// The initial connect succeeded; from here on the peer stays unreachable.
	transport.connectErr = errors.New("peer unreachable")

	var aborted atomic.Bool
	f.OnWorkoutAborted(func() { aborted.Store(true) })

	f.startReconnectLoop(desc.Address)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if aborted.Load() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, aborted.Load())
}
