// Package ble is the BLE GATT transport: scanning, connecting, subscribing
// to notify characteristics, and forwarding raw notification bytes
// upstream. It never interprets those bytes — record semantics belong to
// internal/ftms.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/safego"
)

// State is a connection-state event emitted by the transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

var (
	ErrNotFound         = errors.New("ble: device not found")
	ErrUnsupported      = errors.New("ble: peer does not expose a required FMS characteristic")
	ErrAlreadyConnected = errors.New("ble: already connected")
	ErrNotConnected     = errors.New("ble: not connected")
)

// Transport is the contract the device source façade depends on. It is
// deliberately ignorant of FMS record layout — Subscribe callbacks receive
// wire bytes verbatim.
type Transport interface {
	Scan(ctx context.Context, duration time.Duration) ([]model.DeviceDescriptor, error)
	Connect(ctx context.Context, address string) error
	Disconnect() error
	Subscribe(charUUID string, fn func(buf []byte)) error
	OnState(fn func(State))
}

// AdapterTransport wraps a tinygo.org/x/bluetooth adapter. One instance
// tracks exactly one peer connection at a time, matching the façade's
// single-device-per-workout model.
type AdapterTransport struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu           sync.Mutex
	device       *bluetooth.Device
	chars        map[string]bluetooth.DeviceCharacteristic
	stateEvent   func(State)
	connectedAt  string
	addressCache map[string]bluetooth.Address
}

// NewAdapterTransport panics if adapter or logger is nil, matching the
// fail-fast-on-construction discipline used throughout this codebase.
func NewAdapterTransport(adapter *bluetooth.Adapter, logger *log.Logger) *AdapterTransport {
	if adapter == nil {
		panic("ble: adapter cannot be nil")
	}
	if logger == nil {
		panic("ble: logger cannot be nil")
	}
	return &AdapterTransport{
		adapter:      adapter,
		logger:       logger,
		chars:        make(map[string]bluetooth.DeviceCharacteristic),
		addressCache: make(map[string]bluetooth.Address),
	}
}

func (t *AdapterTransport) OnState(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateEvent = fn
}

func (t *AdapterTransport) emit(s State) {
	t.mu.Lock()
	fn := t.stateEvent
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Scan enumerates advertising peers for up to duration. Every peer seen is
// returned; results are not filtered by advertised service, so the FMS
// service check happens only at Connect.
func (t *AdapterTransport) Scan(ctx context.Context, duration time.Duration) ([]model.DeviceDescriptor, error) {
	found := make(map[string]model.DeviceDescriptor)
	var mu sync.Mutex

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	done := make(chan error, 1)
	safego.Go(t.logger, func() {
		done <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			mu.Lock()
			defer mu.Unlock()
			found[addr] = model.DeviceDescriptor{
				Address: addr,
				Name:    result.LocalName(),
				Kind:    inferKind(result.LocalName()),
				Source:  model.SourceLive,
			}
			t.mu.Lock()
			t.addressCache[addr] = result.Address
			t.mu.Unlock()
		})
	})

	<-scanCtx.Done()
	_ = t.adapter.StopScan()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	descriptors := make([]model.DeviceDescriptor, 0, len(found))
	for _, d := range found {
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func inferKind(name string) model.Kind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "row"):
		return model.KindRower
	case strings.Contains(lower, "bike"), strings.Contains(lower, "trainer"), strings.Contains(lower, "cycle"):
		return model.KindBike
	default:
		return model.KindBike
	}
}

// Connect is idempotent: connecting to the address already connected is a
// no-op success, matching §4.1's contract.
func (t *AdapterTransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	if t.device != nil && t.connectedAt == address {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.emit(StateConnecting)

	t.mu.Lock()
	addr, known := t.addressCache[address]
	t.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s (scan first)", ErrNotFound, address)
	}

	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		t.emit(StateError)
		return fmt.Errorf("ble: connect %s: %w", address, err)
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		_ = device.Disconnect()
		t.emit(StateError)
		return fmt.Errorf("ble: discover services: %w", err)
	}

	hasFMS := false
	for _, svc := range services {
		if svc.UUID().String() == fmsServiceUUID {
			hasFMS = true
		}
	}
	if !hasFMS {
		_ = device.Disconnect()
		t.emit(StateError)
		return ErrUnsupported
	}

	t.mu.Lock()
	t.device = &device
	t.connectedAt = address
	t.chars = make(map[string]bluetooth.DeviceCharacteristic)
	t.mu.Unlock()

	t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			t.mu.Lock()
			t.device = nil
			t.connectedAt = ""
			t.mu.Unlock()
			t.emit(StateDisconnected)
		}
	})

	t.emit(StateConnected)
	return nil
}

// Disconnect is idempotent per §4.1.
func (t *AdapterTransport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	t.connectedAt = ""
	t.chars = make(map[string]bluetooth.DeviceCharacteristic)
	t.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	t.emit(StateDisconnected)
	return nil
}

// Subscribe enables notifications on charUUID, discovering the owning
// service/characteristic lazily and caching the result the way the
// teacher's device wrapper caches discovered characteristics.
func (t *AdapterTransport) Subscribe(charUUID string, fn func(buf []byte)) error {
	t.mu.Lock()
	device := t.device
	cached, hasCached := t.chars[charUUID]
	t.mu.Unlock()

	if device == nil {
		return ErrNotConnected
	}

	characteristic := cached
	if !hasCached {
		found, err := t.discoverCharacteristic(*device, charUUID)
		if err != nil {
			return err
		}
		characteristic = found
		t.mu.Lock()
		t.chars[charUUID] = characteristic
		t.mu.Unlock()
	}

	return characteristic.EnableNotifications(func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		fn(cp)
	})
}

func (t *AdapterTransport) discoverCharacteristic(device bluetooth.Device, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	services, err := device.DiscoverServices(nil)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover services: %w", err)
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, c := range chars {
			if c.UUID().String() == charUUID {
				return c, nil
			}
		}
	}
	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: characteristic %s", ErrUnsupported, charUUID)
}

const fmsServiceUUID = "00001826-0000-1000-8000-00805f9b34fb"
