package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/vitaminmoo/rccar/internal/ble"
)

// fakeCharacteristic records writes and notification starts.
type fakeCharacteristic struct {
	uuid string

	mu         sync.Mutex
	writes     [][]byte
	startCalls int
	startErr   error
	writeErr   error

	values ble.Listeners[[]byte]
}

func (c *fakeCharacteristic) UUID() string { return c.uuid }

func (c *fakeCharacteristic) StartNotifications(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	return c.startErr
}

func (c *fakeCharacteristic) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeCharacteristic) OnValueChanged(fn func([]byte)) func() {
	return c.values.Add(fn)
}

// Notify simulates a value push from the peripheral.
func (c *fakeCharacteristic) Notify(s string) {
	c.values.Emit([]byte(s))
}

func (c *fakeCharacteristic) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *fakeCharacteristic) StartCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCalls
}

func (c *fakeCharacteristic) setStartErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

type fakeService struct {
	uuid    string
	chars   map[string]*fakeCharacteristic
	lookups []string
	err     error
}

func (s *fakeService) UUID() string { return s.uuid }

func (s *fakeService) Characteristic(_ context.Context, uuid string) (ble.Characteristic, error) {
	s.lookups = append(s.lookups, uuid)
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.chars[uuid]
	if !ok {
		return nil, fmt.Errorf("characteristic %s: %w", uuid, ble.ErrNotFound)
	}
	return c, nil
}

type fakeServer struct {
	services map[string]*fakeService
	lookups  []string
	err      error
}

func (s *fakeServer) PrimaryService(_ context.Context, uuid string) (ble.Service, error) {
	s.lookups = append(s.lookups, uuid)
	if s.err != nil {
		return nil, s.err
	}
	svc, ok := s.services[uuid]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", uuid, ble.ErrNotFound)
	}
	return svc, nil
}

type fakeDevice struct {
	id, name string
	server   *fakeServer

	mu            sync.Mutex
	connected     bool
	connectErr    error
	connectCalls  int
	disconnectErr error
	afterConnect  func() // runs once the link is up, before ConnectGATT returns

	disconnects ble.Listeners[struct{}]
}

func (d *fakeDevice) ID() string   { return d.id }
func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) ConnectGATT(context.Context) (ble.Server, error) {
	d.mu.Lock()
	d.connectCalls++
	if d.connectErr != nil {
		d.mu.Unlock()
		return nil, d.connectErr
	}
	d.connected = true
	hook := d.afterConnect
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return d.server, nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return d.disconnectErr
}

func (d *fakeDevice) OnDisconnect(fn func()) func() {
	return d.disconnects.Add(func(struct{}) { fn() })
}

// SimulateDisconnect drops the link and fires the disconnect listeners.
func (d *fakeDevice) SimulateDisconnect() {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.disconnects.Emit(struct{}{})
}

// fakeAdapter hands out one device per RequestDevice call.
type fakeAdapter struct {
	mu         sync.Mutex
	devices    []*fakeDevice
	requests   []ble.Filter
	requestErr error
	enableErr  error
}

func (a *fakeAdapter) Enable() error { return a.enableErr }

func (a *fakeAdapter) RequestDevice(_ context.Context, filter ble.Filter) (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, filter)
	if a.requestErr != nil {
		return nil, a.requestErr
	}
	if len(a.devices) == 0 {
		return nil, fmt.Errorf("no device: %w", ble.ErrNotFound)
	}
	d := a.devices[0]
	if len(a.devices) > 1 {
		a.devices = a.devices[1:]
	}
	return d, nil
}

func (a *fakeAdapter) Scan(_ context.Context, _ ble.Filter, found func(ble.Advertisement)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.devices {
		found(ble.Advertisement{Address: d.id, Name: d.name})
	}
	return nil
}

func (a *fakeAdapter) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

// newFakeCar builds a device exposing the UART service and characteristic.
func newFakeCar(id string) (*fakeDevice, *fakeCharacteristic) {
	char := &fakeCharacteristic{uuid: ble.UARTCharUUID}
	svc := &fakeService{
		uuid:  ble.UARTServiceUUID,
		chars: map[string]*fakeCharacteristic{ble.UARTCharUUID: char},
	}
	dev := &fakeDevice{
		id:   id,
		name: "HMSoft",
		server: &fakeServer{
			services: map[string]*fakeService{ble.UARTServiceUUID: svc},
		},
	}
	return dev, char
}

func newTestSession(t *testing.T, adapter ble.Adapter) *Session {
	t.Helper()
	s := New(adapter, DefaultOptions())
	t.Cleanup(func() { s.Close() })
	return s
}

// Compile-time checks that the fakes satisfy the ble interfaces.
var (
	_ ble.Adapter        = (*fakeAdapter)(nil)
	_ ble.Device         = (*fakeDevice)(nil)
	_ ble.Server         = (*fakeServer)(nil)
	_ ble.Service        = (*fakeService)(nil)
	_ ble.Characteristic = (*fakeCharacteristic)(nil)
)
