package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitaminmoo/rccar/internal/config"
	"github.com/vitaminmoo/rccar/internal/util"

	"tinygo.org/x/bluetooth"
)

// tinyDevice is a peripheral found by TinyGoAdapter.RequestDevice.
type tinyDevice struct {
	adapter *TinyGoAdapter
	address bluetooth.Address
	id      string
	name    string

	mu        sync.Mutex
	device    *bluetooth.Device
	connected bool
	chars     []*tinyCharacteristic

	disconnects Listeners[struct{}]
}

func (d *tinyDevice) ID() string   { return d.id }
func (d *tinyDevice) Name() string { return d.name }

func (d *tinyDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *tinyDevice) OnDisconnect(fn func()) func() {
	return d.disconnects.Add(func(struct{}) { fn() })
}

// ConnectGATT connects to the peripheral. The platform call blocks with its
// own timeout; ctx only stops us waiting for it.
func (d *tinyDevice) ConnectGATT(ctx context.Context) (Server, error) {
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := d.adapter.connect(d.address)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to %s: %w", d.id, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", d.id, res.err)
		}
		d.mu.Lock()
		d.device = &res.device
		d.connected = true
		d.chars = nil
		d.mu.Unlock()
		config.Debugf("Connected to %s", d.id)
		return &tinyServer{device: d}, nil
	}
}

func (d *tinyDevice) Disconnect() error {
	d.mu.Lock()
	dev := d.device
	d.connected = false
	d.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Disconnect()
}

func (d *tinyDevice) handleDisconnect() {
	d.mu.Lock()
	wasConnected := d.connected
	d.connected = false
	for _, c := range d.chars {
		c.resetNotify()
	}
	d.mu.Unlock()
	if !wasConnected {
		return
	}
	config.Debugf("Device %s disconnected", d.id)
	d.disconnects.Emit(struct{}{})
}

func (d *tinyDevice) bluetoothDevice() (*bluetooth.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil || !d.connected {
		return nil, fmt.Errorf("device %s not connected", d.id)
	}
	return d.device, nil
}

type tinyServer struct {
	device *tinyDevice
}

func (s *tinyServer) PrimaryService(ctx context.Context, uuid string) (Service, error) {
	u, err := parseUUID(uuid)
	if err != nil {
		return nil, err
	}
	dev, err := s.device.bluetoothDevice()
	if err != nil {
		return nil, err
	}

	config.Debugf("Discovering service %s...", u)
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{u})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s: %w", u, ErrNotFound)
	}
	return &tinyService{device: s.device, svc: svcs[0]}, nil
}

type tinyService struct {
	device *tinyDevice
	svc    bluetooth.DeviceService
}

func (s *tinyService) UUID() string { return s.svc.UUID().String() }

func (s *tinyService) Characteristic(ctx context.Context, uuid string) (Characteristic, error) {
	u, err := parseUUID(uuid)
	if err != nil {
		return nil, err
	}

	config.Debugf("Discovering characteristic %s...", u)
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{u})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s: %w", u, ErrNotFound)
	}

	c := &tinyCharacteristic{device: s.device, char: chars[0]}
	s.device.mu.Lock()
	s.device.chars = append(s.device.chars, c)
	s.device.mu.Unlock()
	return c, nil
}

type tinyCharacteristic struct {
	device *tinyDevice
	char   bluetooth.DeviceCharacteristic

	mu        sync.Mutex
	notifying bool

	values Listeners[[]byte]
}

func (c *tinyCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinyCharacteristic) OnValueChanged(fn func([]byte)) func() {
	return c.values.Add(fn)
}

// StartNotifications enables notifications once per connection; later
// calls on a live subscription are no-ops.
func (c *tinyCharacteristic) StartNotifications(ctx context.Context) error {
	if !c.device.Connected() {
		return fmt.Errorf("start notifications: device %s not connected", c.device.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifying {
		return nil
	}

	err := c.char.EnableNotifications(func(buf []byte) {
		config.Debugf("Notification received: %d bytes %s", len(buf), util.FormatPayload(buf))
		// the platform reuses buf
		cp := make([]byte, len(buf))
		copy(cp, buf)
		c.values.Emit(cp)
	})
	if err != nil {
		return fmt.Errorf("start notifications: %w", err)
	}
	c.notifying = true
	return nil
}

func (c *tinyCharacteristic) resetNotify() {
	c.mu.Lock()
	c.notifying = false
	c.mu.Unlock()
}

func (c *tinyCharacteristic) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	config.Debugf("Writing %d bytes %s", len(data), util.FormatPayload(data))
	if _, err := c.char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
