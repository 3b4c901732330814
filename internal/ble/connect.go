package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitaminmoo/rccar/internal/config"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter implements Adapter over tinygo.org/x/bluetooth.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	// scanMu serializes scans; the platform adapter runs one at a time.
	scanMu sync.Mutex

	// mu protects devices.
	mu      sync.Mutex
	devices map[string]*tinyDevice // keyed by address
}

// NewTinyGoAdapter wraps the platform default adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		devices: make(map[string]*tinyDevice),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Enable() error {
	a.enableOnce.Do(func() {
		// The adapter-level handler is the only place the platform reports
		// disconnects, so route it to the owning device.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := device.Address.String()
			a.mu.Lock()
			d, ok := a.devices[addr]
			a.mu.Unlock()
			if ok {
				d.handleDisconnect()
			}
		})
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("enable bluetooth: %w", err)
		}
	})
	return a.enableErr
}

// RequestDevice scans until the first advertisement matching filter.
func (a *TinyGoAdapter) RequestDevice(ctx context.Context, filter Filter) (Device, error) {
	var found *Advertisement
	var foundAddr bluetooth.Address

	err := a.scan(ctx, filter, func(result bluetooth.ScanResult, adv Advertisement) bool {
		found = &adv
		foundAddr = result.Address
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("no device advertising %s: %w", filter.ServiceUUID, ctx.Err())
		}
		return nil, fmt.Errorf("no device advertising %s: %w", filter.ServiceUUID, ErrNotFound)
	}

	config.Debugf("Found device %q (%s), RSSI %d", found.Name, found.Address, found.RSSI)

	d := &tinyDevice{
		adapter: a,
		address: foundAddr,
		id:      found.Address,
		name:    found.Name,
	}
	a.mu.Lock()
	a.devices[d.id] = d
	a.mu.Unlock()
	return d, nil
}

// Scan reports each distinct matching peripheral until ctx ends.
func (a *TinyGoAdapter) Scan(ctx context.Context, filter Filter, found func(Advertisement)) error {
	seen := make(map[string]bool)
	return a.scan(ctx, filter, func(_ bluetooth.ScanResult, adv Advertisement) bool {
		if !seen[adv.Address] {
			seen[adv.Address] = true
			found(adv)
		}
		return true
	})
}

// scan runs a platform scan, calling match for every result that passes
// filter. Scanning stops when match returns false or ctx ends.
func (a *TinyGoAdapter) scan(ctx context.Context, filter Filter, match func(bluetooth.ScanResult, Advertisement) bool) error {
	if err := a.Enable(); err != nil {
		return err
	}

	var service bluetooth.UUID
	hasService := filter.ServiceUUID != ""
	if hasService {
		u, err := parseUUID(filter.ServiceUUID)
		if err != nil {
			return err
		}
		service = u
	}

	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	config.Debugf("Scanning for %s...", filter.ServiceUUID)

	var mu sync.Mutex
	stopped := false
	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if hasService && !result.HasServiceUUID(service) {
			return
		}
		name := result.LocalName()
		if !filter.MatchName(name) {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		adv := Advertisement{
			Address: result.Address.String(),
			Name:    name,
			RSSI:    int(result.RSSI),
		}
		if !match(result, adv) {
			stopped = true
			adapter.StopScan()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) connect(addr bluetooth.Address) (bluetooth.Device, error) {
	return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
}
