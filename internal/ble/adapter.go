// Package ble is the platform Bluetooth layer. The interfaces mirror the
// steps a central walks through to reach a GATT characteristic: request a
// device, open a GATT session, resolve the primary service, resolve the
// characteristic, then start notifications and write. TinyGoAdapter
// implements them on top of tinygo.org/x/bluetooth; tests use fakes.
package ble

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when discovery, a service or a characteristic
// lookup comes back empty.
var ErrNotFound = errors.New("not found")

// Filter selects which advertisements RequestDevice and Scan accept.
type Filter struct {
	ServiceUUID string // normalized 128-bit form
	NamePrefix  string // optional, case-insensitive
}

// MatchName reports whether a local name passes the prefix filter.
func (f Filter) MatchName(name string) bool {
	if f.NamePrefix == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(f.NamePrefix))
}

// Advertisement is one peripheral seen while scanning.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
}

// Adapter is the host Bluetooth controller.
type Adapter interface {
	// Enable powers on the adapter. Safe to call more than once.
	Enable() error
	// RequestDevice scans until the first peripheral matching filter shows
	// up, or ctx ends.
	RequestDevice(ctx context.Context, filter Filter) (Device, error)
	// Scan reports every distinct matching peripheral until ctx ends.
	Scan(ctx context.Context, filter Filter, found func(Advertisement)) error
}

// Device is a discovered peripheral.
type Device interface {
	ID() string
	Name() string
	// Connected reports whether a GATT session is live.
	Connected() bool
	// ConnectGATT opens the GATT session.
	ConnectGATT(ctx context.Context) (Server, error)
	Disconnect() error
	// OnDisconnect registers fn for unsolicited disconnects. The returned
	// func detaches it.
	OnDisconnect(fn func()) (detach func())
}

// Server is an open GATT session.
type Server interface {
	PrimaryService(ctx context.Context, uuid string) (Service, error)
}

// Service is a resolved GATT service.
type Service interface {
	UUID() string
	Characteristic(ctx context.Context, uuid string) (Characteristic, error)
}

// Characteristic is a resolved GATT characteristic.
type Characteristic interface {
	UUID() string
	// StartNotifications subscribes to value pushes. Calling it while
	// already subscribed re-arms the subscription.
	StartNotifications(ctx context.Context) error
	Write(ctx context.Context, data []byte) error
	// OnValueChanged registers fn for notification payloads. The returned
	// func detaches it.
	OnValueChanged(fn func([]byte)) (detach func())
}
