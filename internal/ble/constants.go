package ble

import (
	"fmt"
	"strconv"
	"strings"

	"tinygo.org/x/bluetooth"
)

const (
	// UARTServiceUUID is the HM-10 style serial service advertised by the vehicle
	UARTServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"

	// UARTCharUUID is the read/write/notify characteristic carrying all traffic
	UARTCharUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// NormalizeUUID expands 16-bit short forms ("ffe0", "0xFFE0") onto the
// Bluetooth base UUID and lowercases full 128-bit UUIDs.
func NormalizeUUID(s string) (string, error) {
	u, err := parseUUID(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func parseUUID(s string) (bluetooth.UUID, error) {
	s = strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(short) == 4 {
		v, err := strconv.ParseUint(short, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid 16-bit UUID %q", s)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	u, err := bluetooth.ParseUUID(strings.ToLower(s))
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}
