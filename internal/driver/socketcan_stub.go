//go:build !linux

package driver

import "errors"

// OpenSocketCAN is unavailable off Linux; the sim and serial backends still
// work there.
func OpenSocketCAN(iface string) (Driver, error) {
	return nil, errors.New("socketcan: only supported on linux")
}
