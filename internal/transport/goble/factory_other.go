//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/pmdctl/internal/transport"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("BLE on %s: %w", runtime.GOOS, transport.ErrUnsupported)
}
