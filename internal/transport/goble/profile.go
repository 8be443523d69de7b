package goble

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/transport"
)

// Bluetooth base UUID suffix of 16-bit assigned numbers.
const (
	baseUUIDPrefix = "0000"
	baseUUIDSuffix = "00001000800000805f9b34fb"
)

// NormalizeUUID lowercases a UUID, strips dashes and shortens SIG base UUIDs
// to their 16-bit form, so "0000180D-0000-1000-8000-00805F9B34FB" and "180d"
// compare equal.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uuid), "-", ""))
	if len(u) == 32 && strings.HasPrefix(u, baseUUIDPrefix) && strings.HasSuffix(u, baseUUIDSuffix) {
		return u[4:8]
	}
	return u
}

// resolveCharacteristics picks the characteristics the transport needs out of
// a discovered profile. The PMD control point and data characteristics are
// required; heart rate and battery are optional.
func resolveCharacteristics(profile *ble.Profile) (characteristics, error) {
	var cs characteristics
	if profile == nil {
		return cs, &transport.NotFoundError{Resource: "service", UUIDs: []string{pmd.ServiceUUID}}
	}

	pmdFound := false
	for _, svc := range profile.Services {
		switch NormalizeUUID(svc.UUID.String()) {
		case NormalizeUUID(pmd.ServiceUUID):
			pmdFound = true
			cs.control = findCharacteristic(svc, pmd.ControlCharUUID)
			cs.data = findCharacteristic(svc, pmd.DataCharUUID)
		case NormalizeUUID(pmd.HeartRateServiceUUID):
			cs.heartRate = findCharacteristic(svc, pmd.HeartRateMeasurementUUID)
		case NormalizeUUID(pmd.BatteryServiceUUID):
			cs.battery = findCharacteristic(svc, pmd.BatteryLevelCharUUID)
		}
	}

	switch {
	case !pmdFound:
		return characteristics{}, &transport.NotFoundError{Resource: "service", UUIDs: []string{pmd.ServiceUUID}}
	case cs.control == nil:
		return characteristics{}, &transport.NotFoundError{Resource: "characteristic", UUIDs: []string{pmd.ServiceUUID, pmd.ControlCharUUID}}
	case cs.data == nil:
		return characteristics{}, &transport.NotFoundError{Resource: "characteristic", UUIDs: []string{pmd.ServiceUUID, pmd.DataCharUUID}}
	}
	return cs, nil
}

func findCharacteristic(svc *ble.Service, uuid string) *ble.Characteristic {
	want := NormalizeUUID(uuid)
	for _, c := range svc.Characteristics {
		if NormalizeUUID(c.UUID.String()) == want {
			return c
		}
	}
	return nil
}
