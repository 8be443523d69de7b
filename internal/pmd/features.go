package pmd

import (
	"encoding/binary"
	"strings"
)

const (
	featuresMarker = 0x0F
	featuresSize   = 17
)

// Features is the set of measurement types a sensor supports, one bit per
// SensorType code.
type Features uint16

// Has reports whether the sensor supports s.
func (f Features) Has(s SensorType) bool {
	return s.Valid() && f&(1<<s) != 0
}

// Sensors lists the supported sensors in code order.
func (f Features) Sensors() []SensorType {
	var out []SensorType
	for _, s := range SensorTypes {
		if f.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (f Features) String() string {
	names := make([]string, 0, len(SensorTypes))
	for _, s := range f.Sensors() {
		names = append(names, s.String())
	}
	return strings.Join(names, "|")
}

// DecodeFeatures decodes the 17-byte value read from the PMD control point.
// Bytes 1 and 2 form a little-endian bitmask indexed by SensorType code.
func DecodeFeatures(buf []byte) (Features, error) {
	if len(buf) != featuresSize {
		return 0, malformed("features", buf, "want %d bytes, have %d", featuresSize, len(buf))
	}
	if buf[0] != featuresMarker {
		return 0, malformed("features", buf, "bad marker %#02x", buf[0])
	}
	return Features(binary.LittleEndian.Uint16(buf[1:3])), nil
}
