package testutils

import (
	"encoding/binary"

	"github.com/srg/pmdctl/internal/pmd"
)

// FeaturesValue encodes the 17-byte feature read for the given sensors.
func FeaturesValue(sensors ...pmd.SensorType) []byte {
	var mask uint16
	for _, s := range sensors {
		mask |= 1 << s
	}
	buf := make([]byte, 17)
	buf[0] = 0x0F
	binary.LittleEndian.PutUint16(buf[1:], mask)
	return buf
}

// ReplyTo builds the control point reply a sensor sends for cmd with status
// code. Settings queries are answered with an empty settings list.
func ReplyTo(cmd []byte, code pmd.ErrorCode) []byte {
	if len(cmd) < 2 {
		return nil
	}
	return []byte{0xF0, cmd[0], cmd[1], byte(code), 0x00}
}
