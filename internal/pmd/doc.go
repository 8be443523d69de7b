// Package pmd implements the wire format of the Polar Measurement Data (PMD)
// protocol and the standard Bluetooth Heart Rate Measurement characteristic.
//
// The package is stateless:
//   - Encode* functions build control point commands
//   - Decode* functions parse control point replies, settings replies,
//     streamed sample frames, heart rate frames and the feature bitmask
//   - The settings table maps each SettingType to its element layout
//
// Buffers that do not match a recognised shape are rejected with an error
// wrapping ErrMalformedFrame; a partially decoded value is never returned.
package pmd
