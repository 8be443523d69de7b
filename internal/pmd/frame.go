package pmd

import (
	"encoding/binary"
	"time"
)

// Sample frame layout.
const (
	frameSensorOffset    = 0
	frameTimestampOffset = 1
	frameTypeOffset      = 9
	frameDataOffset      = 10

	ecgSampleSize = 3
	accSampleSize = 2
)

// Frame sub-types with a known sample encoding.
const (
	ECGFrameType0 uint8 = 0
	ACCFrameType1 uint8 = 1
)

// Timing is the clock correlation applied to one frame.
type Timing struct {
	SampleTimestampMs     float64 // device-relative, since the first frame of the connection
	PrevSampleTimestampMs float64 // previous frame of the same sensor, 0 if none
	EventTimeOffsetMs     float64 // host epoch ms captured with the first frame
}

// Clock converts device timestamps into connection-relative ones.
// It is implemented by timesync.Correlator.
type Clock interface {
	Stamp(sensor SensorType, deviceTs uint64, receivedAt time.Time) Timing
}

// SampleFrame is a decoded PMD data notification.
// Samples16 is filled for ACC frames, Samples32 for ECG frames; both are empty
// for sub-types without a known encoding.
type SampleFrame struct {
	Sensor    SensorType
	FrameType uint8
	Samples16 []int16
	Samples32 []int32

	SampleTimestampMs     float64
	PrevSampleTimestampMs float64
	RecvEpochTimeMs       float64
	EventTimeOffsetMs     float64
}

// Len returns the number of decoded sample values.
func (f *SampleFrame) Len() int {
	return len(f.Samples16) + len(f.Samples32)
}

// EpochMs converts a time to fractional milliseconds since the Unix epoch.
func EpochMs(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}

// DecodeSampleFrame decodes a PMD data notification and stamps it with clock.
// The clock is only consulted once the buffer has been fully validated.
func DecodeSampleFrame(buf []byte, receivedAt time.Time, clock Clock) (SampleFrame, error) {
	if len(buf) < frameDataOffset {
		return SampleFrame{}, malformed("sample frame", buf, "short frame: %d bytes", len(buf))
	}
	sensor := SensorType(buf[frameSensorOffset])
	if !sensor.Valid() {
		return SampleFrame{}, malformed("sample frame", buf, "unknown sensor %d", buf[frameSensorOffset])
	}
	deviceTs := binary.LittleEndian.Uint64(buf[frameTimestampOffset:])
	frameType := buf[frameTypeOffset]
	payload := buf[frameDataOffset:]

	frame := SampleFrame{
		Sensor:          sensor,
		FrameType:       frameType,
		RecvEpochTimeMs: EpochMs(receivedAt),
	}

	switch {
	case sensor == ACC && frameType == ACCFrameType1:
		if len(payload)%accSampleSize != 0 {
			return SampleFrame{}, malformed("sample frame", buf, "acc payload of %d bytes", len(payload))
		}
		frame.Samples16 = make([]int16, len(payload)/accSampleSize)
		for i := range frame.Samples16 {
			frame.Samples16[i] = int16(binary.LittleEndian.Uint16(payload[i*accSampleSize:]))
		}
	case sensor == ECG && frameType == ECGFrameType0:
		if len(payload)%ecgSampleSize != 0 {
			return SampleFrame{}, malformed("sample frame", buf, "ecg payload of %d bytes", len(payload))
		}
		frame.Samples32 = make([]int32, len(payload)/ecgSampleSize)
		for i := range frame.Samples32 {
			frame.Samples32[i] = leInt24(payload[i*ecgSampleSize:])
		}
	}

	if clock != nil {
		t := clock.Stamp(sensor, deviceTs, receivedAt)
		frame.SampleTimestampMs = t.SampleTimestampMs
		frame.PrevSampleTimestampMs = t.PrevSampleTimestampMs
		frame.EventTimeOffsetMs = t.EventTimeOffsetMs
	}
	return frame, nil
}

// leInt24 sign-extends a little-endian 24-bit two's complement value.
func leInt24(b []byte) int32 {
	_ = b[2]
	return int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
}
