package pmd

import (
	"encoding/binary"
	"time"
)

// Heart Rate Measurement flags.
// | 0x10 | 0x08 | 0x04 0x02 | 0x01 |
// |  rr  | nrg  | scs  cnt  | fmt  |
const (
	hrFlagUint16         = 0x01
	hrFlagContact        = 0x02
	hrFlagContactSupport = 0x04
	hrFlagEnergy         = 0x08
	hrFlagRR             = 0x10
)

// HeartRateSample is a decoded Heart Rate Measurement notification.
type HeartRateSample struct {
	BPM              uint16
	RRIntervalsMs    []float64
	RecvEpochTimeMs  float64
	ContactSupported bool
	Contact          bool
	EnergyExpended   *uint16 // kJ, nil when absent
}

// DecodeHeartRate decodes a Heart Rate Measurement characteristic value.
// Flag bit 0 selects a 16-bit heart rate; R-R intervals (1/1024 s) are
// converted to milliseconds.
func DecodeHeartRate(buf []byte, receivedAt time.Time) (HeartRateSample, error) {
	if len(buf) < 2 {
		return HeartRateSample{}, malformed("heart rate", buf, "short frame: %d bytes", len(buf))
	}
	flags := buf[0]
	sample := HeartRateSample{
		RecvEpochTimeMs:  EpochMs(receivedAt),
		ContactSupported: flags&hrFlagContactSupport != 0,
		Contact:          flags&(hrFlagContactSupport|hrFlagContact) == hrFlagContactSupport|hrFlagContact,
		RRIntervalsMs:    []float64{},
	}

	offset := 1
	if flags&hrFlagUint16 != 0 {
		if len(buf) < offset+2 {
			return HeartRateSample{}, malformed("heart rate", buf, "truncated 16-bit heart rate")
		}
		sample.BPM = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
	} else {
		sample.BPM = uint16(buf[offset])
		offset++
	}

	if flags&hrFlagEnergy != 0 {
		if len(buf) < offset+2 {
			return HeartRateSample{}, malformed("heart rate", buf, "truncated energy expended")
		}
		energy := binary.LittleEndian.Uint16(buf[offset:])
		sample.EnergyExpended = &energy
		offset += 2
	}

	if flags&hrFlagRR != 0 {
		rr := buf[offset:]
		if len(rr)%2 != 0 {
			return HeartRateSample{}, malformed("heart rate", buf, "odd r-r interval length %d", len(rr))
		}
		sample.RRIntervalsMs = make([]float64, 0, len(rr)/2)
		for i := 0; i < len(rr); i += 2 {
			raw := binary.LittleEndian.Uint16(rr[i:])
			sample.RRIntervalsMs = append(sample.RRIntervalsMs, float64(raw)/1024.0*1000.0)
		}
	}
	return sample, nil
}

// RRIntervals returns the R-R intervals as durations.
func (s *HeartRateSample) RRIntervals() []time.Duration {
	out := make([]time.Duration, len(s.RRIntervalsMs))
	for i, ms := range s.RRIntervalsMs {
		out[i] = time.Duration(ms * float64(time.Millisecond))
	}
	return out
}
