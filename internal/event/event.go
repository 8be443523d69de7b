// Package event is the JSON form of decoded frames shared by the websocket
// hub, the redis sink and `pmdctl stream --json`.
package event

import (
	"encoding/json"

	"github.com/srg/pmdctl/internal/pmd"
)

// HeartRateType is the type tag of heart rate events.
const HeartRateType = "HR"

// Sample is one decoded PMD data frame.
type Sample struct {
	Type                  string  `json:"type"`
	FrameType             uint8   `json:"frame_type"`
	Samples               []int32 `json:"samples"`
	SampleTimestampMs     float64 `json:"sample_timestamp_ms"`
	PrevSampleTimestampMs float64 `json:"prev_sample_timestamp_ms"`
	RecvEpochTimeMs       float64 `json:"recv_epoch_time_ms"`
	EventTimeOffsetMs     float64 `json:"event_time_offset_ms"`
}

// HeartRate is one Heart Rate Measurement.
type HeartRate struct {
	Type             string    `json:"type"`
	HeartRateBPM     uint16    `json:"heart_rate_bpm"`
	RRIntervalsMs    []float64 `json:"rr_intervals_ms"`
	RecvEpochTimeMs  float64   `json:"recv_epoch_time_ms"`
	Contact          *bool     `json:"contact,omitempty"` // nil when the sensor cannot detect contact
	EnergyExpendedKJ *uint16   `json:"energy_expended_kj,omitempty"`
}

// FromFrame converts a frame. ACC and ECG samples share one integer array.
func FromFrame(f pmd.SampleFrame) Sample {
	samples := make([]int32, 0, f.Len())
	for _, v := range f.Samples16 {
		samples = append(samples, int32(v))
	}
	samples = append(samples, f.Samples32...)

	return Sample{
		Type:                  f.Sensor.String(),
		FrameType:             f.FrameType,
		Samples:               samples,
		SampleTimestampMs:     f.SampleTimestampMs,
		PrevSampleTimestampMs: f.PrevSampleTimestampMs,
		RecvEpochTimeMs:       f.RecvEpochTimeMs,
		EventTimeOffsetMs:     f.EventTimeOffsetMs,
	}
}

// FromHeartRate converts a heart rate sample.
func FromHeartRate(s pmd.HeartRateSample) HeartRate {
	rr := s.RRIntervalsMs
	if rr == nil {
		rr = []float64{}
	}
	e := HeartRate{
		Type:             HeartRateType,
		HeartRateBPM:     s.BPM,
		RRIntervalsMs:    rr,
		RecvEpochTimeMs:  s.RecvEpochTimeMs,
		EnergyExpendedKJ: s.EnergyExpended,
	}
	if s.ContactSupported {
		contact := s.Contact
		e.Contact = &contact
	}
	return e
}

// EncodeFrame returns the JSON encoding of f.
func EncodeFrame(f pmd.SampleFrame) ([]byte, error) {
	return json.Marshal(FromFrame(f))
}

// EncodeHeartRate returns the JSON encoding of s.
func EncodeHeartRate(s pmd.HeartRateSample) ([]byte, error) {
	return json.Marshal(FromHeartRate(s))
}
