package pmd

import (
	"encoding/binary"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Control point reply layout.
const (
	replyMarker = 0xF0

	replyCommandOffset    = 1
	replySensorOffset     = 2
	replyErrorOffset      = 3
	replyMoreFramesOffset = 4
	replyReservedOffset   = 5
	replyHeaderSize       = 5

	settingHeaderSize = 2
)

// SettingValue is one setting sent with a start command.
type SettingValue struct {
	Type  SettingType
	Value uint16
}

// ControlReply is the decoded reply to a start or stop command.
type ControlReply struct {
	Command    Command
	Sensor     SensorType
	Error      ErrorCode
	MoreFrames bool
	Reserved   *uint8
}

// SettingsReply is the decoded reply to a GET_MEASUREMENT_SETTINGS command.
// Settings keeps the order in which the sensor reported them.
type SettingsReply struct {
	Sensor     SensorType
	Error      ErrorCode
	MoreFrames bool
	Settings   *orderedmap.OrderedMap[SettingType, []Value]
}

// Get returns the values reported for t.
func (r *SettingsReply) Get(t SettingType) ([]Value, bool) {
	if r.Settings == nil {
		return nil, false
	}
	return r.Settings.Get(t)
}

// Uint16s returns the scalar values of t converted to uint16.
func (r *SettingsReply) Uint16s(t SettingType) []uint16 {
	vals, _ := r.Get(t)
	out := make([]uint16, 0, len(vals))
	for _, v := range vals {
		if !v.IsTuple() {
			out = append(out, uint16(v.Scalar))
		}
	}
	return out
}

// Float32s returns the scalar values of t, e.g. CONVERSION_FACTOR.
func (r *SettingsReply) Float32s(t SettingType) []float32 {
	vals, _ := r.Get(t)
	out := make([]float32, 0, len(vals))
	for _, v := range vals {
		if !v.IsTuple() {
			out = append(out, float32(v.Scalar))
		}
	}
	return out
}

// EncodeStart builds a REQUEST_MEASUREMENT_START command for sensor.
func EncodeStart(sensor SensorType, settings ...SettingValue) []byte {
	buf := make([]byte, 2, 2+4*len(settings))
	buf[0] = byte(RequestMeasurementStart)
	buf[1] = byte(sensor)
	for _, s := range settings {
		buf = append(buf, byte(s.Type), 1)
		buf = binary.LittleEndian.AppendUint16(buf, s.Value)
	}
	return buf
}

// EncodeStop builds a REQUEST_MEASUREMENT_STOP command for sensor.
func EncodeStop(sensor SensorType) []byte {
	return []byte{byte(RequestMeasurementStop), byte(sensor)}
}

// EncodeGetSettings builds a GET_MEASUREMENT_SETTINGS command for sensor.
func EncodeGetSettings(sensor SensorType) []byte {
	return []byte{byte(GetMeasurementSettings), byte(sensor)}
}

// IsControlReply reports whether buf carries the control point reply marker.
func IsControlReply(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == replyMarker
}

// DecodeControlReply decodes the reply to a start or stop command.
func DecodeControlReply(buf []byte) (ControlReply, error) {
	if !IsControlReply(buf) {
		return ControlReply{}, ErrNotApplicable
	}
	cmd := Command(buf[replyCommandOffset])
	if cmd != RequestMeasurementStart && cmd != RequestMeasurementStop {
		return ControlReply{}, ErrNotApplicable
	}
	if len(buf) < replyHeaderSize {
		return ControlReply{}, malformed("control reply", buf, "short reply: %d bytes", len(buf))
	}
	sensor := SensorType(buf[replySensorOffset])
	if !sensor.Valid() {
		return ControlReply{}, malformed("control reply", buf, "unknown sensor %d", buf[replySensorOffset])
	}

	reply := ControlReply{
		Command:    cmd,
		Sensor:     sensor,
		Error:      ErrorCode(buf[replyErrorOffset]),
		MoreFrames: buf[replyMoreFramesOffset] != 0,
	}
	if len(buf) > replyReservedOffset {
		reserved := buf[replyReservedOffset]
		reply.Reserved = &reserved
	}
	return reply, nil
}

// DecodeSettingsReply decodes the reply to a GET_MEASUREMENT_SETTINGS command.
// Unknown setting ids and truncated elements fail the whole decode.
func DecodeSettingsReply(buf []byte) (SettingsReply, error) {
	if !IsControlReply(buf) || Command(buf[replyCommandOffset]) != GetMeasurementSettings {
		return SettingsReply{}, ErrNotApplicable
	}
	if len(buf) < replyHeaderSize {
		return SettingsReply{}, malformed("settings reply", buf, "short reply: %d bytes", len(buf))
	}
	sensor := SensorType(buf[replySensorOffset])
	if !sensor.Valid() {
		return SettingsReply{}, malformed("settings reply", buf, "unknown sensor %d", buf[replySensorOffset])
	}

	settings := orderedmap.New[SettingType, []Value]()
	data := buf[replyHeaderSize:]
	for len(data) != 0 {
		if len(data) < settingHeaderSize {
			return SettingsReply{}, malformed("settings reply", buf, "truncated setting header")
		}
		typ := SettingType(data[0])
		layout, ok := layoutOf(typ)
		if !ok {
			return SettingsReply{}, malformed("settings reply", buf, "unknown setting type %d", data[0])
		}
		n := int(data[1])
		data = data[settingHeaderSize:]
		if len(data) < n*layout.width {
			return SettingsReply{}, malformed("settings reply", buf, "%s: want %d bytes, have %d", typ, n*layout.width, len(data))
		}
		vals := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			vals = append(vals, layout.decode(data[:layout.width]))
			data = data[layout.width:]
		}
		settings.Set(typ, vals)
	}

	return SettingsReply{
		Sensor:     sensor,
		Error:      ErrorCode(buf[replyErrorOffset]),
		MoreFrames: buf[replyMoreFramesOffset] != 0,
		Settings:   settings,
	}, nil
}
