package pmd

import (
	"encoding/binary"
	"math"
)

// Value is one decoded element of a setting. Scalar settings fill Scalar;
// tuple settings (RANGE_MILI_UNIT) fill Tuple.
type Value struct {
	Scalar float64
	Tuple  []uint16
}

// IsTuple reports whether the value came from a tuple-shaped setting.
func (v Value) IsTuple() bool {
	return v.Tuple != nil
}

type settingLayout struct {
	width  int
	decode func([]byte) Value
}

// settingLayouts is indexed by SettingType. An entry with zero width is unknown.
var settingLayouts = [...]settingLayout{
	SampleRate:       {width: 2, decode: decodeUint16},
	Resolution:       {width: 2, decode: decodeUint16},
	RangePNUnit:      {width: 2, decode: decodeUint16},
	RangeMiliUnit:    {width: 8, decode: decode4xUint16},
	NumChannels:      {width: 1, decode: decodeUint8},
	ConversionFactor: {width: 4, decode: decodeFloat32},
}

func layoutOf(t SettingType) (settingLayout, bool) {
	if int(t) >= len(settingLayouts) || settingLayouts[t].width == 0 {
		return settingLayout{}, false
	}
	return settingLayouts[t], true
}

// Width returns the byte width of one element of t, or 0 for unknown types.
func (t SettingType) Width() int {
	l, _ := layoutOf(t)
	return l.width
}

func decodeUint8(b []byte) Value {
	return Value{Scalar: float64(b[0])}
}

func decodeUint16(b []byte) Value {
	return Value{Scalar: float64(binary.LittleEndian.Uint16(b))}
}

func decodeFloat32(b []byte) Value {
	return Value{Scalar: float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))}
}

func decode4xUint16(b []byte) Value {
	return Value{Tuple: []uint16{
		binary.LittleEndian.Uint16(b[0:]),
		binary.LittleEndian.Uint16(b[2:]),
		binary.LittleEndian.Uint16(b[4:]),
		binary.LittleEndian.Uint16(b[6:]),
	}}
}
