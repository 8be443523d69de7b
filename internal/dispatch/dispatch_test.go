package dispatch

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	frames []pmd.SampleFrame
}

func (r *recorder) Handle(f pmd.SampleFrame) { r.frames = append(r.frames, f) }

func quietLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestListAddIsIdempotent(t *testing.T) {
	var l List[int]
	calls := 0
	h := Func(func(int) { calls++ })

	assert.True(t, l.Add(h))
	assert.False(t, l.Add(h), "second Add of the same handler MUST be a no-op")
	assert.False(t, l.Add(nil))
	assert.Equal(t, 1, l.Len())

	assert.Equal(t, 1, l.Dispatch(7, nil))
	assert.Equal(t, 1, calls, "handler MUST be invoked exactly once per event")
}

func TestListRemove(t *testing.T) {
	var l List[int]
	var order []string
	a := Func(func(int) { order = append(order, "a") })
	b := Func(func(int) { order = append(order, "b") })
	c := Func(func(int) { order = append(order, "c") })
	l.Add(a)
	l.Add(b)
	l.Add(c)

	assert.True(t, l.Remove(b))
	assert.False(t, l.Remove(b), "removing an absent handler MUST report false")

	l.Dispatch(0, nil)
	assert.Equal(t, []string{"a", "c"}, order, "remaining handlers MUST keep registration order")

	l.Clear()
	assert.Zero(t, l.Len())
	assert.Zero(t, l.Dispatch(0, nil))
}

func TestListPanicIsolation(t *testing.T) {
	// GOAL: a panicking listener must not prevent delivery to later listeners
	//
	// TEST SCENARIO: three listeners, the middle one panics → first and last
	// still receive the event and the panic is logged
	logger, out := quietLogger()

	var l List[string]
	var got []string
	l.Add(Func(func(s string) { got = append(got, "first:"+s) }))
	l.Add(Func(func(string) { panic("boom") }))
	l.Add(Func(func(s string) { got = append(got, "last:"+s) }))

	var delivered int
	require.NotPanics(t, func() { delivered = l.Dispatch("x", logger) })
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"first:x", "last:x"}, got)
	assert.Contains(t, out.String(), "Listener panicked")
	assert.Contains(t, out.String(), "boom")
}

func TestListMutationDuringDispatch(t *testing.T) {
	var l List[int]
	calls := 0
	var self Handler[int]
	self = Func(func(int) {
		calls++
		l.Remove(self)
	})
	l.Add(self)
	l.Add(Func(func(int) { calls++ }))

	assert.Equal(t, 2, l.Dispatch(1, nil))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, l.Len())
}

func TestDispatcherRoutesBySensor(t *testing.T) {
	logger, _ := quietLogger()
	d := New(logger)

	ecg := &recorder{}
	acc := &recorder{}
	assert.True(t, d.AddSampleListener(pmd.ECG, ecg))
	assert.True(t, d.AddSampleListener(pmd.ACC, acc))
	assert.False(t, d.AddSampleListener(pmd.ECG, ecg))
	assert.False(t, d.AddSampleListener(pmd.SensorType(4), ecg), "unknown sensors MUST not accept listeners")

	assert.Equal(t, 1, d.DispatchSample(pmd.SampleFrame{Sensor: pmd.ECG, Samples32: []int32{1}}))
	assert.Equal(t, 1, d.DispatchSample(pmd.SampleFrame{Sensor: pmd.ACC, Samples16: []int16{2}}))
	assert.Equal(t, 0, d.DispatchSample(pmd.SampleFrame{Sensor: pmd.PPG}))

	require.Len(t, ecg.frames, 1)
	require.Len(t, acc.frames, 1)
	assert.Equal(t, []int32{1}, ecg.frames[0].Samples32)
	assert.Equal(t, []int16{2}, acc.frames[0].Samples16)

	assert.Equal(t, 1, d.SampleListeners(pmd.ECG))
	assert.True(t, d.RemoveSampleListener(pmd.ECG, ecg))
	assert.Zero(t, d.SampleListeners(pmd.ECG))

	d.ClearSampleListeners(pmd.ACC)
	assert.Zero(t, d.DispatchSample(pmd.SampleFrame{Sensor: pmd.ACC}))
}

func TestDispatcherHeartRate(t *testing.T) {
	d := New(nil)
	var bpm []uint16
	h := Func(func(s pmd.HeartRateSample) { bpm = append(bpm, s.BPM) })

	assert.True(t, d.AddHeartRateListener(h))
	assert.False(t, d.AddHeartRateListener(h))
	d.DispatchHeartRate(pmd.HeartRateSample{BPM: 61})
	d.DispatchHeartRate(pmd.HeartRateSample{BPM: 62})
	assert.Equal(t, []uint16{61, 62}, bpm)

	assert.True(t, d.RemoveHeartRateListener(h))
	d.DispatchHeartRate(pmd.HeartRateSample{BPM: 63})
	assert.Len(t, bpm, 2)

	d.AddHeartRateListener(h)
	d.Clear()
	assert.Zero(t, d.DispatchHeartRate(pmd.HeartRateSample{}))
}
