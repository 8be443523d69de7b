// Package dispatch fans decoded frames out to registered listeners.
//
// Listeners are identified by interface equality, so a handler must have a
// comparable dynamic type (typically a pointer). Plain functions are not
// comparable in Go; wrap them with Func, which returns a pointer whose
// identity is stable for Remove.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/pmdctl/internal/pmd"
)

// Handler receives events of type E.
type Handler[E any] interface {
	Handle(E)
}

type funcHandler[E any] struct {
	fn func(E)
}

func (h *funcHandler[E]) Handle(e E) { h.fn(e) }

// Func adapts fn to a Handler. Keep the returned value to remove it later.
func Func[E any](fn func(E)) Handler[E] {
	return &funcHandler[E]{fn: fn}
}

// ----------------------------
// List
// ----------------------------

// List is an ordered set of handlers. Dispatch delivers to a snapshot, so
// handlers may add or remove listeners while being called.
type List[E any] struct {
	mu       sync.Mutex
	handlers []Handler[E]
}

// Add appends h unless it is already registered. It reports whether h was added.
func (l *List[E]) Add(h Handler[E]) bool {
	if h == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.handlers {
		if existing == h {
			return false
		}
	}
	next := make([]Handler[E], len(l.handlers), len(l.handlers)+1)
	copy(next, l.handlers)
	l.handlers = append(next, h)
	return true
}

// Remove deletes the first registration of h and reports whether it was found.
func (l *List[E]) Remove(h Handler[E]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.handlers {
		if existing == h {
			next := make([]Handler[E], 0, len(l.handlers)-1)
			next = append(next, l.handlers[:i]...)
			l.handlers = append(next, l.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every handler.
func (l *List[E]) Clear() {
	l.mu.Lock()
	l.handlers = nil
	l.mu.Unlock()
}

// Len returns the number of registered handlers.
func (l *List[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

func (l *List[E]) snapshot() []Handler[E] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers
}

// Dispatch calls every handler in registration order. A panicking handler is
// logged and skipped; the remaining handlers still receive e. It returns the
// number of handlers that returned normally.
func (l *List[E]) Dispatch(e E, logger *logrus.Logger) int {
	delivered := 0
	for _, h := range l.snapshot() {
		if call(h, e, logger) {
			delivered++
		}
	}
	return delivered
}

func call[E any](h Handler[E], e E, logger *logrus.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"panic":   r,
					"handler": fmt.Sprintf("%T", h),
				}).Error("Listener panicked")
			}
		}
	}()
	h.Handle(e)
	return true
}

// ----------------------------
// Dispatcher
// ----------------------------

// SampleHandler receives decoded PMD sample frames.
type SampleHandler = Handler[pmd.SampleFrame]

// HeartRateHandler receives decoded heart rate measurements.
type HeartRateHandler = Handler[pmd.HeartRateSample]

// Dispatcher holds one sample listener list per sensor type and one heart
// rate listener list.
type Dispatcher struct {
	samples   [pmd.SensorSlots]List[pmd.SampleFrame]
	heartRate List[pmd.HeartRateSample]
	logger    *logrus.Logger
}

// New returns an empty dispatcher. A nil logger falls back to logrus.New().
func New(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{logger: logger}
}

// AddSampleListener registers h for frames of sensor.
func (d *Dispatcher) AddSampleListener(sensor pmd.SensorType, h SampleHandler) bool {
	if !sensor.Valid() {
		return false
	}
	return d.samples[sensor].Add(h)
}

// RemoveSampleListener unregisters h for frames of sensor.
func (d *Dispatcher) RemoveSampleListener(sensor pmd.SensorType, h SampleHandler) bool {
	if !sensor.Valid() {
		return false
	}
	return d.samples[sensor].Remove(h)
}

// ClearSampleListeners unregisters every listener of sensor.
func (d *Dispatcher) ClearSampleListeners(sensor pmd.SensorType) {
	if sensor.Valid() {
		d.samples[sensor].Clear()
	}
}

// SampleListeners returns the number of listeners of sensor.
func (d *Dispatcher) SampleListeners(sensor pmd.SensorType) int {
	if !sensor.Valid() {
		return 0
	}
	return d.samples[sensor].Len()
}

// AddHeartRateListener registers h for heart rate measurements.
func (d *Dispatcher) AddHeartRateListener(h HeartRateHandler) bool {
	return d.heartRate.Add(h)
}

// RemoveHeartRateListener unregisters h.
func (d *Dispatcher) RemoveHeartRateListener(h HeartRateHandler) bool {
	return d.heartRate.Remove(h)
}

// ClearHeartRateListeners unregisters every heart rate listener.
func (d *Dispatcher) ClearHeartRateListeners() {
	d.heartRate.Clear()
}

// DispatchSample delivers frame to the listeners of its sensor.
func (d *Dispatcher) DispatchSample(frame pmd.SampleFrame) int {
	if !frame.Sensor.Valid() {
		return 0
	}
	return d.samples[frame.Sensor].Dispatch(frame, d.logger)
}

// DispatchHeartRate delivers sample to the heart rate listeners.
func (d *Dispatcher) DispatchHeartRate(sample pmd.HeartRateSample) int {
	return d.heartRate.Dispatch(sample, d.logger)
}

// Clear drops every listener.
func (d *Dispatcher) Clear() {
	for i := range d.samples {
		d.samples[i].Clear()
	}
	d.heartRate.Clear()
}
