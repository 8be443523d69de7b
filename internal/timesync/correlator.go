// Package timesync correlates the sensor's nanosecond clock with host time.
//
// The first data frame of a connection fixes the device epoch and the host
// receipt time. Every later frame is expressed in milliseconds relative to that
// epoch, and each sensor remembers the timestamp of its previous frame.
package timesync

import (
	"sync"
	"time"

	"github.com/srg/pmdctl/internal/pmd"
)

// Correlator implements pmd.Clock for one connection.
type Correlator struct {
	mu          sync.Mutex
	set         bool
	epoch       uint64
	hostEpochMs float64
	prev        [pmd.SensorSlots]float64
}

var _ pmd.Clock = (*Correlator)(nil)

// New returns a correlator with no epoch captured.
func New() *Correlator {
	return &Correlator{}
}

// Stamp converts deviceTs to connection-relative milliseconds and advances the
// previous timestamp of sensor.
func (c *Correlator) Stamp(sensor pmd.SensorType, deviceTs uint64, receivedAt time.Time) pmd.Timing {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		c.set = true
		c.epoch = deviceTs
		c.hostEpochMs = pmd.EpochMs(receivedAt)
	}

	// Wrapping subtraction then signed conversion keeps frames that arrive
	// with a timestamp below the epoch negative instead of huge.
	ts := float64(int64(deviceTs-c.epoch)) / 1e6

	t := pmd.Timing{
		SampleTimestampMs: ts,
		EventTimeOffsetMs: c.hostEpochMs,
	}
	if int(sensor) < len(c.prev) {
		t.PrevSampleTimestampMs = c.prev[sensor]
		c.prev[sensor] = ts
	}
	return t
}

// Epoch returns the captured device epoch and host receipt time in epoch ms.
func (c *Correlator) Epoch() (deviceTs uint64, hostEpochMs float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, c.hostEpochMs, c.set
}

// Reset forgets the epoch and every previous timestamp.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = false
	c.epoch = 0
	c.hostEpochMs = 0
	c.prev = [pmd.SensorSlots]float64{}
}
