package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a phase with elapsed or remaining seconds on a
// terminal. On anything that is not a terminal it prints nothing.
//
// Usage:
//
//	p := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+addr, "connecting")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start may be called at most once, Stop any
// number of times.
type ProgressPrinter struct {
	out      io.Writer
	enabled  bool
	prefix   string
	phase    atomic.Value // string
	countUp  bool
	duration time.Duration

	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a progress printer that counts up.
func NewProgressPrinter(out io.Writer, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:     out,
		enabled: isTerminal(out),
		prefix:  prefix,
		countUp: true,
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a progress printer that counts down from duration.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase)
	p.countUp = false
	p.duration = duration
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	p.startTime = time.Now()

	if !p.enabled {
		close(p.done)
		return
	}

	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				fmt.Fprint(p.out, p.line(time.Since(p.startTime)))
			}
		}
	}()
}

// SetPhase changes the phase shown on the next update.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// line renders one progress update for the given elapsed time.
func (p *ProgressPrinter) line(elapsed time.Duration) string {
	phase := p.phase.Load().(string)
	var seconds int
	if p.countUp {
		seconds = int(elapsed.Seconds())
	} else if remaining := p.duration - elapsed; remaining > 0 {
		// Round to the nearest second: 3.7s -> 4s, 3.3s -> 3s
		seconds = int(remaining.Seconds() + 0.5)
	}
	if seconds > 0 {
		return fmt.Sprintf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	}
	return fmt.Sprintf("\r%s (%s...)   ", p.prefix, phase)
}

// Stop stops the display and clears the line. Safe to call multiple times
// and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stopChan)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}

// isTerminal reports whether w is a file attached to a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
