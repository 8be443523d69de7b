package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/pmdctl/internal/event"
	"github.com/srg/pmdctl/internal/pmd"
)

// previewSamples caps the sample values shown per text line.
const previewSamples = 6

// formatFeatures renders the supported measurement types, one per line.
func formatFeatures(f pmd.Features) string {
	sensors := f.Sensors()
	if len(sensors) == 0 {
		return "No measurement types supported\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Supported measurement types (%d):\n", len(sensors))
	for _, s := range sensors {
		fmt.Fprintf(&b, "  %-12s code %d\n", s, uint8(s))
	}
	return b.String()
}

// formatSettings renders a settings reply in the order the sensor reported it.
func formatSettings(r pmd.SettingsReply) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s settings", r.Sensor)
	if !r.Error.OK() {
		fmt.Fprintf(&b, " (%s)", r.Error)
	}
	b.WriteString(":\n")
	if r.Settings == nil || r.Settings.Len() == 0 {
		b.WriteString("  none reported\n")
		return b.String()
	}
	for pair := r.Settings.Oldest(); pair != nil; pair = pair.Next() {
		values := make([]string, 0, len(pair.Value))
		for _, v := range pair.Value {
			values = append(values, formatValue(v))
		}
		fmt.Fprintf(&b, "  %-18s %s\n", pair.Key.String()+":", strings.Join(values, ", "))
	}
	return b.String()
}

func formatValue(v pmd.Value) string {
	if v.IsTuple() {
		parts := make([]string, len(v.Tuple))
		for i, n := range v.Tuple {
			parts[i] = strconv.FormatUint(uint64(n), 10)
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return strconv.FormatFloat(v.Scalar, 'g', -1, 64)
}

// formatFrame renders one sample frame as a text line without the trailing newline.
func formatFrame(f pmd.SampleFrame) string {
	return fmt.Sprintf("%10.3f ms (+%.3f)  %3d samples  %s",
		f.SampleTimestampMs, f.SampleTimestampMs-f.PrevSampleTimestampMs, f.Len(), previewFrame(f))
}

func previewFrame(f pmd.SampleFrame) string {
	var parts []string
	switch {
	case len(f.Samples32) > 0:
		for i, v := range f.Samples32 {
			if i == previewSamples {
				break
			}
			parts = append(parts, strconv.FormatInt(int64(v), 10))
		}
	case len(f.Samples16) > 0:
		// ACC samples are x,y,z triples
		for i := 0; i+2 < len(f.Samples16) && len(parts) < previewSamples/3; i += 3 {
			parts = append(parts, fmt.Sprintf("(%d,%d,%d)", f.Samples16[i], f.Samples16[i+1], f.Samples16[i+2]))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	s := strings.Join(parts, " ")
	if shown := len(parts); (len(f.Samples32) > 0 && shown < len(f.Samples32)) || (len(f.Samples16) > 0 && shown*3 < len(f.Samples16)) {
		s += " ..."
	}
	return s
}

// formatHeartRate renders one heart rate measurement without the trailing newline.
func formatHeartRate(s pmd.HeartRateSample) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%3d bpm", s.BPM)
	if len(s.RRIntervalsMs) > 0 {
		rr := make([]string, len(s.RRIntervalsMs))
		for i, v := range s.RRIntervalsMs {
			rr[i] = strconv.FormatFloat(v, 'f', 1, 64)
		}
		fmt.Fprintf(&b, "  rr %s ms", strings.Join(rr, " "))
	}
	if s.ContactSupported {
		if s.Contact {
			b.WriteString("  contact")
		} else {
			b.WriteString("  no contact")
		}
	}
	if s.EnergyExpended != nil {
		fmt.Fprintf(&b, "  energy %d kJ", *s.EnergyExpended)
	}
	return b.String()
}

// streamPrinter writes frames and heart rate measurements to out, either as
// JSON lines or as labelled text. Frames and heart rate arrive on different
// notification goroutines, so writes are serialised.
type streamPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	json   bool
	labels map[string]*color.Color
}

func newStreamPrinter(out io.Writer, asJSON, colors bool) *streamPrinter {
	labels := map[string]*color.Color{
		pmd.ECG.String():    color.New(color.FgRed, color.Bold),
		pmd.ACC.String():    color.New(color.FgCyan, color.Bold),
		event.HeartRateType: color.New(color.FgMagenta, color.Bold),
	}
	for _, c := range labels {
		if colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return &streamPrinter{out: out, json: asJSON, labels: labels}
}

func (p *streamPrinter) label(name string) string {
	padded := fmt.Sprintf("%-3s", name)
	if c, ok := p.labels[name]; ok {
		return c.Sprint(padded)
	}
	return padded
}

// OnFrame prints a sample frame.
func (p *streamPrinter) OnFrame(f pmd.SampleFrame) {
	if p.json {
		data, err := event.EncodeFrame(f)
		if err == nil {
			p.writeLine(string(data))
		}
		return
	}
	p.writeLine(p.label(f.Sensor.String()) + " " + formatFrame(f))
}

// OnHeartRate prints a heart rate measurement.
func (p *streamPrinter) OnHeartRate(s pmd.HeartRateSample) {
	if p.json {
		data, err := event.EncodeHeartRate(s)
		if err == nil {
			p.writeLine(string(data))
		}
		return
	}
	p.writeLine(p.label(event.HeartRateType) + " " + formatHeartRate(s))
}

func (p *streamPrinter) writeLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.out, line)
}
