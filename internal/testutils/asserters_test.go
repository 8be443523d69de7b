package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []TextOption
		pass     bool
	}{
		{
			name:     "trailing whitespace ignored by default",
			actual:   "ECG  \nACC\n",
			expected: "ECG\nACC",
			pass:     true,
		},
		{
			name:     "empty lines are significant by default",
			actual:   "ECG\n\nACC",
			expected: "ECG\nACC",
			pass:     false,
		},
		{
			name:     "empty lines ignored on request",
			actual:   "ECG\n\nACC",
			expected: "ECG\nACC",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			pass:     true,
		},
		{
			name:     "different content",
			actual:   "battery: 80%",
			expected: "battery: 87%",
			pass:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewTextAsserter(rec, tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.pass, ok)
			assert.Equal(t, tt.pass, len(rec.errors) == 0)
		})
	}
}

func TestTextAsserterDiff(t *testing.T) {
	diff := NewTextAsserter(&recordingT{}).Diff("a\nc", "a\nb")
	assert.Contains(t, diff, "-b")
	assert.Contains(t, diff, "+c")

	colored := NewTextAsserter(&recordingT{}, WithEnableColors(true)).Diff("a c", "a b")
	assert.Contains(t, colored, "\x1b[31m", "removed lines MUST be red")
	assert.Contains(t, colored, "a·b")
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []JSONOption
		pass     bool
	}{
		{
			name:     "extra keys ignored by default",
			actual:   `{"type":"ECG","samples":[1,2],"frame_type":0}`,
			expected: `{"type":"ECG","samples":[1,2]}`,
			pass:     true,
		},
		{
			name:     "extra keys reported on request",
			actual:   `{"type":"ECG","frame_type":0}`,
			expected: `{"type":"ECG"}`,
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
			pass:     false,
		},
		{
			name:     "presence placeholder",
			actual:   `{"type":"HR","recv_epoch_time_ms":1700000000000.5}`,
			expected: `{"type":"HR","recv_epoch_time_ms":"<<PRESENCE>>"}`,
			pass:     true,
		},
		{
			name:     "presence placeholder requires the key",
			actual:   `{"type":"HR"}`,
			expected: `{"type":"HR","recv_epoch_time_ms":"<<PRESENCE>>"}`,
			pass:     false,
		},
		{
			name:     "ignored fields",
			actual:   `[{"type":"ACC","recv_epoch_time_ms":1},{"type":"ECG","recv_epoch_time_ms":2}]`,
			expected: `[{"type":"ACC","recv_epoch_time_ms":5},{"type":"ECG"}]`,
			opts:     []JSONOption{WithIgnoredFields("recv_epoch_time_ms")},
			pass:     true,
		},
		{
			name:     "value mismatch",
			actual:   `{"heart_rate_bpm":71}`,
			expected: `{"heart_rate_bpm":72}`,
			pass:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			ok := NewJSONAsserter(rec, tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.pass, ok, "errors: %v", rec.errors)
		})
	}
}

func TestJSONAsserterLines(t *testing.T) {
	rec := &recordingT{}
	ja := NewJSONAsserter(rec)

	assert.True(t, ja.AssertLines("{\"a\":1}\n{\"b\":2}\n", `{"a":1}`, `{"b":2}`))
	assert.False(t, ja.AssertLines("{\"a\":1}\n", `{"a":1}`, `{"b":2}`))
	assert.False(t, ja.AssertLines("", `{"a":1}`))
	assert.Len(t, rec.errors, 2)
}
