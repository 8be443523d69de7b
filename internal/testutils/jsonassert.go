package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence matches any value, as long as the key exists.
const Presence = "<<PRESENCE>>"

// JSONAssertOptions control how event JSON is compared.
type JSONAssertOptions struct {
	IgnoreExtraKeys bool     `default:"true"`
	IgnoredFields   []string `default:""`
}

// JSONOption configures a JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a gojsondiff
// delta. Expected values may use Presence for fields whose value varies, such
// as receipt timestamps.
type JSONAsserter struct {
	t    TestingT
	opts JSONAssertOptions
}

// NewJSONAsserter returns an asserter with default options.
func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.opts)
	for _, opt := range opts {
		opt(&ja.opts)
	}
	return ja
}

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Assert fails the test when actual does not match expected.
func (ja *JSONAsserter) Assert(actual, expected string) bool {
	ja.t.Helper()
	if diff := ja.Diff(actual, expected); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// AssertLines compares newline-delimited JSON documents one by one.
func (ja *JSONAsserter) AssertLines(actual string, expected ...string) bool {
	ja.t.Helper()
	lines := strings.Split(strings.TrimSpace(actual), "\n")
	if strings.TrimSpace(actual) == "" {
		lines = nil
	}
	if len(lines) != len(expected) {
		ja.t.Errorf("JSON assertion failed: want %d documents, have %d:\n%s", len(expected), len(lines), actual)
		return false
	}
	ok := true
	for i := range lines {
		if diff := ja.Diff(lines[i], expected[i]); diff != "" {
			ja.t.Errorf("JSON assertion failed on document %d:\n%s", i, diff)
			ok = false
		}
	}
	return ok
}

// Diff returns a delta from expected to actual, empty when they match.
func (ja *JSONAsserter) Diff(actual, expected string) string {
	var exp, act any
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only.
	if _, isArray := exp.([]any); isArray {
		exp = map[string]any{"array": exp}
		act = map[string]any{"array": act}
	}
	ja.align(exp, act)

	expBytes, _ := json.Marshal(exp)
	actBytes, _ := json.Marshal(act)
	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(exp, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	return out
}

// align rewrites exp and act in place so that placeholders, ignored fields
// and, optionally, keys absent from exp do not count as differences.
func (ja *JSONAsserter) align(exp, act any) {
	switch e := exp.(type) {
	case map[string]any:
		a, ok := act.(map[string]any)
		if !ok {
			return
		}
		for _, f := range ja.opts.IgnoredFields {
			delete(e, f)
			delete(a, f)
		}
		if ja.opts.IgnoreExtraKeys {
			for k := range a {
				if _, want := e[k]; !want {
					delete(a, k)
				}
			}
		}
		for k, v := range e {
			if s, isStr := v.(string); isStr && s == Presence {
				if got, present := a[k]; present {
					e[k] = got
				}
				continue
			}
			ja.align(v, a[k])
		}
	case []any:
		a, ok := act.([]any)
		if !ok {
			return
		}
		for i := range e {
			if i < len(a) {
				ja.align(e[i], a[i])
			}
		}
	}
}

// WithIgnoreExtraKeys ignores keys present only in the actual document.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// WithIgnoredFields drops the named keys at every level on both sides.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
