package pmd

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a buffer does not match any recognised frame shape.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrNotApplicable is returned by a decoder when the marker or command byte
// belongs to a different message shape. It matches ErrMalformedFrame with errors.Is.
var ErrNotApplicable = fmt.Errorf("%w: not applicable", ErrMalformedFrame)

// FrameError describes why a buffer was rejected.
type FrameError struct {
	Kind   string // "control reply", "settings reply", "sample frame", "heart rate", "features"
	Reason string
	Data   []byte
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s: %s (% x)", ErrMalformedFrame, e.Kind, e.Reason, e.Data)
}

// Unwrap makes errors.Is(err, ErrMalformedFrame) hold for every FrameError.
func (e *FrameError) Unwrap() error {
	return ErrMalformedFrame
}

func malformed(kind string, data []byte, format string, args ...any) error {
	return &FrameError{Kind: kind, Reason: fmt.Sprintf(format, args...), Data: data}
}
