package models

import (
	"fmt"
	"time"
)

// Limits bounds the inputs accepted for conversion. Zero values disable a check.
type Limits struct {
	MaxWidth    int
	MaxHeight   int
	MaxDuration time.Duration
	MaxSize     int64
}

func (l Limits) Check(m Metadata) error {
	if (l.MaxWidth > 0 && m.Width > l.MaxWidth) || (l.MaxHeight > 0 && m.Height > l.MaxHeight) {
		return NewValidationError(fmt.Sprintf("video dimensions %s (%dx%d)", FatalMarker, l.MaxWidth, l.MaxHeight), nil)
	}
	if l.MaxDuration > 0 && m.Duration > l.MaxDuration.Seconds() {
		return NewValidationError(fmt.Sprintf("video duration %s (%g seconds)", FatalMarker, l.MaxDuration.Seconds()), nil)
	}
	if l.MaxSize > 0 && m.Size > l.MaxSize {
		return NewValidationError(fmt.Sprintf("video size %s (%d bytes)", FatalMarker, l.MaxSize), nil)
	}
	return nil
}
