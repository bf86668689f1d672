package models

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidDescriptor = errors.New("invalid job descriptor")

// Conversion ids name scratch directories, so they never carry separators or dots.
var conversionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// JobDescriptor is the immutable unit placed on the job queue. Progress and
// state live on the Conversion record so a redelivered descriptor can be
// processed again from scratch.
type JobDescriptor struct {
	ConversionID string `json:"conversionId"`
	OwnerID      string `json:"ownerId"`
	InputPath    string `json:"inputPath"`
	OutputPath   string `json:"outputPath"`
}

// Validate checks that every field is present and that the conversion id is
// a plain token.
func (d JobDescriptor) Validate() error {
	var missing, invalid []string
	if strings.TrimSpace(d.ConversionID) == "" {
		missing = append(missing, "conversionId")
	} else if !ValidConversionID(d.ConversionID) {
		invalid = append(invalid, "conversionId")
	}
	if strings.TrimSpace(d.OwnerID) == "" {
		missing = append(missing, "ownerId")
	}
	if strings.TrimSpace(d.InputPath) == "" {
		missing = append(missing, "inputPath")
	}
	if strings.TrimSpace(d.OutputPath) == "" {
		missing = append(missing, "outputPath")
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return &DescriptorError{Missing: missing, Invalid: invalid}
	}
	return nil
}

func ValidConversionID(id string) bool {
	return conversionIDPattern.MatchString(id)
}

// DescriptorError lists the fields a descriptor is missing or carries in an
// unusable form.
type DescriptorError struct {
	Missing []string
	Invalid []string
	Err     error
}

func (e *DescriptorError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	msg := "job descriptor " + strings.Join(parts, "; ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DescriptorError) Unwrap() error { return e.Err }

func (e *DescriptorError) Is(target error) bool {
	return target == ErrInvalidDescriptor
}

// JobHandle acknowledges that a descriptor was accepted by the queue.
type JobHandle struct {
	ID           string `json:"jobId"`
	ConversionID string `json:"conversionId"`
}
