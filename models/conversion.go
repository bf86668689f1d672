package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("conversion not found")
	ErrInvalidTransition = errors.New("invalid conversion status transition")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists the states each status may move to. processing may be
// re-entered when a job is redelivered. pending may fail directly when a job
// exhausts its attempts before it was ever marked processing.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status from which to is reachable in one step.
func AllowedFrom(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

type Metadata struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Size     int64   `json:"size"`
}

// Conversion is the durable state of one conversion request.
type Conversion struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	OriginalFileName string    `json:"originalFileName"`
	InputPath        string    `json:"inputPath"`
	OutputPath       string    `json:"outputPath"`
	Status           Status    `json:"status"`
	Progress         int       `json:"progress"`
	Error            string    `json:"error,omitempty"`
	Attempts         int       `json:"attempts"`
	Metadata         Metadata  `json:"metadata"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// RecordUpdate carries the partial fields of an atomic find-and-update.
// Nil fields are left untouched.
type RecordUpdate struct {
	Status     *Status
	Progress   *int
	Error      *string
	ClearError bool
	Metadata   *Metadata
	Attempts   *int
	OutputPath *string
}

func MarkProcessing(attempt int) RecordUpdate {
	status := StatusProcessing
	zero := 0
	return RecordUpdate{Status: &status, Progress: &zero, ClearError: true, Attempts: &attempt}
}

func SetProgress(p int) RecordUpdate {
	return RecordUpdate{Progress: &p}
}

func SetMetadata(m Metadata) RecordUpdate {
	return RecordUpdate{Metadata: &m}
}

func MarkCompleted(outputPath string) RecordUpdate {
	status := StatusCompleted
	full := 100
	return RecordUpdate{Status: &status, Progress: &full, OutputPath: &outputPath}
}

func MarkFailed(message string) RecordUpdate {
	status := StatusFailed
	return RecordUpdate{Status: &status, Error: &message}
}

// TargetStatus is the status the record must be in once the update applies.
func (u RecordUpdate) TargetStatus() Status {
	if u.Status != nil {
		return *u.Status
	}
	return StatusProcessing
}

// Normalized applies the forced fields of the target status: completed
// carries progress 100 and no error, failed keeps the last progress and
// always carries an error message.
func (u RecordUpdate) Normalized() RecordUpdate {
	switch u.TargetStatus() {
	case StatusCompleted:
		full := 100
		u.Progress = &full
		u.ClearError = true
		u.Error = nil
	case StatusFailed:
		u.Progress = nil
		u.ClearError = false
		if u.Error == nil || *u.Error == "" {
			msg := "conversion failed"
			u.Error = &msg
		}
	}
	if u.Progress != nil {
		p := ClampProgress(*u.Progress)
		u.Progress = &p
	}
	if u.OutputPath != nil && *u.OutputPath == "" {
		u.OutputPath = nil
	}
	return u
}

// AllowedSources lists the statuses the record may be in for u to apply.
// Updates that do not name a status only apply while processing.
func (u RecordUpdate) AllowedSources() []Status {
	if u.Status == nil {
		return []Status{StatusProcessing}
	}
	return AllowedFrom(*u.Status)
}

// Apply mutates c according to u, enforcing the conversion state machine.
func (c *Conversion) Apply(u RecordUpdate, now time.Time) error {
	allowed := false
	for _, s := range u.AllowedSources() {
		if c.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}

	n := u.Normalized()
	if n.Progress != nil {
		c.Progress = *n.Progress
	}
	if n.ClearError {
		c.Error = ""
	}
	if n.Error != nil {
		c.Error = *n.Error
	}
	if n.Metadata != nil {
		c.Metadata = *n.Metadata
	}
	if n.Attempts != nil {
		c.Attempts = *n.Attempts
	}
	if n.OutputPath != nil {
		c.OutputPath = *n.OutputPath
	}

	c.Status = n.TargetStatus()
	c.UpdatedAt = now
	return nil
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
