package worker

import (
	"context"

	"gifconv/models"
)

// RecordStore persists conversion records. FindAndUpdate must be atomic per
// record and reject updates the state machine does not allow with
// models.ErrInvalidTransition.
type RecordStore interface {
	Get(ctx context.Context, id string) (*models.Conversion, error)
	FindAndUpdate(ctx context.Context, id string, u models.RecordUpdate) (*models.Conversion, error)
}

// TranscodeRun is one running conversion. Progress is finite and closed
// before Wait returns; a run cannot be restarted.
type TranscodeRun interface {
	Progress() <-chan int
	Wait() error
}

type Transcoder interface {
	Start(ctx context.Context, inputPath, outputPath string) (TranscodeRun, error)
}

// TranscoderFunc adapts a function to the Transcoder interface.
type TranscoderFunc func(ctx context.Context, inputPath, outputPath string) (TranscodeRun, error)

func (f TranscoderFunc) Start(ctx context.Context, inputPath, outputPath string) (TranscodeRun, error) {
	return f(ctx, inputPath, outputPath)
}

type Prober interface {
	Probe(ctx context.Context, path string) (models.Metadata, error)
}

// Artifacts resolves input and output locations.
type Artifacts interface {
	Fetch(ctx context.Context, conversionID, inputPath string) (string, int64, error)
	Stage(conversionID, outputPath string) (string, error)
	Publish(ctx context.Context, staged, outputPath string) error
	Remove(ctx context.Context, path string) error
	Release(conversionID string) error
}

type Notifier interface {
	Publish(ctx context.Context, ev models.Event) error
}
