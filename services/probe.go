package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"gifconv/models"
)

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

// FFProbe reads video metadata with ffprobe.
type FFProbe struct {
	path string
}

func NewFFProbe(path string) *FFProbe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFProbe{path: path}
}

// Probe returns the first video stream's dimensions and the container
// duration. A file ffprobe cannot read, or one without a video stream, is a
// validation error.
func (p *FFProbe) Probe(ctx context.Context, inputPath string) (models.Metadata, error) {
	cmd := exec.CommandContext(ctx, p.path,
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		inputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return models.Metadata{}, fmt.Errorf("ffprobe interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return models.Metadata{}, models.NewValidationError("unreadable video", errors.New(strings.TrimSpace(stderr.String())))
		}
		return models.Metadata{}, fmt.Errorf("failed to run ffprobe: %w", err)
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(data []byte) (models.Metadata, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return models.Metadata{}, models.NewValidationError("unreadable video", err)
	}

	var video *ffprobeStream
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == "video" {
			video = &probe.Streams[i]
			break
		}
	}
	if video == nil {
		return models.Metadata{}, models.NewValidationError("no video stream found", nil)
	}

	duration, _ := strconv.ParseFloat(probe.Format.Duration, 64)
	if duration <= 0 {
		duration, _ = strconv.ParseFloat(video.Duration, 64)
	}
	size, _ := strconv.ParseInt(probe.Format.Size, 10, 64)

	return models.Metadata{
		Duration: duration,
		Width:    video.Width,
		Height:   video.Height,
		Size:     size,
	}, nil
}
