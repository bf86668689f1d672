package services

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FFmpeg renders videos to animated GIFs.
type FFmpeg struct {
	path   string
	height int
	fps    int
	probe  *FFProbe
	logger zerolog.Logger
}

func NewFFmpeg(path string, height, fps int, probe *FFProbe, logger zerolog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if height <= 0 {
		height = 400
	}
	if fps <= 0 {
		fps = 5
	}
	return &FFmpeg{
		path:   path,
		height: height,
		fps:    fps,
		probe:  probe,
		logger: logger.With().Str("component", "ffmpeg").Logger(),
	}
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

func (f *FFmpeg) args(inputPath, outputPath string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=-1:%d", f.height),
		"-r", strconv.Itoa(f.fps),
		"-f", "gif",
		"-progress", "pipe:1",
		"-nostats",
		outputPath,
	}
}

// Start launches ffmpeg and returns immediately. The caller must drain
// Progress (or cancel ctx) before Wait can return.
func (f *FFmpeg) Start(ctx context.Context, inputPath, outputPath string) (*FFmpegRun, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var totalUs int64
	if f.probe != nil {
		if meta, err := f.probe.Probe(ctx, inputPath); err == nil {
			totalUs = int64(meta.Duration * 1e6)
		}
	}

	args := f.args(inputPath, outputPath)
	cmd := exec.CommandContext(ctx, f.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	run := &FFmpegRun{
		ctx:        ctx,
		cmd:        cmd,
		outputPath: outputPath,
		progress:   make(chan int),
		parsed:     make(chan struct{}),
	}
	cmd.Stderr = &run.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	f.logger.Debug().Str("command", f.path+" "+strings.Join(args, " ")).Msg("ffmpeg started")

	go func() {
		defer close(run.parsed)
		defer close(run.progress)
		parseProgress(ctx, stdout, totalUs, run.progress)
		// Keep the pipe drained so ffmpeg never blocks on a full stdout
		_, _ = io.Copy(io.Discard, stdout)
	}()
	return run, nil
}

// FFmpegRun is one in-flight transcode.
type FFmpegRun struct {
	ctx        context.Context
	cmd        *exec.Cmd
	outputPath string
	stderr     bytes.Buffer
	progress   chan int
	parsed     chan struct{}

	once sync.Once
	err  error
}

// Progress yields increasing percentages below 100. It is closed when ffmpeg
// stops writing progress, before Wait returns.
func (r *FFmpegRun) Progress() <-chan int {
	return r.progress
}

func (r *FFmpegRun) Wait() error {
	r.once.Do(func() {
		<-r.parsed
		err := r.cmd.Wait()
		if err == nil {
			return
		}
		_ = os.Remove(r.outputPath)
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			r.err = fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
			return
		}
		r.err = fmt.Errorf("ffmpeg failed: %w: %s", err, lastLines(r.stderr.String(), 5))
	})
	return r.err
}

// parseProgress reads ffmpeg -progress key=value output and sends each strict
// increase of the completion percentage, capped at 99. ffmpeg reports both
// out_time_us and out_time_ms in microseconds.
func parseProgress(ctx context.Context, r io.Reader, totalUs int64, out chan<- int) {
	scanner := bufio.NewScanner(r)
	last := 0
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		if key == "progress" && value == "end" {
			return
		}
		if totalUs <= 0 || (key != "out_time_us" && key != "out_time_ms") {
			continue
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		percent := int(float64(us) / float64(totalUs) * 100)
		if percent > 99 {
			percent = 99
		}
		if percent <= last {
			continue
		}
		last = percent
		select {
		case out <- percent:
		case <-ctx.Done():
			return
		}
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
