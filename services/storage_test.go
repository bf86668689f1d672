package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gifconv/models"

	"github.com/rs/zerolog"
)

func TestStorage_FetchLocal(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "a.mp4")
	if err := os.WriteFile(input, []byte("12345"), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	s := NewStorage(filepath.Join(dir, "work"), models.Roots{UploadDir: dir, OutputDir: dir}, nil, zerolog.Nop())

	path, size, err := s.Fetch(context.Background(), "c1", input)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if path != input || size != 5 {
		t.Fatalf("unexpected fetch: %s %d", path, size)
	}
}

func TestStorage_FetchMissingIsArtifactMissing(t *testing.T) {
	dir := t.TempDir()
	s := NewStorage(filepath.Join(dir, "work"), models.Roots{UploadDir: dir}, nil, zerolog.Nop())

	_, _, err := s.Fetch(context.Background(), "c1", "missing.mp4")
	if !errors.Is(err, models.ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
	if models.IsFatal(err) {
		t.Fatal("a missing input must be retryable")
	}
}

func TestStorage_StageCreatesParentAndPublishChecksOutput(t *testing.T) {
	dir := t.TempDir()
	s := NewStorage(filepath.Join(dir, "work"), models.Roots{OutputDir: dir}, nil, zerolog.Nop())
	output := filepath.Join(dir, "output", "nested", "a.gif")

	staged, err := s.Stage("c1", output)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if staged != output {
		t.Fatalf("local output should be written in place, got %s", staged)
	}
	if info, err := os.Stat(filepath.Dir(output)); err != nil || !info.IsDir() {
		t.Fatal("output directory should exist")
	}

	if err := s.Publish(context.Background(), staged, output); err == nil {
		t.Fatal("publishing a missing output should fail")
	}
	_ = os.WriteFile(staged, []byte("GIF89a"), 0o644)
	if err := s.Publish(context.Background(), staged, output); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestStorage_StageS3UsesScratch(t *testing.T) {
	work := t.TempDir()
	s := NewStorage(work, models.Roots{}, nil, zerolog.Nop())

	staged, err := s.Stage("c1", "s3://videos/output/a.gif")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if staged != filepath.Join(work, "c1", "output.gif") {
		t.Fatalf("unexpected staged path %s", staged)
	}
	if err := s.Release("c1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, "c1")); !os.IsNotExist(err) {
		t.Fatal("scratch directory should be removed")
	}
}

func TestStorage_RemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "a.mp4")
	_ = os.WriteFile(input, []byte("x"), 0o644)
	s := NewStorage(filepath.Join(dir, "work"), models.Roots{UploadDir: dir}, nil, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if err := s.Remove(context.Background(), input); err != nil {
			t.Fatalf("Remove #%d failed: %v", i+1, err)
		}
	}
}

func TestStorage_ReleaseStaysInsideWorkDir(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(dir, "victim", "precious.txt")
	if err := os.MkdirAll(filepath.Dir(victim), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	_ = os.WriteFile(victim, []byte("keep"), 0o644)
	s := NewStorage(filepath.Join(dir, "work"), models.Roots{}, nil, zerolog.Nop())

	for _, id := range []string{"../victim", "..", "."} {
		if err := s.Release(id); err == nil {
			t.Fatalf("Release(%q) should be refused", id)
		}
	}
	if _, err := s.Stage("../victim", "s3://gifs/a.gif"); !models.IsFatal(err) {
		t.Fatalf("staging under an unsafe id should be fatal, got %v", err)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("file outside the work directory was touched: %v", err)
	}
}

func TestStorage_LocalPathsConfinedToRoots(t *testing.T) {
	dir := t.TempDir()
	uploads := filepath.Join(dir, "uploads")
	outside := filepath.Join(dir, "not-a-video.conf")
	_ = os.MkdirAll(uploads, 0o755)
	_ = os.WriteFile(outside, []byte("setting=1"), 0o644)
	s := NewStorage(filepath.Join(dir, "work"), models.Roots{UploadDir: uploads, OutputDir: filepath.Join(dir, "output")}, nil, zerolog.Nop())

	_, _, err := s.Fetch(context.Background(), "c1", outside)
	if !errors.Is(err, models.ErrPathOutsideRoot) || !models.IsFatal(err) {
		t.Fatalf("fetching outside the upload root should be fatal, got %v", err)
	}
	if _, err := s.Stage("c1", outside); !errors.Is(err, models.ErrPathOutsideRoot) {
		t.Fatalf("staging outside the output root should be rejected, got %v", err)
	}
	if err := s.Remove(context.Background(), outside); !errors.Is(err, models.ErrPathOutsideRoot) {
		t.Fatalf("removing outside the upload root should be refused, got %v", err)
	}
	if err := s.Remove(context.Background(), "../not-a-video.conf"); err == nil {
		t.Fatal("relative escape should be refused")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside the roots was deleted: %v", err)
	}

	if _, err := s.Stage("c1", "nested/a.gif"); err != nil {
		t.Fatalf("relative output should resolve under the output root: %v", err)
	}
	if info, err := os.Stat(filepath.Join(dir, "output", "nested")); err != nil || !info.IsDir() {
		t.Fatal("output directory should be created under the output root")
	}
}
