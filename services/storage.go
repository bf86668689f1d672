package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gifconv/models"

	"github.com/rs/zerolog"
)

// Storage resolves artifact locations. Plain paths live on a shared
// filesystem under the upload and output roots; s3:// URIs are staged
// through a per-conversion scratch directory under workDir.
type Storage struct {
	workDir string
	roots   models.Roots
	s3      *S3Service
	logger  zerolog.Logger
}

func NewStorage(workDir string, roots models.Roots, s3Svc *S3Service, logger zerolog.Logger) *Storage {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "conversions")
	}
	return &Storage{
		workDir: filepath.Clean(workDir),
		roots:   roots,
		s3:      s3Svc,
		logger:  logger.With().Str("component", "storage").Logger(),
	}
}

func (s *Storage) scratchDir(conversionID string) (string, error) {
	if !models.ValidConversionID(conversionID) {
		return "", fmt.Errorf("%w: conversion id %q", models.ErrPathOutsideRoot, conversionID)
	}
	return models.Within(s.workDir, conversionID)
}

func rejectedPath(err error) error {
	return models.NewValidationError("artifact path rejected", err)
}

// Fetch makes the input available locally and returns its path and size.
// A missing input wraps models.ErrArtifactMissing.
func (s *Storage) Fetch(ctx context.Context, conversionID, inputPath string) (string, int64, error) {
	if IsS3URI(inputPath) {
		if s.s3 == nil {
			return "", 0, fmt.Errorf("no S3 client configured for %s", inputPath)
		}
		scratch, err := s.scratchDir(conversionID)
		if err != nil {
			return "", 0, rejectedPath(err)
		}
		localPath := filepath.Join(scratch, "input"+filepath.Ext(inputPath))
		size, err := s.s3.Download(ctx, inputPath, localPath)
		if err != nil {
			return "", 0, err
		}
		return localPath, size, nil
	}

	inputPath, err := s.roots.ResolveInput(inputPath)
	if err != nil {
		return "", 0, rejectedPath(err)
	}
	info, err := os.Stat(inputPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0, fmt.Errorf("%w: %s", models.ErrArtifactMissing, inputPath)
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat input: %w", err)
	}
	if info.IsDir() {
		return "", 0, fmt.Errorf("%w: %s is a directory", models.ErrArtifactMissing, inputPath)
	}
	return inputPath, info.Size(), nil
}

// Stage returns the local path ffmpeg should write to, with its parent
// directory created.
func (s *Storage) Stage(conversionID, outputPath string) (string, error) {
	staged, err := s.roots.ResolveOutput(outputPath)
	if err != nil {
		return "", rejectedPath(err)
	}
	if IsS3URI(outputPath) {
		scratch, err := s.scratchDir(conversionID)
		if err != nil {
			return "", rejectedPath(err)
		}
		staged = filepath.Join(scratch, "output.gif")
	}
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return staged, nil
}

// Publish moves the staged output to its final location.
func (s *Storage) Publish(ctx context.Context, staged, outputPath string) error {
	if IsS3URI(outputPath) {
		if s.s3 == nil {
			return fmt.Errorf("no S3 client configured for %s", outputPath)
		}
		if err := s.s3.Upload(ctx, staged, outputPath); err != nil {
			return err
		}
		return removeFile(staged)
	}

	info, err := os.Stat(staged)
	if err != nil {
		return fmt.Errorf("output not written: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", staged)
	}
	return nil
}

// Remove deletes an input artifact. Removing something already gone
// succeeds; local paths outside the upload root are never touched.
func (s *Storage) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if IsS3URI(path) {
		if s.s3 == nil {
			return fmt.Errorf("no S3 client configured for %s", path)
		}
		return s.s3.Delete(ctx, path)
	}
	resolved, err := s.roots.ResolveInput(path)
	if err != nil {
		return err
	}
	return removeFile(resolved)
}

// Release drops the scratch directory of a conversion.
func (s *Storage) Release(conversionID string) error {
	if conversionID == "" {
		return nil
	}
	scratch, err := s.scratchDir(conversionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(scratch); err != nil {
		s.logger.Warn().Err(err).Str("conversion_id", conversionID).Msg("failed to remove scratch directory")
		return err
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
