package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"gifconv/config"
	"gifconv/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestS3(t *testing.T, fn roundTripFunc) *S3Service {
	t.Helper()
	// A CA bundle from the environment cannot be applied to a stub transport
	t.Setenv("AWS_CA_BUNDLE", "")

	cfg := &config.Config{
		S3Region:       "us-east-1",
		AWSS3AccessKey: "test",
		AWSS3SecretKey: "test",
		S3Endpoint:     "http://s3.example.invalid",
		S3UsePathStyle: true,
	}
	svc, err := newS3Service(cfg, &http.Client{Transport: fn})
	if err != nil {
		t.Fatalf("newS3Service failed: %v", err)
	}
	return svc
}

func response(status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		StatusCode:    status,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        header,
	}
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := parseS3URI("s3://videos/uploads/a.mp4")
	if err != nil || bucket != "videos" || key != "uploads/a.mp4" {
		t.Fatalf("unexpected parse: %q %q %v", bucket, key, err)
	}
	for _, bad := range []string{"/local/a.mp4", "s3://videos", "s3:///a.mp4"} {
		if _, _, err := parseS3URI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestS3Service_DownloadWritesLocalFile(t *testing.T) {
	svc := newTestS3(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodGet || r.URL.Path != "/videos/uploads/a.mp4" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		return response(http.StatusOK, []byte("video!"), nil), nil
	})

	localPath := filepath.Join(t.TempDir(), "c1", "input.mp4")
	n, err := svc.Download(context.Background(), "s3://videos/uploads/a.mp4", localPath)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	data, _ := os.ReadFile(localPath)
	if n != 6 || string(data) != "video!" {
		t.Fatalf("unexpected download: n=%d data=%q", n, data)
	}
}

func TestS3Service_DownloadMissingObject(t *testing.T) {
	svc := newTestS3(t, func(r *http.Request) (*http.Response, error) {
		body := []byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
		return response(http.StatusNotFound, body, http.Header{"Content-Type": []string{"application/xml"}}), nil
	})

	localPath := filepath.Join(t.TempDir(), "input.mp4")
	_, err := svc.Download(context.Background(), "s3://videos/missing.mp4", localPath)
	if !errors.Is(err, models.ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
	if _, statErr := os.Stat(localPath); !os.IsNotExist(statErr) {
		t.Fatal("partial download should be removed")
	}
}

func TestS3Service_UploadSetsGIFContentType(t *testing.T) {
	var contentType, path string
	svc := newTestS3(t, func(r *http.Request) (*http.Response, error) {
		contentType = r.Header.Get("Content-Type")
		path = r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		return response(http.StatusOK, nil, http.Header{"Etag": []string{`"abc"`}}), nil
	})

	localPath := filepath.Join(t.TempDir(), "output.gif")
	if err := os.WriteFile(localPath, []byte("GIF89a"), 0o644); err != nil {
		t.Fatalf("failed to write temp output: %v", err)
	}

	if err := svc.Upload(context.Background(), localPath, "s3://videos/output/a.gif"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if contentType != "image/gif" || path != "/videos/output/a.gif" {
		t.Fatalf("unexpected upload: %q %q", contentType, path)
	}
}

func TestS3Service_DeleteIssuesDeleteRequest(t *testing.T) {
	svc := newTestS3(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodDelete {
			t.Fatalf("unexpected method %s", r.Method)
		}
		return response(http.StatusNoContent, nil, nil), nil
	})

	if err := svc.Delete(context.Background(), "s3://videos/uploads/a.mp4"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}
