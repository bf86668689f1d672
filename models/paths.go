package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrPathOutsideRoot = errors.New("path outside allowed directory")

// Roots confines local artifact paths to the upload and output directories.
// s3:// URIs are left to bucket policy.
type Roots struct {
	UploadDir string
	OutputDir string
}

func IsRemotePath(p string) bool {
	return strings.HasPrefix(p, "s3://")
}

// Within resolves p under root. Relative paths are joined to root; absolute
// paths must already lie inside it. root itself is not a valid artifact path.
func Within(root, p string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: no directory configured for %s", ErrPathOutsideRoot, p)
	}
	root = filepath.Clean(root)
	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, p)
	}
	return resolved, nil
}

func (r Roots) ResolveInput(p string) (string, error) {
	if IsRemotePath(p) {
		return p, nil
	}
	return Within(r.UploadDir, p)
}

func (r Roots) ResolveOutput(p string) (string, error) {
	if IsRemotePath(p) {
		return p, nil
	}
	return Within(r.OutputDir, p)
}

// Confine returns d with its local paths resolved under the roots.
func (r Roots) Confine(d JobDescriptor) (JobDescriptor, error) {
	var invalid []string
	if in, err := r.ResolveInput(d.InputPath); err != nil {
		invalid = append(invalid, "inputPath")
	} else {
		d.InputPath = in
	}
	if out, err := r.ResolveOutput(d.OutputPath); err != nil {
		invalid = append(invalid, "outputPath")
	} else {
		d.OutputPath = out
	}
	if len(invalid) > 0 {
		return d, &DescriptorError{Invalid: invalid, Err: ErrPathOutsideRoot}
	}
	return d, nil
}
