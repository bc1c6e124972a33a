// Package artifact manages per-job working directories and the step output
// references supplied by callers.
package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	jobsDir   = "jobs"
	inputsDir = "inputs"

	// MaxDownloadBytes caps a single remote input.
	MaxDownloadBytes = 64 << 20
)

type refKind int

const (
	kindEmpty refKind = iota
	kindData
	kindURL
	kindPath
)

func kindOf(ref string) refKind {
	switch {
	case ref == "":
		return kindEmpty
	case strings.HasPrefix(ref, "data:"):
		return kindData
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return kindURL
	default:
		return kindPath
	}
}

// Store lays out job directories under a single data root.
type Store struct {
	root       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStore creates a store rooted at root. A relative root is resolved
// against the current directory, since workers run with their job
// directory as working directory. A nil client uses http.DefaultClient.
func NewStore(root string, httpClient *http.Client) *Store {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Store{
		root:       root,
		httpClient: httpClient,
		logger:     slog.With("component", "artifact"),
	}
}

// Root returns the data root.
func (s *Store) Root() string {
	return s.root
}

// JobDir returns the working directory for a job.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobsDir, jobID)
}

// Prepare creates the job directory and returns it.
func (s *Store) Prepare(jobID string) (string, error) {
	dir := s.JobDir(jobID)
	if err := os.MkdirAll(filepath.Join(dir, inputsDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}

// Remove deletes everything stored for a job.
func (s *Store) Remove(jobID string) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}
	return nil
}

// Materialize copies the output of an earlier step into the job's inputs
// directory and returns the local path. ref may be a data URI, an http(s)
// URL, or a file path inside the data root.
func (s *Store) Materialize(ctx context.Context, jobID, step, ref string) (string, error) {
	dir, err := s.Prepare(jobID)
	if err != nil {
		return "", err
	}
	base := filepath.Join(dir, inputsDir, step)

	switch kindOf(ref) {
	case kindData:
		mediaType, data, err := decodeDataURI(ref)
		if err != nil {
			return "", fmt.Errorf("decode %s input: %w", step, err)
		}
		dest := base + extensionFor(mediaType, "")
		if err := writeFile(dest, data); err != nil {
			return "", err
		}
		s.logger.Debug("Materialized inline input", "jobId", jobID, "step", step, "bytes", len(data))
		return dest, nil

	case kindURL:
		return s.download(ctx, ref, base)

	case kindPath:
		src, err := s.resolveLocal(ref)
		if err != nil {
			return "", err
		}
		dest := base + filepath.Ext(src)
		if err := copyFile(src, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	return "", fmt.Errorf("%s input is empty", step)
}

func (s *Store) resolveLocal(ref string) (string, error) {
	var candidate string
	if filepath.IsAbs(ref) {
		candidate = filepath.Clean(ref)
	} else {
		if err := validatePath(ref); err != nil {
			return "", err
		}
		candidate = filepath.Join(s.root, ref)
	}

	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !within(s.root, abs) {
		return "", fmt.Errorf("path %q is outside the data directory", ref)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("input %q: %w", ref, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("input %q is not a regular file", ref)
	}
	return abs, nil
}

func (s *Store) download(ctx context.Context, rawURL, base string) (string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download input: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	u, _ := url.Parse(rawURL)
	dest := base + extensionFor(resp.Header.Get("Content-Type"), path.Ext(u.Path))

	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if written > MaxDownloadBytes {
		return "", fmt.Errorf("download exceeds %d bytes", MaxDownloadBytes)
	}
	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync file: %w", err)
	}

	s.logger.Debug("Downloaded input", "bytes", written, "path", dest)
	return dest, nil
}

// Describe returns a short loggable form of ref; inline data is elided.
func Describe(ref string) string {
	if kindOf(ref) != kindData {
		return ref
	}
	header, payload, _ := strings.Cut(ref, ",")
	return fmt.Sprintf("%s,<%d bytes>", header, len(payload))
}

func decodeDataURI(ref string) (string, []byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return "", nil, errors.New("missing comma")
	}

	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}

	if !isBase64 {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, err
		}
		return mediaType, []byte(text), nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("invalid base64: %w", err)
		}
	}
	if len(data) == 0 {
		return "", nil, errors.New("empty payload")
	}
	return mediaType, data, nil
}

func extensionFor(mediaType, fallback string) string {
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if fallback != "" {
		return fallback
	}
	return ".bin"
}

func writeFile(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy input: %w", err)
	}
	return out.Sync()
}
