// Package fonts discovers font files and resolves requested names with fallbacks.
package fonts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFont is used when the requested font cannot be found.
const DefaultFont = "NanumMyeongjo-YetHangul.ttf"

const fontPattern = "**/*.{ttf,otf,TTF,OTF}"

// ErrNoFonts is returned when the fonts directory holds no usable font.
var ErrNoFonts = errors.New("no fonts available")

// Resolver looks up fonts under a directory tree.
type Resolver struct {
	dir         string
	defaultFont string
	logger      *slog.Logger
}

// NewResolver creates a resolver rooted at dir. An empty defaultFont uses DefaultFont.
func NewResolver(dir, defaultFont string) *Resolver {
	if defaultFont == "" {
		defaultFont = DefaultFont
	}
	return &Resolver{
		dir:         dir,
		defaultFont: defaultFont,
		logger:      slog.With("component", "fonts"),
	}
}

// Dir returns the fonts root directory.
func (r *Resolver) Dir() string {
	return r.dir
}

// List returns every font path relative to the root, sorted.
func (r *Resolver) List() ([]string, error) {
	info, err := os.Stat(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("Fonts directory not found", "dir", r.dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat fonts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fonts path %s is not a directory", r.dir)
	}

	matches, err := doublestar.Glob(os.DirFS(r.dir), fontPattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob fonts: %w", err)
	}
	slices.Sort(matches)
	return slices.Compact(matches), nil
}

// Resolve returns an absolute-or-rooted path for name, trying in order:
// the name as a relative path, a file with the same base name anywhere in
// the tree, the default font, and finally the first font found.
func (r *Resolver) Resolve(name string) (string, error) {
	if name != "" && fs.ValidPath(filepath.ToSlash(name)) {
		candidate := filepath.Join(r.dir, filepath.FromSlash(name))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}

	available, err := r.List()
	if err != nil {
		return "", err
	}
	if len(available) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoFonts, r.dir)
	}

	if name != "" {
		base := path.Base(filepath.ToSlash(name))
		if rel, ok := findBase(available, base); ok {
			return r.abs(rel), nil
		}
	}

	if rel, ok := findBase(available, r.defaultFont); ok {
		r.logger.Info("Font not found, using default", "requested", name, "font", rel)
		return r.abs(rel), nil
	}

	r.logger.Warn("Font not found, using first available", "requested", name, "font", available[0])
	return r.abs(available[0]), nil
}

func (r *Resolver) abs(rel string) string {
	return filepath.Join(r.dir, filepath.FromSlash(rel))
}

func findBase(available []string, base string) (string, bool) {
	for _, rel := range available {
		if path.Base(rel) == base {
			return rel, true
		}
	}
	return "", false
}
