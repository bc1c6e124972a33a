package artifact

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"genjobs/internal/apperrors"
)

// ValidateRef checks that ref is a usable step output reference without
// touching the filesystem or network.
func ValidateRef(field, ref string) error {
	switch kindOf(ref) {
	case kindData:
		if _, _, err := decodeDataURI(ref); err != nil {
			return apperrors.Validation(field, fmt.Sprintf("%s: invalid data URI: %v", field, err))
		}
	case kindURL:
		if err := ValidateURL(ref); err != nil {
			return apperrors.Validation(field, fmt.Sprintf("%s: invalid url: %v", field, err))
		}
	case kindPath:
		if filepath.IsAbs(ref) {
			return nil
		}
		if err := validatePath(ref); err != nil {
			return apperrors.Validation(field, fmt.Sprintf("%s: invalid path: %v", field, err))
		}
	default:
		return apperrors.Validation(field, fmt.Sprintf("%s is empty", field))
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs. An empty string is valid.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return nil
	}

	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, not absolute")
	}

	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("path traversal not allowed")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}

	return nil
}

// within reports whether path lies inside root once both are cleaned.
func within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
