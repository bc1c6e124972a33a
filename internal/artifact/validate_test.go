package artifact

import (
	"errors"
	"testing"

	"genjobs/internal/apperrors"
)

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{"data uri", "data:image/png;base64,iVBORw0KGgo=", false},
		{"plain data uri", "data:text/plain,hello%20world", false},
		{"https url", "https://example.com/bg.png", false},
		{"relative path", "jobs/abc/background.png", false},
		{"absolute path", "/srv/data/jobs/abc/background.png", false},
		{"empty", "", true},
		{"bad base64", "data:image/png;base64,***", true},
		{"data uri without comma", "data:image/png;base64", true},
		{"traversal", "../secret.png", true},
		{"nested traversal", "jobs/../../secret.png", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRef("step_outputs.background", tt.ref)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRef(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"file.txt", false},
		{"subdir/file.txt", false},
		{"a/b/c/file.txt", false},
		{"", false},
		{"/absolute/path", true},
		{"../parent", true},
		{"foo/../bar", true},
		{"foo/../../bar", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/file", false},
		{"http://example.com/file", false},
		{"https://example.com:8080/path", false},
		{"", false},
		{"ftp://example.com/file", true},
		{"file:///etc/passwd", true},
		{"not-a-url", true},
		{"://missing-scheme", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/data", "/data/jobs/a.png", true},
		{"/data", "/data", true},
		{"/data", "/database/a.png", false},
		{"/data", "/etc/passwd", false},
		{"/data", "/data/../etc", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := within(tt.root, tt.path); got != tt.want {
				t.Errorf("within(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
			}
		})
	}
}
