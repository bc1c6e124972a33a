package fonts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFonts(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("font"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestList(t *testing.T) {
	t.Parallel()
	dir := writeFonts(t,
		"NanumGothic/NanumGothic.ttf",
		"Serif/Display.otf",
		"readme.txt",
		"Upper/LOUD.TTF",
	)

	got, err := NewResolver(dir, "").List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	want := []string{"NanumGothic/NanumGothic.ttf", "Serif/Display.otf", "Upper/LOUD.TTF"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestList_MissingDir(t *testing.T) {
	t.Parallel()
	got, err := NewResolver(filepath.Join(t.TempDir(), "nope"), "").List()
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no fonts, got %v", got)
	}
}

func TestResolve_FallbackChain(t *testing.T) {
	t.Parallel()
	dir := writeFonts(t,
		"A/Alpha.ttf",
		"Nanum/NanumMyeongjo-YetHangul.ttf",
		"Z/Zeta.otf",
	)
	r := NewResolver(dir, "")

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"relative path", "Z/Zeta.otf", "Z/Zeta.otf"},
		{"base name only", "Alpha.ttf", "A/Alpha.ttf"},
		{"unknown uses default", "Missing.ttf", "Nanum/NanumMyeongjo-YetHangul.ttf"},
		{"empty uses default", "", "Nanum/NanumMyeongjo-YetHangul.ttf"},
		{"traversal ignored", "../../etc/passwd", "Nanum/NanumMyeongjo-YetHangul.ttf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Resolve(tt.requested)
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if want := filepath.Join(dir, filepath.FromSlash(tt.want)); got != want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.requested, got, want)
			}
		})
	}
}

func TestResolve_FirstAvailableWithoutDefault(t *testing.T) {
	t.Parallel()
	dir := writeFonts(t, "b/Beta.ttf", "a/Alpha.ttf")

	got, err := NewResolver(dir, "").Resolve("Missing.ttf")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if want := filepath.Join(dir, "a", "Alpha.ttf"); got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolve_CustomDefault(t *testing.T) {
	t.Parallel()
	dir := writeFonts(t, "a/Alpha.ttf", "b/House.otf")

	got, err := NewResolver(dir, "House.otf").Resolve("")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if want := filepath.Join(dir, "b", "House.otf"); got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolve_NoFonts(t *testing.T) {
	t.Parallel()
	dir := writeFonts(t, "notes.txt")

	_, err := NewResolver(dir, "").Resolve("Any.ttf")
	if !errors.Is(err, ErrNoFonts) {
		t.Errorf("expected ErrNoFonts, got %v", err)
	}
}
