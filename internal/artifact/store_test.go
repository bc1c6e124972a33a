package artifact

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMaterialize_DataURI(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir(), nil)
	payload := []byte("\x89PNG fake image")
	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)

	got, err := store.Materialize(context.Background(), "job-1", "background", ref)
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}

	if want := filepath.Join(store.JobDir("job-1"), "inputs", "background.png"); got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("content = %q, want %q", data, payload)
	}
}

func TestMaterialize_LocalPath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := NewStore(root, nil)

	prev := filepath.Join(root, "jobs", "old", "text.png")
	if err := os.MkdirAll(filepath.Dir(prev), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(prev, []byte("text layer"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{prev, "jobs/old/text.png"} {
		got, err := store.Materialize(context.Background(), "job-2", "text", ref)
		if err != nil {
			t.Fatalf("Materialize(%q) error: %v", ref, err)
		}
		data, err := os.ReadFile(got)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "text layer" {
			t.Errorf("content = %q", data)
		}
		if filepath.Ext(got) != ".png" {
			t.Errorf("expected .png extension, got %q", got)
		}
	}
}

func TestMaterialize_RejectsOutsideRoot(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir(), nil)

	outside := filepath.Join(t.TempDir(), "secret.png")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Materialize(context.Background(), "job-3", "background", outside); err == nil {
		t.Error("expected error for path outside data root")
	}
	if _, err := store.Materialize(context.Background(), "job-3", "background", "../secret.png"); err == nil {
		t.Error("expected error for traversal")
	}
}

func TestMaterialize_Download(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg bytes"))
	}))
	defer server.Close()

	store := NewStore(t.TempDir(), server.Client())

	got, err := store.Materialize(context.Background(), "job-4", "background", server.URL+"/bg")
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}
	if !strings.HasSuffix(got, "background.jpg") {
		t.Errorf("path = %q, want background.jpg suffix", got)
	}

	if _, err := store.Materialize(context.Background(), "job-4", "text", server.URL+"/missing.png"); err == nil {
		t.Error("expected error for 404 download")
	}
}

func TestNewStore_RelativeRoot(t *testing.T) {
	tmp := t.TempDir()
	t.Chdir(tmp)

	store := NewStore("./data", nil)
	if want := filepath.Join(tmp, "data"); store.Root() != want {
		t.Errorf("Root() = %q, want %q", store.Root(), want)
	}
	if dir := store.JobDir("J1"); !filepath.IsAbs(dir) {
		t.Errorf("JobDir() = %q, want absolute path", dir)
	}
	got, err := store.Materialize(context.Background(), "J1", "text", "data:text/plain;base64,"+base64.StdEncoding.EncodeToString([]byte("x")))
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("materialized path = %q, want absolute path", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir(), nil)

	dir, err := store.Prepare("job-5")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("job-5"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected job dir removed, stat err = %v", err)
	}
	if err := store.Remove(""); err == nil {
		t.Error("expected error for empty job id")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	if got := Describe("data:image/png;base64,AAAA"); got != "data:image/png;base64,<4 bytes>" {
		t.Errorf("Describe() = %q", got)
	}
	if got := Describe("/data/a.png"); got != "/data/a.png" {
		t.Errorf("Describe() = %q", got)
	}
}
