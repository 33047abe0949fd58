package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ailinux/relaysync/internal/remote"
)

func newBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(Config{RootPath: dir, CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, dir
}

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	if _, err := New(Config{RootPath: root, CreateDirs: true}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := New(Config{RootPath: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for missing root without CreateDirs")
	}
	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, []byte("x"), 0644)
	if _, err := New(Config{RootPath: file}); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	b, dir := newBackend(t)
	ctx := context.Background()
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	content := []byte("hello remote")
	if err := b.Put(ctx, "docs/a.txt", bytes.NewReader(content), int64(len(content)), mtime); err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "docs", "a.txt"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime mismatch: got %v, want %v", info.ModTime(), mtime)
	}

	rc, err := b.Get(ctx, "docs/a.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

func TestGetMissing(t *testing.T) {
	b, _ := newBackend(t)
	_, err := b.Get(context.Background(), "nope.txt")
	if !errors.Is(err, remote.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestListSkipsDirsAndTempFiles(t *testing.T) {
	b, dir := newBackend(t)
	os.MkdirAll(filepath.Join(dir, "sub", "empty"), 0755)
	os.WriteFile(filepath.Join(dir, "top.txt"), []byte("1"), 0644)
	os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("22"), 0644)
	os.WriteFile(filepath.Join(dir, "sub", ".relaysync-123.tmp"), []byte("partial"), 0644)

	files, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	nested, ok := files["sub/nested.txt"]
	if !ok {
		t.Fatalf("expected slash-separated key, got %v", files)
	}
	if nested.Size != 2 || nested.Path != "sub/nested.txt" {
		t.Errorf("unexpected info %+v", nested)
	}
}

func TestDeleteIgnoresMissing(t *testing.T) {
	b, dir := newBackend(t)
	ctx := context.Background()
	os.WriteFile(filepath.Join(dir, "gone.txt"), []byte("x"), 0644)

	if err := b.Delete(ctx, "gone.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !os.IsNotExist(err) {
		t.Error("file still present after delete")
	}
	if err := b.Delete(ctx, "gone.txt"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestIsTemp(t *testing.T) {
	for name, want := range map[string]bool{
		".relaysync-42.tmp": true,
		"relaysync-42.tmp":  false,
		".relaysync-42.txt": false,
		"notes.tmp":         false,
	} {
		if got := IsTemp(name); got != want {
			t.Errorf("IsTemp(%q) = %v, want %v", name, got, want)
		}
	}
}
