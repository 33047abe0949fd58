// Package local provides a filesystem remote backend. It serves a plain
// directory or a network share that is pre-mounted on the OS (NFS, SMB via
// mount.cifs or fstab).
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ailinux/relaysync/internal/metrics"
	"github.com/ailinux/relaysync/internal/remote"
)

// TempPattern is the pattern of in-flight files written by Put.
const TempPattern = ".relaysync-*.tmp"

// Config holds local backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements remote.Backend on the local filesystem.
type Backend struct {
	rootPath   string
	createDirs bool
}

var _ remote.Backend = (*Backend)(nil)

// New creates a local backend rooted at cfg.RootPath.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// IsTemp reports whether name is an in-flight file left by Put.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".relaysync-") && strings.HasSuffix(name, ".tmp")
}

// List walks the root and returns every regular file.
func (b *Backend) List(ctx context.Context) (map[string]remote.FileInfo, error) {
	start := time.Now()
	files := make(map[string]remote.FileInfo)

	err := filepath.WalkDir(b.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || IsTemp(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.rootPath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		files[key] = remote.FileInfo{
			Path:    key,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		}
		return nil
	})
	metrics.RecordRemoteOperation(b.Type(), "list", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", b.rootPath, err)
	}
	return files, nil
}

// Get opens a file for reading.
func (b *Backend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	f, err := os.Open(b.fullPath(key))
	metrics.RecordRemoteOperation(b.Type(), "get", time.Since(start), err == nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", key, remote.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Put writes content atomically and applies modTime.
func (b *Backend) Put(_ context.Context, key string, body io.Reader, _ int64, modTime time.Time) error {
	start := time.Now()
	err := b.put(key, body, modTime)
	metrics.RecordRemoteOperation(b.Type(), "put", time.Since(start), err == nil)
	return err
}

func (b *Backend) put(key string, body io.Reader, modTime time.Time) error {
	path := b.fullPath(key)
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	tmp, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(tmpName, modTime, modTime); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("set mtime for %s: %w", key, err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// Delete removes a file. Missing files are ignored.
func (b *Backend) Delete(_ context.Context, key string) error {
	start := time.Now()
	err := os.Remove(b.fullPath(key))
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	metrics.RecordRemoteOperation(b.Type(), "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
