// Package remote defines the Backend interface for the remote side of a
// directory sync. Implementations live in subpackages (sftp, local, s3).
package remote

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned by Get when the key is absent on the remote.
var ErrNotExist = errors.New("remote: file does not exist")

// FileInfo describes one regular file on the remote. Path is relative to
// the sync root and always uses forward slashes.
type FileInfo struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Backend is the interface for remote storage backends. Keys are relative
// slash-separated paths under the backend's root.
type Backend interface {
	// List walks the remote root and returns every regular file keyed by
	// relative path.
	List(ctx context.Context) (map[string]FileInfo, error)

	// Get opens a remote file for reading. It returns ErrNotExist when the
	// key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put writes body to key, creating parent directories, and sets the
	// remote modification time to modTime when it is non-zero.
	Put(ctx context.Context, key string, body io.Reader, size int64, modTime time.Time) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Type returns the backend type identifier ("sftp", "local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
