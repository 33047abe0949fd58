package syncer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ailinux/relaysync/internal/remote"
	"github.com/ailinux/relaysync/internal/remote/local"
)

// FileEntry is one file as seen on a side of the sync. Hash is empty for
// remote listings.
type FileEntry struct {
	Path     string
	Modified float64
	Size     int64
	Hash     Hash
}

// epoch converts t to float seconds, the manifest's time unit.
func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// excluded reports whether any segment of the slash-separated rel path
// contains one of patterns.
func excluded(rel string, patterns []string) bool {
	for _, seg := range strings.Split(rel, "/") {
		for _, p := range patterns {
			if p != "" && strings.Contains(seg, p) {
				return true
			}
		}
	}
	return false
}

// hashFile returns the md5 hex digest of the file at path.
func hashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return Hash(hex.EncodeToString(h.Sum(nil))), nil
}

// scanLocal walks root and returns every regular file not excluded. Files
// that cannot be read are logged and skipped.
func (s *Syncer) scanLocal(ctx context.Context) (map[string]FileEntry, error) {
	root := s.cfg.LocalDir
	files := make(map[string]FileEntry)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.log.Warn("error scanning local path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excluded(rel, s.cfg.ExcludePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || rel == s.cfg.ManifestName || local.IsTemp(d.Name()) {
			return nil
		}
		if excluded(rel, s.cfg.ExcludePatterns) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.log.Warn("cannot stat local file", zap.String("path", rel), zap.Error(err))
			return nil
		}

		entry := FileEntry{
			Path:     rel,
			Modified: epoch(info.ModTime()),
			Size:     info.Size(),
		}
		if s.cfg.MaxFileSize > 0 && info.Size() > s.cfg.MaxFileSize {
			entry.Hash = HashSizeExceeded
		} else {
			hash, err := hashFile(path)
			if err != nil {
				s.log.Warn("cannot hash local file", zap.String("path", rel), zap.Error(err))
				return nil
			}
			entry.Hash = hash
		}
		files[rel] = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, nil
}

// remoteEntries converts a backend listing, dropping the mirrored manifest
// and in-flight files.
func (s *Syncer) remoteEntries(listing map[string]remote.FileInfo) map[string]FileEntry {
	files := make(map[string]FileEntry, len(listing))
	for key, info := range listing {
		if key == s.cfg.ManifestName || local.IsTemp(path.Base(key)) {
			continue
		}
		files[key] = FileEntry{
			Path:     key,
			Modified: epoch(info.ModTime),
			Size:     info.Size,
		}
	}
	return files
}

// manifestEntries converts a remote manifest into remote entries carrying
// hashes.
func manifestEntries(m *Manifest) map[string]FileEntry {
	files := make(map[string]FileEntry, len(m.Files))
	for key, st := range m.Files {
		if !st.Synced() {
			continue
		}
		files[key] = FileEntry{
			Path:     key,
			Modified: st.Modified,
			Size:     st.Size,
			Hash:     st.Hash,
		}
	}
	return files
}
