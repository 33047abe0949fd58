package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DefaultManifestName is the manifest file kept in both sync roots.
const DefaultManifestName = ".sync_manifest.json"

// Hash is an md5 hex digest. The empty hash is encoded as JSON null.
type Hash string

// HashSizeExceeded marks files above the size ceiling; they are never
// hashed or transferred.
const HashSizeExceeded Hash = "size_exceeded"

func (h Hash) MarshalJSON() ([]byte, error) {
	if h == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(h))
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*h = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*h = Hash(s)
	return nil
}

// FileState is the last known state of one synced file.
type FileState struct {
	Modified float64 `json:"modified"`
	Size     int64   `json:"size"`
	Hash     Hash    `json:"hash"`
	LastSync string  `json:"last_sync"`
}

// Synced reports whether the entry records a completed transfer.
func (f FileState) Synced() bool {
	return f.Hash != HashSizeExceeded
}

// Manifest records file states as of the last sync pass.
type Manifest struct {
	LastSync string               `json:"last_sync"`
	Files    map[string]FileState `json:"files"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Files: make(map[string]FileState)}
}

// DecodeManifest reads a manifest from r.
func DecodeManifest(r io.Reader) (*Manifest, error) {
	m := NewManifest()
	if err := json.NewDecoder(r).Decode(m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = make(map[string]FileState)
	}
	return m, nil
}

// LoadManifest reads the manifest at path. A missing file yields an empty
// manifest.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewManifest(), nil
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return DecodeManifest(f)
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".relaysync-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// Shareable returns a copy without size_exceeded entries, which is what
// gets mirrored to the remote.
func (m *Manifest) Shareable() *Manifest {
	out := &Manifest{LastSync: m.LastSync, Files: make(map[string]FileState, len(m.Files))}
	for path, st := range m.Files {
		if st.Synced() {
			out.Files[path] = st
		}
	}
	return out
}

// Record stores e as the state of its path, stamped with now.
func (m *Manifest) Record(e FileEntry, now time.Time) {
	m.Files[e.Path] = FileState{
		Modified: e.Modified,
		Size:     e.Size,
		Hash:     e.Hash,
		LastSync: isoTime(now),
	}
}

// Forget drops path from the manifest.
func (m *Manifest) Forget(path string) {
	delete(m.Files, path)
}

func isoTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000")
}
