package syncer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestHashJSON(t *testing.T) {
	tests := []struct {
		hash Hash
		wire string
	}{
		{"", "null"},
		{"5d41402abc4b2a76b9719d911017c592", `"5d41402abc4b2a76b9719d911017c592"`},
		{HashSizeExceeded, `"size_exceeded"`},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.hash)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tt.wire {
			t.Errorf("marshal %q: got %s, want %s", tt.hash, b, tt.wire)
		}

		var got Hash
		if err := json.Unmarshal([]byte(tt.wire), &got); err != nil {
			t.Fatal(err)
		}
		if got != tt.hash {
			t.Errorf("unmarshal %s: got %q, want %q", tt.wire, got, tt.hash)
		}
	}
}

func TestManifestWireFormat(t *testing.T) {
	m := NewManifest()
	m.Record(FileEntry{Path: "docs/a.txt", Modified: 1700000000.5, Size: 5, Hash: "abc"}, time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC))
	m.LastSync = "2024-05-01T08:30:00.000000"

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}

	var wire struct {
		LastSync string `json:"last_sync"`
		Files    map[string]map[string]any
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.LastSync != m.LastSync {
		t.Errorf("unexpected last_sync %q", wire.LastSync)
	}
	f := wire.Files["docs/a.txt"]
	if f["modified"] != 1700000000.5 || f["size"] != float64(5) || f["hash"] != "abc" {
		t.Errorf("unexpected entry %v", f)
	}
	if ls, _ := f["last_sync"].(string); !strings.HasPrefix(ls, "2024-05-01T08:30:00") {
		t.Errorf("unexpected entry last_sync %v", f["last_sync"])
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultManifestName)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("missing manifest: %v", err)
	}
	if len(m.Files) != 0 {
		t.Errorf("expected empty manifest, got %v", m.Files)
	}

	os.WriteFile(path, []byte(`{"last_sync":"x","files":{"a":{"modified":1,"size":2,"hash":null,"last_sync":"y"}}}`), 0644)
	m, err = LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if st := m.Files["a"]; st.Hash != "" || st.Size != 2 {
		t.Errorf("unexpected entry %+v", st)
	}

	os.WriteFile(path, []byte("{broken"), 0644)
	if _, err := LoadManifest(path); err == nil {
		t.Error("expected error for corrupt manifest")
	}
}

func TestManifestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultManifestName)
	m := NewManifest()
	m.Record(FileEntry{Path: "a.txt", Modified: 10, Size: 1, Hash: "h"}, time.Now())
	m.Record(FileEntry{Path: "big.bin", Modified: 11, Size: 1 << 30, Hash: HashSizeExceeded}, time.Now())

	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(loaded.Files) != 2 || loaded.Files["big.bin"].Hash != HashSizeExceeded {
		t.Errorf("unexpected manifest %+v", loaded.Files)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".relaysync-*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestManifestShareable(t *testing.T) {
	m := NewManifest()
	m.Record(FileEntry{Path: "a.txt", Hash: "h"}, time.Now())
	m.Record(FileEntry{Path: "big.bin", Hash: HashSizeExceeded}, time.Now())

	shared := m.Shareable()
	if _, ok := shared.Files["big.bin"]; ok {
		t.Error("size_exceeded entries must not be shared")
	}
	if _, ok := shared.Files["a.txt"]; !ok {
		t.Error("synced entries must be shared")
	}
	if _, ok := m.Files["big.bin"]; !ok {
		t.Error("Shareable must not modify the original")
	}
}
