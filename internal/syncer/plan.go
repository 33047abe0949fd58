package syncer

import (
	"fmt"
	"math"
	"sort"
)

// Mode selects which directions a sync pass may change.
type Mode string

const (
	ModeUpload   Mode = "upload"
	ModeDownload Mode = "download"
	ModeTwoWay   Mode = "two-way"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeUpload, ModeDownload, ModeTwoWay:
		return m, nil
	default:
		return "", fmt.Errorf("invalid sync mode %q (want upload, download or two-way)", s)
	}
}

// Op is a planned per-file operation.
type Op string

const (
	OpUpload       Op = "upload"
	OpDownload     Op = "download"
	OpDeleteLocal  Op = "delete_local"
	OpDeleteRemote Op = "delete_remote"
	OpAdopt        Op = "adopt"  // both sides match; record without transfer
	OpForget       Op = "forget" // gone on both sides; drop the manifest entry
	OpSkip         Op = "skip"   // above the size ceiling
)

// allowed reports whether mode may emit op.
func (m Mode) allowed(op Op) bool {
	switch op {
	case OpUpload:
		return m == ModeUpload || m == ModeTwoWay
	case OpDownload:
		return m == ModeDownload || m == ModeTwoWay
	case OpDeleteLocal:
		return m == ModeTwoWay
	case OpDeleteRemote:
		return m == ModeUpload || m == ModeTwoWay
	default:
		return true
	}
}

// Action is one planned operation on a path.
type Action struct {
	Op   Op
	Path string
}

// mtimeTolerance absorbs backends that store whole seconds.
const mtimeTolerance = 1.0

func sameTime(a, b float64) bool {
	return math.Abs(a-b) < mtimeTolerance
}

// BuildPlan classifies every path known to the local scan, the remote view
// or the manifest. Actions are sorted by path.
func BuildPlan(mode Mode, localFiles, remoteFiles map[string]FileEntry, m *Manifest) []Action {
	paths := make(map[string]struct{}, len(localFiles)+len(remoteFiles)+len(m.Files))
	for p := range localFiles {
		paths[p] = struct{}{}
	}
	for p := range remoteFiles {
		paths[p] = struct{}{}
	}
	for p := range m.Files {
		paths[p] = struct{}{}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var actions []Action
	for _, p := range sorted {
		l, hasLocal := localFiles[p]
		r, hasRemote := remoteFiles[p]
		st, inManifest := m.Files[p]

		op, ok := classify(mode, l, hasLocal, r, hasRemote, st, inManifest)
		if ok && mode.allowed(op) {
			actions = append(actions, Action{Op: op, Path: p})
		}
	}
	return actions
}

func classify(mode Mode, l FileEntry, hasLocal bool, r FileEntry, hasRemote bool, st FileState, inManifest bool) (Op, bool) {
	synced := inManifest && st.Synced()

	switch {
	case hasLocal && l.Hash == HashSizeExceeded:
		return OpSkip, true

	case hasLocal && !hasRemote:
		if mode == ModeTwoWay && synced {
			return OpDeleteLocal, true
		}
		return OpUpload, true

	case !hasLocal && hasRemote:
		if mode == ModeTwoWay && synced {
			return OpDeleteRemote, true
		}
		if mode == ModeUpload {
			return OpDeleteRemote, true
		}
		return OpDownload, true

	case hasLocal && hasRemote:
		if synced {
			return classifySynced(l, r, st)
		}
		if (l.Hash != "" && l.Hash == r.Hash) || (l.Size == r.Size && sameTime(l.Modified, r.Modified)) {
			return OpAdopt, true
		}
		if l.Modified > r.Modified {
			return OpUpload, true
		}
		return OpDownload, true

	case inManifest:
		return OpForget, true
	}
	return "", false
}

// classifySynced handles a path present on both sides with a manifest
// record. Local changes win over remote ones.
func classifySynced(l, r FileEntry, st FileState) (Op, bool) {
	if l.Modified > st.Modified {
		if l.Hash == st.Hash {
			// touched but unchanged
			return OpAdopt, true
		}
		return OpUpload, true
	}

	var remoteNewer bool
	if r.Hash == "" {
		remoteNewer = r.Modified > st.Modified && !sameTime(r.Modified, st.Modified)
	} else {
		remoteNewer = r.Hash != st.Hash && r.Modified > st.Modified
	}
	if remoteNewer {
		return OpDownload, true
	}
	return "", false
}
