// Package syncer keeps a local directory tree and a remote backend in sync,
// using a manifest of last known file states to tell changes from
// deletions.
package syncer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ailinux/relaysync/internal/logging"
	"github.com/ailinux/relaysync/internal/metrics"
	"github.com/ailinux/relaysync/internal/remote"
	"github.com/ailinux/relaysync/internal/remote/local"
	"github.com/ailinux/relaysync/internal/retry"
)

// ErrSyncInProgress is returned when Sync is called during another pass.
var ErrSyncInProgress = errors.New("syncer: sync already in progress")

// Connector opens the remote backend.
type Connector func(ctx context.Context) (remote.Backend, error)

// Config holds sync settings.
type Config struct {
	LocalDir        string
	Mode            Mode
	Interval        time.Duration
	ExcludePatterns []string
	MaxFileSize     int64 // 0 disables the ceiling
	ManifestName    string
	ConnectRetry    retry.Config
	Watch           bool
	WatchDebounce   time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ManifestName == "" {
		c.ManifestName = DefaultManifestName
	}
	if c.ConnectRetry.MaxAttempts == 0 && c.ConnectRetry.InitialWait == 0 {
		c.ConnectRetry = retry.DefaultConfig()
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = 500 * time.Millisecond
	}
}

// FileError is a per-file failure. It never aborts a pass.
type FileError struct {
	Path string
	Op   Op
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

// Result summarizes one pass.
type Result struct {
	Uploaded      int
	Downloaded    int
	DeletedLocal  int
	DeletedRemote int
	Adopted       int
	Forgotten     int
	Skipped       int
	Errors        []FileError
	Duration      time.Duration
}

// Changes counts transfers and deletions.
func (r Result) Changes() int {
	return r.Uploaded + r.Downloaded + r.DeletedLocal + r.DeletedRemote
}

// OK reports whether every planned operation succeeded.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

func (r *Result) count(op Op) {
	switch op {
	case OpUpload:
		r.Uploaded++
	case OpDownload:
		r.Downloaded++
	case OpDeleteLocal:
		r.DeletedLocal++
	case OpDeleteRemote:
		r.DeletedRemote++
	case OpAdopt:
		r.Adopted++
	case OpForget:
		r.Forgotten++
	case OpSkip:
		r.Skipped++
	}
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger used by the syncer.
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) { s.log = l }
}

// Syncer reconciles one local root with one remote backend.
type Syncer struct {
	cfg          Config
	connect      Connector
	log          *zap.Logger
	manifestPath string
	manifest     *Manifest
	backend      remote.Backend
	running      atomic.Bool
	now          func() time.Time
}

// New creates the local root if needed and loads its manifest. A corrupt
// manifest is replaced by an empty one.
func New(cfg Config, connect Connector, opts ...Option) (*Syncer, error) {
	if cfg.LocalDir == "" {
		return nil, errors.New("local directory is required")
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if connect == nil {
		return nil, errors.New("connector is required")
	}
	cfg.setDefaults()

	s := &Syncer{
		cfg:          cfg,
		connect:      connect,
		log:          logging.Named("sync"),
		manifestPath: filepath.Join(cfg.LocalDir, cfg.ManifestName),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("create local dir %s: %w", cfg.LocalDir, err)
	}

	m, err := LoadManifest(s.manifestPath)
	if err != nil {
		s.log.Warn("manifest unreadable, starting fresh", zap.String("path", s.manifestPath), zap.Error(err))
		m = NewManifest()
	}
	s.manifest = m
	metrics.SetManifestEntries(len(m.Files))

	s.log.Info("sync client ready",
		zap.String("local_dir", cfg.LocalDir),
		zap.String("mode", string(cfg.Mode)),
		zap.Int("manifest_entries", len(m.Files)))
	return s, nil
}

// Manifest returns the in-memory manifest. Callers must not modify it
// while a pass is running.
func (s *Syncer) Manifest() *Manifest {
	return s.manifest
}

// Connected reports whether a backend is open.
func (s *Syncer) Connected() bool {
	return s.backend != nil
}

// Connect opens the backend, retrying network failures.
func (s *Syncer) Connect(ctx context.Context) error {
	if s.backend != nil {
		return nil
	}

	b, err := retry.DoWithResult(ctx, s.cfg.ConnectRetry, func() (remote.Backend, error) {
		b, err := s.connect(ctx)
		if err != nil {
			s.log.Warn("remote connect failed", zap.Error(err))
			if isNetworkError(err) {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return fmt.Errorf("connect remote: %w", err)
	}

	s.backend = b
	s.log.Info("connected to remote", zap.String("backend", b.Type()))
	return nil
}

// Disconnect closes the backend. Safe to call when not connected.
func (s *Syncer) Disconnect() error {
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	if err != nil {
		s.log.Warn("error closing remote", zap.Error(err))
		return err
	}
	s.log.Info("disconnected from remote")
	return nil
}

func isNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF)
}

// Sync runs one pass. Connection, scan and listing failures return an
// error; per-file failures are reported in Result.Errors.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	res, err := s.sync(ctx)
	res.Duration = time.Since(start)
	metrics.RecordSyncPass(res.Duration, err == nil && res.OK())
	return res, err
}

func (s *Syncer) sync(ctx context.Context) (res Result, err error) {
	if err := s.Connect(ctx); err != nil {
		return res, err
	}

	saved := false
	defer func() {
		if saved {
			return
		}
		if serr := s.manifest.Save(s.manifestPath); serr != nil {
			s.log.Error("failed to save manifest", zap.Error(serr))
		}
	}()

	localFiles, err := s.scanLocal(ctx)
	if err != nil {
		return res, err
	}
	remoteFiles, err := s.remoteView(ctx)
	if err != nil {
		return res, err
	}

	actions := BuildPlan(s.cfg.Mode, localFiles, remoteFiles, s.manifest)
	s.log.Debug("sync plan",
		zap.Int("local", len(localFiles)),
		zap.Int("remote", len(remoteFiles)),
		zap.Int("actions", len(actions)))

	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.execute(ctx, a, localFiles[a.Path], remoteFiles[a.Path]); err != nil {
			metrics.RecordFileOp(string(a.Op), false)
			s.log.Error("file operation failed",
				zap.String("op", string(a.Op)),
				zap.String("path", a.Path),
				zap.Error(err))
			res.Errors = append(res.Errors, FileError{Path: a.Path, Op: a.Op, Err: err})
			continue
		}
		metrics.RecordFileOp(string(a.Op), true)
		res.count(a.Op)
	}

	s.manifest.LastSync = isoTime(s.now())
	metrics.SetManifestEntries(len(s.manifest.Files))

	saved = true
	if err := s.manifest.Save(s.manifestPath); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}

	if s.cfg.Mode != ModeDownload {
		if err := s.uploadManifest(ctx); err != nil {
			s.log.Warn("failed to upload manifest", zap.Error(err))
		}
	}

	s.log.Info("sync completed",
		zap.Int("uploaded", res.Uploaded),
		zap.Int("downloaded", res.Downloaded),
		zap.Int("deleted_local", res.DeletedLocal),
		zap.Int("deleted_remote", res.DeletedRemote),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// remoteView prefers the mirrored manifest and falls back to a listing when
// the manifest is missing or corrupt. Any other fetch error fails the pass.
func (s *Syncer) remoteView(ctx context.Context) (map[string]FileEntry, error) {
	rc, err := s.backend.Get(ctx, s.cfg.ManifestName)
	switch {
	case err == nil:
		data, rerr := io.ReadAll(rc)
		rc.Close()
		if rerr != nil {
			return nil, fmt.Errorf("read remote manifest: %w", rerr)
		}
		m, derr := DecodeManifest(bytes.NewReader(data))
		if derr == nil {
			s.log.Debug("using remote manifest", zap.Int("files", len(m.Files)))
			return manifestEntries(m), nil
		}
		s.log.Warn("remote manifest unreadable, listing remote tree", zap.Error(derr))
	case errors.Is(err, remote.ErrNotExist):
		s.log.Debug("no remote manifest, listing remote tree")
	default:
		return nil, fmt.Errorf("fetch remote manifest: %w", err)
	}

	listing, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote: %w", err)
	}
	return s.remoteEntries(listing), nil
}

func (s *Syncer) uploadManifest(ctx context.Context) error {
	data, err := json.MarshalIndent(s.manifest.Shareable(), "", "  ")
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, s.cfg.ManifestName, bytes.NewReader(data), int64(len(data)), s.now())
}

func (s *Syncer) localPath(rel string) (string, error) {
	p := filepath.FromSlash(rel)
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	return filepath.Join(s.cfg.LocalDir, p), nil
}

func (s *Syncer) execute(ctx context.Context, a Action, l, r FileEntry) error {
	now := s.now()
	switch a.Op {
	case OpUpload:
		return s.upload(ctx, l, now)
	case OpDownload:
		return s.download(ctx, r, now)
	case OpDeleteLocal:
		return s.deleteLocal(a.Path)
	case OpDeleteRemote:
		if err := s.backend.Delete(ctx, a.Path); err != nil {
			return err
		}
		s.manifest.Forget(a.Path)
		s.log.Info("deleted remote file", zap.String("path", a.Path))
	case OpAdopt:
		s.manifest.Record(l, now)
	case OpForget:
		s.manifest.Forget(a.Path)
	case OpSkip:
		s.log.Info("skipping large file",
			zap.String("path", a.Path),
			zap.Int64("size", l.Size),
			zap.Int64("max", s.cfg.MaxFileSize))
		s.manifest.Record(l, now)
	default:
		return fmt.Errorf("unknown operation %q", a.Op)
	}
	return nil
}

func (s *Syncer) upload(ctx context.Context, l FileEntry, now time.Time) error {
	src, err := s.localPath(l.Path)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, l.Path, f, info.Size(), info.ModTime()); err != nil {
		return err
	}

	metrics.RecordBytes("up", info.Size())
	s.manifest.Record(l, now)
	s.log.Info("uploaded", zap.String("path", l.Path), zap.Int64("size", info.Size()))
	return nil
}

// download writes the remote file through a temp file, applies the remote
// mtime and records the hash of the bytes written.
func (s *Syncer) download(ctx context.Context, r FileEntry, now time.Time) error {
	dst, err := s.localPath(r.Path)
	if err != nil {
		return err
	}
	rc, err := s.backend.Get(ctx, r.Path)
	if err != nil {
		return err
	}
	defer rc.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, local.TempPattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), rc)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if r.Modified > 0 {
		mtime := fromEpoch(r.Modified)
		if err := os.Chtimes(tmpName, mtime, mtime); err != nil {
			os.Remove(tmpName)
			return err
		}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return err
	}
	s.manifest.Record(FileEntry{
		Path:     r.Path,
		Modified: epoch(info.ModTime()),
		Size:     info.Size(),
		Hash:     Hash(hex.EncodeToString(h.Sum(nil))),
	}, now)

	metrics.RecordBytes("down", n)
	s.log.Info("downloaded", zap.String("path", r.Path), zap.Int64("size", n))
	return nil
}

func (s *Syncer) deleteLocal(rel string) error {
	p, err := s.localPath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.manifest.Forget(rel)
	s.log.Info("deleted local file", zap.String("path", rel))
	return nil
}

func fromEpoch(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Run repeats Sync every Interval until ctx is cancelled, then closes the
// backend and returns ctx.Err(). A failed pass drops the connection so the
// next pass reconnects. With Watch set, local changes trigger an early
// pass.
func (s *Syncer) Run(ctx context.Context) error {
	defer s.Disconnect()

	var trigger <-chan struct{}
	if s.cfg.Watch {
		w, err := newWatcher(s.cfg.LocalDir, s.cfg.WatchDebounce, s.ignored, s.log)
		if err != nil {
			s.log.Warn("file watcher unavailable, polling only", zap.Error(err))
		} else {
			defer w.Close()
			go w.run(ctx)
			trigger = w.C()
		}
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("sync loop started", zap.Duration("interval", s.cfg.Interval), zap.Bool("watch", trigger != nil))
	for {
		s.pass(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-trigger:
			s.log.Debug("local change detected")
		}
	}
}

func (s *Syncer) pass(ctx context.Context) {
	res, err := s.Sync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("sync pass failed", zap.Error(err))
		s.Disconnect()
		return
	}
	if !res.OK() {
		s.log.Warn("sync pass finished with errors", zap.Int("errors", len(res.Errors)))
	}
}

// ignored filters watcher events for files the syncer writes itself.
func (s *Syncer) ignored(rel string) bool {
	return rel == s.cfg.ManifestName ||
		local.IsTemp(filepath.Base(rel)) ||
		excluded(rel, s.cfg.ExcludePatterns)
}
