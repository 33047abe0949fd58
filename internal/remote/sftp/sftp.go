// Package sftp provides an SSH/SFTP remote backend.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ailinux/relaysync/internal/logging"
	"github.com/ailinux/relaysync/internal/metrics"
	"github.com/ailinux/relaysync/internal/remote"
)

// Config holds SSH connection settings.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyPath        string // private key file, preferred over Password when set
	KnownHostsPath string // empty disables host key verification
	RemoteDir      string
	DialTimeout    time.Duration
}

// Backend implements remote.Backend over an SFTP session.
type Backend struct {
	ssh  *ssh.Client
	sftp *sftp.Client
	root string
	log  *zap.Logger
}

var _ remote.Backend = (*Backend)(nil)

// New dials the SSH server, opens an SFTP session and ensures the remote
// root exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	log := logging.Named("remote.sftp")

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	if cfg.KnownHostsPath == "" {
		log.Warn("host key verification disabled; set SERVER_KNOWN_HOSTS to enable it",
			zap.String("host", cfg.Host))
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	start := time.Now()
	sshClient, err := dial(ctx, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		metrics.RecordRemoteOperation("sftp", "connect", time.Since(start), false)
		return nil, fmt.Errorf("ssh connect %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		metrics.RecordRemoteOperation("sftp", "connect", time.Since(start), false)
		return nil, fmt.Errorf("open sftp session: %w", err)
	}

	b, err := newBackend(sshClient, sftpClient, cfg.RemoteDir, log.With(zap.String("host", cfg.Host)))
	metrics.RecordRemoteOperation("sftp", "connect", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	b.log.Info("connected", zap.String("user", cfg.Username), zap.String("remote_dir", b.root))
	return b, nil
}

// newBackend wraps an open SFTP session and ensures root exists. sshClient
// may be nil when the session runs over another transport.
func newBackend(sshClient *ssh.Client, sftpClient *sftp.Client, root string, log *zap.Logger) (*Backend, error) {
	b := &Backend{
		ssh:  sshClient,
		sftp: sftpClient,
		root: path.Clean(root),
		log:  log,
	}
	if err := sftpClient.MkdirAll(b.root); err != nil {
		b.Close()
		return nil, fmt.Errorf("create remote dir %s: %w", b.root, err)
	}
	return b, nil
}

// dial honours ctx during the TCP connect and SSH handshake.
func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyPath != "" {
		pem, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
		methods = append(methods, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cfg.Password
				}
				return answers, nil
			}))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: either SERVER_KEY_PATH or SERVER_PASSWORD is required")
	}
	return methods, nil
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

func (b *Backend) fullPath(key string) string {
	return path.Join(b.root, key)
}

// relKey maps a walked path back to a slash-separated key under root.
func (b *Backend) relKey(p string) string {
	switch b.root {
	case ".":
		return strings.TrimPrefix(p, "./")
	case "/":
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(p, b.root+"/")
}

// List walks the remote root. Any error other than an entry vanishing
// mid-walk fails the listing.
func (b *Backend) List(ctx context.Context) (map[string]remote.FileInfo, error) {
	start := time.Now()
	files := make(map[string]remote.FileInfo)

	walker := b.sftp.Walk(b.root)
	var err error
	for walker.Step() {
		if err = ctx.Err(); err != nil {
			break
		}
		if werr := walker.Err(); werr != nil {
			// entries removed mid-walk are skipped; anything else means the
			// listing is incomplete
			if walker.Path() != b.root && errors.Is(werr, fs.ErrNotExist) {
				b.log.Debug("remote path vanished during scan", zap.String("path", walker.Path()))
				continue
			}
			err = fmt.Errorf("walk %s: %w", walker.Path(), werr)
			break
		}
		info := walker.Stat()
		if !info.Mode().IsRegular() {
			continue
		}
		key := b.relKey(walker.Path())
		files[key] = remote.FileInfo{
			Path:    key,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		}
	}
	metrics.RecordRemoteOperation(b.Type(), "list", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Get opens a remote file for reading.
func (b *Backend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	f, err := b.sftp.Open(b.fullPath(key))
	metrics.RecordRemoteOperation(b.Type(), "get", time.Since(start), err == nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", key, remote.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Put uploads body, creating parent directories, then sets the mtime.
func (b *Backend) Put(_ context.Context, key string, body io.Reader, _ int64, modTime time.Time) error {
	start := time.Now()
	err := b.put(key, body, modTime)
	metrics.RecordRemoteOperation(b.Type(), "put", time.Since(start), err == nil)
	return err
}

func (b *Backend) put(key string, body io.Reader, modTime time.Time) error {
	full := b.fullPath(key)
	if err := b.sftp.MkdirAll(path.Dir(full)); err != nil {
		return fmt.Errorf("create remote dir for %s: %w", key, err)
	}

	f, err := b.sftp.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if _, err := f.ReadFrom(body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}

	if !modTime.IsZero() {
		if err := b.sftp.Chtimes(full, modTime, modTime); err != nil {
			return fmt.Errorf("set mtime for %s: %w", key, err)
		}
	}
	return nil
}

// Delete removes a remote file. Missing files are ignored.
func (b *Backend) Delete(_ context.Context, key string) error {
	start := time.Now()
	err := b.sftp.Remove(b.fullPath(key))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	metrics.RecordRemoteOperation(b.Type(), "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Type returns "sftp".
func (b *Backend) Type() string { return "sftp" }

// Close ends the SFTP session and the SSH connection.
func (b *Backend) Close() error {
	var errs []error
	if b.sftp != nil {
		errs = append(errs, b.sftp.Close())
	}
	if b.ssh != nil {
		errs = append(errs, b.ssh.Close())
	}
	b.log.Info("disconnected")
	return errors.Join(errs...)
}
