// sync-client keeps a local directory in sync with a remote directory over
// SFTP, a mounted filesystem or S3.
//
//	sync-client                          sync every SYNC_INTERVAL until interrupted
//	sync-client -once                    run a single pass (exit 1 on any failure)
//	sync-client -mode upload -watch      push local changes as they happen
//
// Settings come from the environment, optionally via a .env file; flags
// override them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ailinux/relaysync/internal/config"
	"github.com/ailinux/relaysync/internal/logging"
	"github.com/ailinux/relaysync/internal/metrics"
	"github.com/ailinux/relaysync/internal/remote/local"
	"github.com/ailinux/relaysync/internal/remote/s3"
	"github.com/ailinux/relaysync/internal/remote/sftp"
	"github.com/ailinux/relaysync/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sc := &cfg.Sync

	once := flag.Bool("once", false, "Run a single sync pass and exit")
	mode := flag.String("mode", string(sc.Mode), "Sync mode: upload, download or two-way")
	flag.StringVar(&sc.LocalDir, "local-dir", sc.LocalDir, "Local directory to sync")
	flag.StringVar(&sc.RemoteDir, "remote-dir", sc.RemoteDir, "Remote directory (key prefix for s3)")
	flag.StringVar(&sc.Backend, "backend", sc.Backend, "Remote backend: sftp, local or s3")
	flag.BoolVar(&sc.Watch, "watch", sc.Watch, "Start a pass as soon as local files change")
	flag.Parse()
	sc.Mode = syncer.Mode(*mode)

	if err := sc.Validate(); err != nil {
		return err
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogFile,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()
	log := logging.Named("sync-client")

	if sc.Backend == "sftp" && sc.Password == "" && sc.KeyPath == "" {
		password, err := promptPassword(sc.Username, sc.Host)
		if err != nil {
			return err
		}
		sc.Password = password
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("metrics enabled", zap.String("addr", cfg.MetricsAddr))
	}

	s, err := syncer.New(syncer.Config{
		LocalDir:        sc.LocalDir,
		Mode:            sc.Mode,
		Interval:        sc.Interval,
		ExcludePatterns: sc.ExcludePatterns,
		MaxFileSize:     sc.MaxFileSize,
		Watch:           sc.Watch,
	}, syncer.BackendConnector(backendConfig(sc)))
	if err != nil {
		return err
	}

	log.Info("starting sync client",
		zap.String("backend", sc.Backend),
		zap.String("local_dir", sc.LocalDir),
		zap.String("remote_dir", sc.RemoteDir),
		zap.String("mode", string(sc.Mode)))

	if *once {
		defer s.Disconnect()
		res, err := s.Sync(ctx)
		if err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("%d file operations failed", len(res.Errors))
		}
		return nil
	}

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shut down")
	return nil
}

func backendConfig(sc *config.SyncConfig) syncer.BackendConfig {
	return syncer.BackendConfig{
		Type: sc.Backend,
		SFTP: sftp.Config{
			Host:           sc.Host,
			Port:           sc.Port,
			Username:       sc.Username,
			Password:       sc.Password,
			KeyPath:        sc.KeyPath,
			KnownHostsPath: sc.KnownHostsPath,
			RemoteDir:      sc.RemoteDir,
		},
		Local: local.Config{
			RootPath:   sc.RemoteDir,
			CreateDirs: true,
		},
		S3: s3.Config{
			Endpoint:  sc.S3Endpoint,
			Bucket:    sc.S3Bucket,
			Region:    sc.S3Region,
			AccessKey: sc.S3AccessKey,
			SecretKey: sc.S3SecretKey,
			Prefix:    sc.RemoteDir,
		},
	}
}

func promptPassword(user, host string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("SERVER_PASSWORD or SERVER_KEY_PATH is required when stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, host)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
