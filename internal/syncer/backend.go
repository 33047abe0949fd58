package syncer

import (
	"context"
	"fmt"

	"github.com/ailinux/relaysync/internal/remote"
	"github.com/ailinux/relaysync/internal/remote/local"
	"github.com/ailinux/relaysync/internal/remote/s3"
	"github.com/ailinux/relaysync/internal/remote/sftp"
)

// BackendConfig selects and configures a remote backend.
type BackendConfig struct {
	Type  string // "sftp", "local" or "s3"
	SFTP  sftp.Config
	Local local.Config
	S3    s3.Config
}

// NewBackend creates the backend named by cfg.Type.
func NewBackend(ctx context.Context, cfg BackendConfig) (remote.Backend, error) {
	switch cfg.Type {
	case "sftp", "":
		b, err := sftp.New(ctx, cfg.SFTP)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "local":
		b, err := local.New(cfg.Local)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "s3":
		b, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// BackendConnector returns a Connector that builds a fresh backend from cfg
// on every connect.
func BackendConnector(cfg BackendConfig) Connector {
	return func(ctx context.Context) (remote.Backend, error) {
		return NewBackend(ctx, cfg)
	}
}
