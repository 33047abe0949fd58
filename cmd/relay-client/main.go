// relay-client keeps a connection to a WebSocket relay open.
//
// It registers an "echo" handler that logs every echo payload and can send
// numbered echo messages at a fixed interval:
//
//	relay-client                                  connect and listen
//	relay-client -send-interval 5s                send an echo every 5s
//	relay-client -send-interval 1s -count 3       send three echoes and exit
//
// Settings come from the environment (WS_*), optionally via a .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ailinux/relaysync/internal/config"
	"github.com/ailinux/relaysync/internal/logging"
	"github.com/ailinux/relaysync/internal/metrics"
	"github.com/ailinux/relaysync/internal/protocol"
	"github.com/ailinux/relaysync/internal/wsclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	url := flag.String("url", "", "Relay URL (overrides WS_SERVER_URL)")
	sendInterval := flag.Duration("send-interval", 0, "Send an echo message at this interval (0 = listen only)")
	count := flag.Int("count", 0, "Exit after sending this many echo messages (0 = unlimited)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *url != "" {
		cfg.Relay.ServerURL = *url
		if err := cfg.Relay.Validate(); err != nil {
			return err
		}
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogFile,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()
	log := logging.Named("relay-client")

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

	relayLog := logging.Named("relay")
	if cfg.Relay.Debug {
		relayLog = logging.Debug(relayLog)
	}

	client := wsclient.New(wsclient.Config{
		URL:               cfg.Relay.ServerURL,
		APIKey:            cfg.Relay.APIKey,
		ReconnectDelay:    cfg.Relay.ReconnectDelay,
		MaxReconnect:      cfg.Relay.MaxReconnect,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
	}, wsclient.WithLogger(relayLog))

	client.RegisterHandler("echo", func(msg protocol.Message) error {
		var payload any
		if err := msg.DecodeData(&payload); err != nil {
			return fmt.Errorf("decode echo: %w", err)
		}
		log.Info("echo received", zap.Any("data", payload), zap.String("from", msg.ClientID))
		return nil
	})

	if !cfg.Relay.AutoConnect {
		log.Info("WS_AUTO_CONNECT is false, not connecting")
		return nil
	}

	log.Info("starting relay client",
		zap.String("url", cfg.Relay.ServerURL),
		zap.String("client_id", client.ClientID()))
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()
	done := client.Done()

	var tick <-chan time.Time
	if *sendInterval > 0 {
		ticker := time.NewTicker(*sendInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var finish <-chan time.Time
	sent := 0

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil

		case <-done:
			if err := client.Err(); errors.Is(err, wsclient.ErrExhausted) {
				return err
			}
			return nil

		case <-finish:
			log.Info("done", zap.Int("sent", sent))
			return nil

		case <-tick:
			err := client.Send("echo", map[string]any{
				"text": fmt.Sprintf("echo %d", sent+1),
				"seq":  sent + 1,
			})
			if errors.Is(err, wsclient.ErrNotConnected) {
				continue
			}
			if err != nil {
				log.Warn("send failed", zap.Error(err))
				continue
			}
			sent++
			if *count > 0 && sent >= *count {
				// leave one interval for the last echo to come back
				tick = nil
				finish = time.After(*sendInterval)
			}
		}
	}
}
