package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	realtime "github.com/leancloud/swift-sdk-sub001"
	"github.com/leancloud/swift-sdk-sub001/internal/logging"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// asClient overrides default.client_id for one invocation.
var asClient string

func init() {
	rootCmd.PersistentFlags().StringVar(&asClient, "as", "", "client ID to act as (overrides default.client_id)")
}

// signerFor picks the signature provider the config describes, or nil
// when neither a master key nor a signature URL is set.
func signerFor(cfg *Config) (realtime.SignatureProvider, error) {
	switch {
	case cfg.Auth.MasterKey != "":
		return realtime.NewHMACSigner(cfg.Default.AppID, cfg.Auth.MasterKey)
	case cfg.Auth.SignURL != "":
		return realtime.NewHTTPSignatureProvider(cfg.Auth.SignURL, "", nil, nil), nil
	}
	return nil, nil
}

// newClient builds a realtime client from the config. The caller owns
// the returned logger and must Sync it.
func newClient(cfg *Config) (*realtime.Client, *zap.Logger, error) {
	if cfg.Default.AppID == "" {
		return nil, nil, fmt.Errorf("no app ID. Run 'imcli init <app-id> <router-url>' first")
	}
	clientID := cfg.Default.ClientID
	if asClient != "" {
		clientID = asClient
	}
	if clientID == "" {
		return nil, nil, fmt.Errorf("no client ID. Pass --as or set default.client_id")
	}

	log := logging.New(cfg.Default.LogLevel)
	opts := []realtime.ClientOption{
		realtime.WithLogger(log),
		realtime.WithLocalCache(cfg.Default.LocalCache),
	}
	if cfg.Default.RouterURL != "" {
		opts = append(opts, realtime.WithRouterURL(cfg.Default.RouterURL))
	}
	if cfg.Default.ServerURL != "" {
		opts = append(opts, realtime.WithServerURL(cfg.Default.ServerURL))
	}
	if cfg.Default.StorageDir != "" {
		opts = append(opts, realtime.WithStorageDir(cfg.Default.StorageDir))
	}
	if cfg.Default.Protocol != "" {
		v, err := protocol.ParseVariant(cfg.Default.Protocol)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, realtime.WithProtocol(v))
	}
	signer, err := signerFor(cfg)
	if err != nil {
		return nil, nil, err
	}
	if signer != nil {
		opts = append(opts, realtime.WithSignatureProvider(signer))
	}

	client, err := realtime.NewClient(cfg.Default.AppID, clientID, opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, log, nil
}

// withOpenClient loads the config, opens a session and runs fn. The
// session is closed and the client shut down afterwards.
func withOpenClient(timeout time.Duration, fn func(ctx context.Context, client *realtime.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, log, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Open(ctx, realtime.OpenOptions{Reconnect: true}); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Warn("close session", zap.Error(err))
		}
	}()
	return fn(ctx, client)
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func messageText(msg *realtime.Message) string {
	if msg.Recalled() {
		return "(recalled)"
	}
	c := msg.Content()
	if c.IsBinary() {
		return fmt.Sprintf("(%d bytes)", len(c.Binary))
	}
	return c.Text
}
