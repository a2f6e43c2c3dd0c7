package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	realtime "github.com/leancloud/swift-sdk-sub001"
	"github.com/leancloud/swift-sdk-sub001/internal/logging"
)

var (
	signAddr  string
	signPath  string
	signToken string
)

func init() {
	rootCmd.AddCommand(signServerCmd)

	signServerCmd.Flags().StringVar(&signAddr, "addr", "127.0.0.1:8787", "listen address")
	signServerCmd.Flags().StringVar(&signPath, "path", "/sign", "request path")
	signServerCmd.Flags().StringVar(&signToken, "token", "", "require this bearer token from callers")
}

var signServerCmd = &cobra.Command{
	Use:   "sign-server",
	Short: "Serve signatures signed with the configured master key",
	Long:  "Run an HTTP endpoint that signs open, create, invite and kick requests.\nClients point auth.sign_url at it instead of holding the master key.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.MasterKey == "" {
			return fmt.Errorf("no master key. Run 'imcli config set auth.master_key <key>' first")
		}
		log := logging.New(cfg.Default.LogLevel).Named("sign-server")
		defer log.Sync()

		signer, err := realtime.NewHMACSigner(cfg.Default.AppID, cfg.Auth.MasterKey)
		if err != nil {
			return err
		}
		var authorize realtime.SignAuthorizer
		if signToken != "" {
			authorize = func(r *http.Request, req realtime.SignatureRequest) error {
				if r.Header.Get("Authorization") != "Bearer "+signToken {
					return errors.New("invalid token")
				}
				return nil
			}
		}
		handler, err := realtime.NewSignatureHandler(signer, authorize)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.HandleFunc(signPath, func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			handler.ServeHTTP(w, r)
			log.Info("request", zap.String("remote", r.RemoteAddr), zap.Duration("took", time.Since(start)))
		})
		srv := &http.Server{Addr: signAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := interruptContext()
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info("listening", zap.String("addr", signAddr), zap.String("path", signPath))

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
