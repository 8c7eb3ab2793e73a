package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/api"
	"github.com/pelusa-v/pelusa-sync/internal/channel"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/config"
	"github.com/pelusa-v/pelusa-sync/internal/devserver"
	"github.com/pelusa-v/pelusa-sync/internal/engine"
	"github.com/pelusa-v/pelusa-sync/internal/handlers"
	"github.com/pelusa-v/pelusa-sync/internal/logging"
	"github.com/pelusa-v/pelusa-sync/internal/notify"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "pelusa-sync",
	Short:         "Conversation and notification sync engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Log.JSON)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	serveAddr     string
	noBulkMarkAll bool
)

// serveCmd runs the in-memory development backend
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory development backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := devserver.New(devserver.Options{NoBulkMarkAll: noBulkMarkAll, Logger: logger})
		stopHub := srv.Hub.Run(ctx)
		defer stopHub()

		app := handlers.NewApp(srv)
		errc := make(chan error, 1)
		go func() { errc <- app.Listen(addr) }()
		logger.Info("dev backend listening", zap.String("addr", addr))

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		return app.ShutdownWithTimeout(5 * time.Second)
	},
}

var (
	watchKind string
	watchID   string
)

// watchCmd runs the engine for one identity and logs what changes
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync one identity and log badge, list and notification changes",
	Example: `  pelusa-sync watch --kind company --id 5
  PELUSA_SELF_KIND=user PELUSA_SELF_ID=1 pelusa-sync watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchKind != "" {
			cfg.Self.Kind = watchKind
		}
		if watchID != "" {
			cfg.Self.ID = watchID
		}
		self, err := cfg.SelfIdentity()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := api.New(cfg.API.BaseURL, api.WithTimeout(cfg.API.Timeout), api.WithLogger(logger))
		ch := channel.New(channel.WSDialer{URL: cfg.Channel.URL, Timeout: cfg.API.Timeout}, channel.Options{
			ReconnectDelay: cfg.Channel.ReconnectDelay,
			Logger:         logger,
		})
		defer ch.Close()

		eng, err := engine.New(self, cfg.Sync, client, client, ch, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		defer eng.Unread.Subscribe(func(n int) {
			logger.Info("unread badge", zap.Int("total", n))
		})()
		defer eng.Inbox.Subscribe(func(list []chat.Conversation) {
			for _, c := range list {
				logger.Info("conversation",
					zap.Stringer("peer", c.Peer),
					zap.String("name", c.Profile.Name),
					zap.String("last", c.LastMessageText),
					zap.Int("unread", c.UnreadCount))
			}
		})()
		defer eng.Notifications.Subscribe(func(st notify.State) {
			logger.Info("notifications", zap.Int("count", len(st.Notifications)), zap.Int("unread", st.Unread))
		})()

		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.addr)")
	serveCmd.Flags().BoolVar(&noBulkMarkAll, "no-bulk-mark-all", false, "answer 404 on the bulk mark-all endpoint")

	watchCmd.Flags().StringVar(&watchKind, "kind", "", "self kind: user or company")
	watchCmd.Flags().StringVar(&watchID, "id", "", "self id")

	rootCmd.AddCommand(serveCmd, watchCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
