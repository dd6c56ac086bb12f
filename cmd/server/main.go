package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/auth"
	"chatbridge/internal/config"
	"chatbridge/internal/db"
	clog "chatbridge/internal/log"
	"chatbridge/internal/server"
	"chatbridge/internal/service"
	"chatbridge/internal/ws"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()
	root := &cobra.Command{
		Use:          "chatbridge",
		Short:        "Real-time chat backend",
		RunE:         serve.RunE,
		SilenceUsage: true,
	}
	root.AddCommand(serve, newPurgeCommand())
	return root
}

// bootstrap 加载配置、初始化日志、连接并迁移数据库。
func bootstrap() (config.Config, *gorm.DB, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, nil, err
	}
	clog.Init(cfg.Env, cfg.LogLevel)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return cfg, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return cfg, nil, fmt.Errorf("db migrate: %w", err)
	}
	return cfg, gdb, nil
}

// revocationStore 配置了 REDIS_ADDR 时使用 Redis，否则退回进程内存储。
func revocationStore(cfg config.Config) (auth.RevocationStore, error) {
	var inner auth.RevocationStore
	if cfg.RedisAddr != "" {
		client, err := auth.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		inner = auth.NewRedisRevocationStore(client)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, revocations are kept in memory")
		inner = auth.NewMemoryRevocationStore()
	}
	return auth.NewGuardedRevocationStore(inner, cfg.RevocationTimeout()), nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gdb, err := bootstrap()
			if err != nil {
				return err
			}
			store, err := revocationStore(cfg)
			if err != nil {
				return err
			}
			issuer := auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL(), cfg.RefreshTTL(), store, auth.NewRefreshLedger(gdb))

			r, stop := server.SetupRouter(cfg, server.Deps{DB: gdb, Issuer: issuer, Hub: ws.NewHub()})
			defer stop()

			srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			errc := make(chan error, 1)
			go func() {
				log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down")
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newPurgeCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "purge-accounts",
		Short: "Delete withdrawn accounts past the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gdb, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			messages := service.NewMessageService(gdb, service.NewRoomService(gdb, nil))
			n, err := service.NewAccountPurger(gdb, messages).Purge(ctx, time.Now().Add(-cfg.Retention()))
			if err != nil {
				return fmt.Errorf("purge accounts: %w", err)
			}
			log.Info().Int("purged", n).Dur("retention", cfg.Retention()).Msg("purge finished")
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Minute, "overall time limit for the purge run")
	return cmd
}
