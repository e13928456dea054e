package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secure-file-relay/internal/config"
	"secure-file-relay/internal/db"
	"secure-file-relay/internal/logging"
	"secure-file-relay/internal/metadata"
	"secure-file-relay/internal/relay"
	"secure-file-relay/internal/server"
	"secure-file-relay/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "backend",
		Short:         "Relay uploads to object storage behind shared keys",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			log := logging.New(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, log); err != nil {
				log.Error(context.Background(), "backend stopped", "err", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default ./relay.yaml)")
	if err := config.RegisterFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

// run wires the stores, relay and HTTP server, then blocks until ctx is
// cancelled or the server fails.
func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	records, err := openRecords(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := records.Close(); err != nil {
			log.Warn(context.Background(), "metadata close failed", "err", err)
		}
	}()

	objects, err := openObjects(ctx, cfg)
	if err != nil {
		return err
	}

	metrics, err := server.NewMetrics("", nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	svc := relay.New(objects, records,
		relay.WithLogger(log),
		relay.WithObserver(metrics),
		relay.WithTempDir(cfg.TempDir),
	)

	srv := server.New(server.Config{
		Addr:             cfg.Addr,
		Relay:            svc,
		Checks:           map[string]server.Pinger{"metadata": records, "storage": objects},
		Logger:           log,
		Metrics:          metrics,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		OperationTimeout: cfg.OperationTimeout,
		UploadRateLimit:  cfg.UploadRateLimit,
		UploadRateBurst:  cfg.UploadRateBurst,
		TrustedProxies:   cfg.TrustedProxyPrefixes(),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting",
			"addr", cfg.Addr,
			"metadata", cfg.MetadataBackend,
			"storage", cfg.StorageProvider,
		)
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info(context.Background(), "shutdown complete")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}
}

func openRecords(ctx context.Context, cfg config.Config, log logging.Logger) (metadata.Store, error) {
	switch cfg.MetadataBackend {
	case config.MetadataPostgres:
		conn, err := db.OpenDB(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		log.Info(ctx, "running migrations")
		if err := db.RunMigrations(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return metadata.NewPostgresStore(conn), nil
	case config.MetadataBolt:
		store, err := metadata.NewBoltStore(metadata.BoltConfig{Path: cfg.BoltPath})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
	}
}

func openObjects(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	switch cfg.StorageProvider {
	case config.ProviderMinio:
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Region:        cfg.S3Region,
			Bucket:        cfg.Bucket,
			Prefix:        cfg.ParentPrefix,
			PublicBaseURL: cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		if cfg.ManageBucketPolicy {
			err = store.EnsurePublicReadPolicy(ctx)
		} else {
			err = store.CheckPublicReadPolicy(ctx)
		}
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.ProviderS3:
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.Bucket,
			Prefix:        cfg.ParentPrefix,
			PublicBaseURL: cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}
