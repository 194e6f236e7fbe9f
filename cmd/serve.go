package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/api"
	"github.com/rankwatch/rematch-tracker/internal/clock/system"
	"github.com/rankwatch/rematch-tracker/internal/config"
	"github.com/rankwatch/rematch-tracker/internal/hash/sha256"
	"github.com/rankwatch/rematch-tracker/internal/id/uuid"
	"github.com/rankwatch/rematch-tracker/internal/metrics"
	"github.com/rankwatch/rematch-tracker/internal/players"
	"github.com/rankwatch/rematch-tracker/internal/publisher"
	pubsubpublisher "github.com/rankwatch/rematch-tracker/internal/publisher/pubsub"
	"github.com/rankwatch/rematch-tracker/internal/scheduler"
	"github.com/rankwatch/rematch-tracker/internal/storage/gcs"
	"github.com/rankwatch/rematch-tracker/internal/storage/local"
	"github.com/rankwatch/rematch-tracker/internal/storage/postgres"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the admin API and the periodic refresher",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	obs := buildObservers(ctx, cfg, logger)
	defer obs.close()

	store := players.Load(ctx, players.Config{
		Path:             cfg.Store.Path,
		ProfileURLPrefix: cfg.Scraper.ProfileURLPrefix,
	}, players.Deps{
		Scraper:   buildScraper(cfg, logger),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Observers: obs.list,
		Logger:    logger.Named("players"),
	})
	guard := players.NewGuard(ctx, store)

	sched, err := scheduler.New(scheduler.Config{
		Schedule:  cfg.Refresh.Schedule,
		OnStartup: cfg.Refresh.OnStartup,
		Disabled:  cfg.Refresh.Disabled,
	}, guard, logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	var history api.HistoryReader
	if obs.history != nil {
		history = obs.history
	}
	apiServer := api.NewServer(guard, history, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched.Start(ctx)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("refresh still running at shutdown")
	}
	logger.Info("shutdown complete")
	return nil
}

// observers holds the optional post-refresh hooks and their clients.
type observers struct {
	list    []players.NamedObserver
	history *postgres.HistoryStore
	closers []func()
}

func (o *observers) close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
}

// buildObservers connects every configured sink. A sink that cannot be
// reached at startup is logged and left out.
func buildObservers(ctx context.Context, cfg config.Config, logger *zap.Logger) *observers {
	obs := &observers{}

	if cfg.History.DSN != "" {
		hs, err := postgres.NewHistoryStore(ctx, postgres.HistoryStoreConfig{
			DSN:   cfg.History.DSN,
			Table: cfg.History.Table,
		})
		if err == nil {
			err = hs.EnsureSchema(ctx)
			if err != nil {
				hs.Close()
			}
		}
		if err != nil {
			logger.Error("snapshot history disabled", zap.Error(err))
		} else {
			obs.history = hs
			obs.list = append(obs.list, players.NamedObserver{Name: "history", Observer: hs})
			obs.closers = append(obs.closers, hs.Close)
		}
	}

	if cfg.Mirror.GCSBucket != "" {
		mirror, closeMirror, err := buildMirror(ctx, cfg, logger)
		if err != nil {
			logger.Error("gcs mirror disabled", zap.Error(err))
		} else {
			obs.list = append(obs.list, players.NamedObserver{Name: "gcs_mirror", Observer: mirror})
			obs.closers = append(obs.closers, closeMirror)
		}
	}

	if cfg.Notify.Topic != "" {
		notifier, closeNotifier, err := buildNotifier(ctx, cfg, logger)
		if err != nil {
			logger.Error("refresh notifications disabled", zap.Error(err))
		} else {
			obs.list = append(obs.list, players.NamedObserver{Name: "pubsub", Observer: notifier})
			obs.closers = append(obs.closers, closeNotifier)
		}
	}
	return obs
}

func buildMirror(ctx context.Context, cfg config.Config, logger *zap.Logger) (*gcs.Mirror, func(), error) {
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcs client: %w", err)
	}
	dst, err := gcs.New(client, gcs.Config{Bucket: cfg.Mirror.GCSBucket})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	src, err := local.New(local.Config{BaseDir: filepath.Dir(cfg.Store.Path)})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	mirror, err := gcs.NewMirror(dst, src, sha256.New(), filepath.Base(cfg.Store.Path), cfg.Mirror.Object, logger.Named("mirror"))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return mirror, func() { _ = client.Close() }, nil
}

func buildNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (*publisher.Notifier, func(), error) {
	client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client.Topic(cfg.Notify.Topic))
	notifier, err := publisher.NewNotifier(pub, cfg.Notify.Topic, logger.Named("notifier"))
	if err != nil {
		pub.Stop()
		_ = client.Close()
		return nil, nil, err
	}
	return notifier, func() {
		pub.Stop()
		_ = client.Close()
	}, nil
}
