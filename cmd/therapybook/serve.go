package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"therapybook/internal/config"
	"therapybook/internal/metrics"
)

func newServeCommand() *cobra.Command {
	var rosterInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep schedules materialized and serve health and metrics endpoints",
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()

			err := config.WatchRoster(ctx, a.cfg.RosterPath, rosterInterval,
				func(r *config.Roster) {
					if err := a.syncRoster(ctx, r); err != nil {
						a.logger.Error().Err(err).Msg("roster sync failed")
					}
				},
				func(err error) {
					a.logger.Error().Err(err).Msg("roster reload failed, keeping previous roster")
				},
			)
			if err != nil {
				return fmt.Errorf("load roster: %w", err)
			}

			go a.startHealthServer(ctx)
			if a.cfg.Monitoring.PrometheusEnabled {
				metrics.Register()
				go a.startMetricsServer(ctx)
			}
			if a.cfg.Backup.Enabled && a.sqlite != nil {
				go a.startBackupLoop(ctx)
			}
			go a.startRefreshLoop(ctx)

			a.logger.Info().Str("driver", a.cfg.Database.Driver).Msg("therapybook started")
			<-ctx.Done()
			a.logger.Info().Msg("therapybook stopped")
			return nil
		}),
	}

	cmd.Flags().DurationVar(&rosterInterval, "roster-interval", 30*time.Second, "how often to check the roster file for changes")
	return cmd
}

// startRefreshLoop extends every therapist's horizon once per refresh interval.
func (a *app) startRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := a.materializer.RefreshAll(ctx); err != nil {
				a.logger.Error().Err(err).Msg("horizon refresh failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) startBackupLoop(ctx context.Context) {
	dir := a.cfg.BackupPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.logger.Error().Err(err).Msg("failed to create backup directory")
		return
	}

	// Run first backup after a short delay
	select {
	case <-time.After(1 * time.Minute):
		a.runBackupTask(dir)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(a.cfg.BackupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.runBackupTask(dir)
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) runBackupTask(dir string) {
	dest := filepath.Join(dir, fmt.Sprintf("therapybook_%s.db", time.Now().Format("20060102_150405")))

	a.logger.Info().Str("path", dest).Msg("starting database backup")
	if err := a.sqlite.Backup(dest); err != nil {
		a.logger.Error().Err(err).Msg("backup failed")
	} else {
		a.logger.Info().Msg("backup completed successfully")
	}

	deleted, err := a.sqlite.CleanupBackups(dir, a.cfg.BackupRetention())
	if err != nil {
		a.logger.Error().Err(err).Msg("backup cleanup failed")
	} else if deleted > 0 {
		a.logger.Info().Int("deleted", deleted).Msg("cleaned up old backups")
	}
}

func (a *app) startHealthServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := a.store.Ping(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if a.rdb != nil {
			if err := a.rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	a.listen(ctx, a.cfg.Monitoring.HealthCheckPort, mux, "health")
}

func (a *app) startMetricsServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.listen(ctx, a.cfg.Monitoring.PrometheusPort, mux, "metrics")
}

func (a *app) listen(ctx context.Context, port int, handler http.Handler, name string) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error().Err(err).Str("server", name).Msg("server error")
	}
}
