package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"therapybook/internal/audit"
	"therapybook/internal/availability"
	"therapybook/internal/booking"
	"therapybook/internal/config"
	"therapybook/internal/db"
	"therapybook/internal/events"
	"therapybook/internal/lock"
	"therapybook/internal/logging"
	"therapybook/internal/materialize"
	"therapybook/internal/pgstore"
	"therapybook/internal/schedule"
	"therapybook/internal/slots"
	"therapybook/internal/store"
	"therapybook/internal/tzconv"
)

// app holds the wired services shared by all commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store store.Store
	// sqlite is set when the SQLite backend is in use; backups need it.
	sqlite *db.DB
	rdb    *redis.Client

	bus          *events.EventBus
	materializer *materialize.Materializer
	schedule     *schedule.Service
	booking      *booking.Service
	resolver     *availability.Resolver
	slots        *slots.Generator
	exporter     *audit.Exporter
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("get config flag: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, logger: logging.New(cfg.Logging)}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	switch cfg.Database.Driver {
	case "sqlite":
		a.sqlite, err = db.NewDB(cfg.Database.Path, &a.logger)
		if err != nil {
			return nil, err
		}
		a.store = a.sqlite
	case "postgres":
		a.store, err = pgstore.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns, &a.logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	var locker lock.Locker = lock.NewKeyed()
	if cfg.Redis.Address != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = lock.NewRedis(a.rdb, cfg.LockTTL(), &a.logger)
	}

	a.bus = events.NewEventBus()
	a.materializer = materialize.New(a.store, cfg.HorizonDays(), &a.logger)
	a.materializer.Subscribe(a.bus)
	a.bus.Subscribe(a.logOccurrenceChange, events.OccurrenceChanged)

	a.schedule = schedule.NewService(a.store, a.bus, &a.logger)
	a.booking = booking.NewService(a.store, locker, a.materializer, booking.Options{
		LockTimeout:        cfg.LockTimeout(),
		AttemptsPerMinute:  cfg.Booking.AttemptsPerMinute,
		EnsureMaterialized: cfg.Booking.EnsureMaterialized,
	}, &a.logger)
	a.resolver = availability.NewResolver(a.store)
	a.slots = slots.NewGenerator(a.resolver)
	a.exporter = audit.NewExporter(a.store, &a.logger)
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close store")
		}
	}
}

func (a *app) logOccurrenceChange(_ context.Context, e events.Event) error {
	a.logger.Info().
		Int64("therapist_id", e.TherapistID).
		Int64("series_id", e.SeriesID).
		Int64("occurrence_id", e.OccurrenceID).
		Msg("occurrence changed")
	return nil
}

// syncRoster applies the roster and refreshes every listed therapist.
func (a *app) syncRoster(ctx context.Context, r *config.Roster) error {
	ids, err := a.store.SyncRoster(ctx, r)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := a.bus.Publish(ctx, events.Event{Type: events.RosterSynced, TherapistID: id}); err != nil {
			return err
		}
	}
	return nil
}

// localTime reads a therapist-local wall time such as "2024-03-04 10:00" as UTC.
func (a *app) localTime(ctx context.Context, therapistID int64, s string) (time.Time, *time.Location, error) {
	loc, err := a.location(ctx, therapistID)
	if err != nil {
		return time.Time{}, nil, err
	}
	local, err := tzconv.ParseLocal(s)
	if err != nil {
		return time.Time{}, nil, err
	}
	return tzconv.ToUTCIn(local, loc), loc, nil
}

func (a *app) location(ctx context.Context, therapistID int64) (*time.Location, error) {
	th, err := a.store.GetTherapist(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	return th.Location()
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
