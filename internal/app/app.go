// Package app wires the collector from configuration. Both binaries build
// on it.
package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/mr1hm/go-weather-ingest/internal/adapters"
	"github.com/mr1hm/go-weather-ingest/internal/config"
	"github.com/mr1hm/go-weather-ingest/internal/fetcher"
	internalgrpc "github.com/mr1hm/go-weather-ingest/internal/grpc"
	"github.com/mr1hm/go-weather-ingest/internal/ingestion"
	"github.com/mr1hm/go-weather-ingest/internal/observability"
	"github.com/mr1hm/go-weather-ingest/internal/quality"
	"github.com/mr1hm/go-weather-ingest/internal/repository"
	"github.com/mr1hm/go-weather-ingest/internal/scheduler"
)

type App struct {
	DB          *repository.SQLiteDB
	Registry    *adapters.Registry
	Broadcaster *internalgrpc.Broadcaster
	Manager     *ingestion.Manager
	Jobs        []scheduler.Job
}

// New opens the store, registers configured locations and builds the
// enabled adapters. metrics may be nil.
func New(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*App, error) {
	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, loc := range cfg.Sources.Locations {
		if err := db.UpsertLocation(ctx, loc); err != nil {
			db.Close()
			return nil, fmt.Errorf("registering location %s: %w", loc.ID, err)
		}
	}

	list, jobs, err := BuildAdapters(cfg.Sources, metrics)
	if err != nil {
		db.Close()
		return nil, err
	}
	registry, err := adapters.NewRegistry(list...)
	if err != nil {
		db.Close()
		return nil, err
	}

	rules, err := cfg.Sources.Quality.Rules()
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		DB:          db,
		Registry:    registry,
		Broadcaster: internalgrpc.NewBroadcaster(),
		Jobs:        jobs,
	}
	a.Manager = ingestion.NewManager(cfg.Sources.Ingestion, registry, db,
		quality.NewFlagger(db, rules, metrics), cfg.Sources.Targets(),
		ingestion.WithMetrics(metrics),
		ingestion.WithPublisher(a.Broadcaster),
	)
	return a, nil
}

func (a *App) Close() error {
	a.Broadcaster.Close()
	return a.DB.Close()
}

// BuildAdapters constructs every enabled adapter, each behind its own
// fetcher, and a scheduler job for those with an interval.
func BuildAdapters(s config.Sources, metrics *observability.Metrics) ([]adapters.Adapter, []scheduler.Job, error) {
	names := make([]string, 0, len(s.Adapters))
	for name := range s.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		list []adapters.Adapter
		jobs []scheduler.Job
	)
	for _, name := range names {
		ac := s.Adapters[name]
		if !ac.Enabled {
			continue
		}

		client := fetcher.New(name, ac.Fetcher, fetcher.WithMetrics(metrics))
		var opts []adapters.Option
		if ac.BaseURL != "" {
			opts = append(opts, adapters.WithBaseURL(ac.BaseURL))
		}

		var (
			a   adapters.Adapter
			err error
		)
		switch name {
		case "openmeteo":
			a = adapters.NewOpenMeteo(client, opts...)
		case "openmeteo_forecast":
			a, err = adapters.NewOpenMeteoForecast(client, ac.Families, ac.ForecastDays, opts...)
		case "era5":
			a = adapters.NewERA5(client, opts...)
		case "metoffice":
			a, err = adapters.NewMetOffice(client, ac.Secret("api_key"), opts...)
		case "netatmo":
			a, err = adapters.NewNetatmo(client, adapters.NetatmoCredentials{
				ClientID:     ac.Secret("client_id"),
				ClientSecret: ac.Secret("client_secret"),
				AccessToken:  ac.Secret("access_token"),
				RefreshToken: ac.Secret("refresh_token"),
			}, ac.RadiusKM, opts...)
		default:
			return nil, nil, fmt.Errorf("unknown adapter %q", name)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("adapter %s: %w", name, err)
		}

		list = append(list, a)
		if ac.Interval > 0 {
			jobs = append(jobs, scheduler.Job{Adapter: name, Interval: ac.Interval})
		}
	}
	return list, jobs, nil
}
