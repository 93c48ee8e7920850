package main

import (
	"context"
	"flag"
	"log/slog"

	"gymbot-backend/internal/billing"
	"gymbot-backend/internal/clubos"
	"gymbot-backend/internal/components/chrono"
	"gymbot-backend/internal/components/telemetry"
	"gymbot-backend/internal/summarystore"
	"gymbot-backend/lib/configutil"
	"gymbot-backend/lib/util/serviceutil"
)

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	configPath := flag.String("config", "pastdued.json5", "The config file to read.")
	initialSweep := flag.Bool("sweep", false, "Trigger a sweep immediately on run.")
	flag.Parse()

	ctx := serviceutil.SignalContext()
	telemetry.InitSlog(*verbose)
	tel := telemetry.SlogAPI{}

	cfg, err := configutil.ReadConfig[Config](*configPath)
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	otel, err := telemetry.SetupOtel(ctx, "pastdued", cfg.Telemetry)
	if err != nil {
		serviceutil.Fatal("setup otel", err)
	}
	defer func() {
		err := otel.Shutdown(context.WithoutCancel(ctx))
		if err != nil {
			slog.Warn("shutdown otel", "err", err)
		}
	}()
	telemetry.InstrumentPerfStats(ctx, tel, cfg.PerfStatsInterval.Std())

	database, err := cfg.Database.OpenDB()
	if err != nil {
		serviceutil.Fatal("open database", err)
	}
	defer database.Close()
	store, err := summarystore.Open(ctx, database)
	if err != nil {
		serviceutil.Fatal("open summary store", err)
	}

	client, err := clubos.NewClient(cfg.ClubOS.Options(), tel)
	if err != nil {
		serviceutil.Fatal("init clubos client", err)
	}
	sweeper := billing.NewSweeper(billing.SweeperOptions{
		Client:      client,
		Credentials: cfg.Credentials.Store(),
		Include:     cfg.ClubOS.IncludeFields(),
		Workers:     cfg.Workers,
	}, tel)
	service := NewService(sweeper, store, cfg.Members, tel)

	sweep := func() {
		err := service.RunSweep(ctx)
		if err != nil {
			slog.Error("sweep failed", "err", err)
		}
	}

	cron := chrono.NewStandardCron(tel)
	defer cron.Stop()
	if cfg.Schedule != "" {
		err = cron.Cron(cfg.Schedule, sweep)
		if err != nil {
			serviceutil.Fatal("schedule sweep", err)
		}
	}
	if *initialSweep {
		go sweep()
	}

	handler := serviceutil.RequireAccessToken(cfg.AccessToken, service.Handler())
	err = serviceutil.StartHttpServer(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("http server", "err", err)
	}
}
