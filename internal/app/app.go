// Package app builds the collaborators shared by the api and listener
// binaries from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ticketprint/internal/api"
	"ticketprint/internal/bluetooth"
	"ticketprint/internal/bluetooth/serialport"
	"ticketprint/internal/config"
	"ticketprint/internal/export"
	"ticketprint/internal/listener"
	"ticketprint/internal/logging"
	"ticketprint/internal/printsurface"
	"ticketprint/internal/queue"
	"ticketprint/internal/ratelimit"
	"ticketprint/internal/router"
	"ticketprint/internal/settings"
	"ticketprint/internal/store"
	"ticketprint/internal/telemetry"
	"ticketprint/internal/ticket"
)

// App holds one process's wiring.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Settings *settings.Store
	Store    *store.Store
	Queue    *queue.RedisQueue
	Limiter  *ratelimit.TokenBucket
	Printer  *bluetooth.Manager
	Router   *router.Router

	stopGauge func()
}

// New validates cfg and connects everything. The caller must Close the
// returned App.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, service)
	slog.SetDefault(logger)
	telemetry.Register()

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	prefs, err := settings.Open(cfg.SettingsPath, settings.PrinterMethod(cfg.DefaultPrinterMethod))
	if err != nil {
		return nil, err
	}
	a.Settings = prefs

	a.Store, err = store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := a.Store.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a.Queue = queue.NewRedisQueue(cfg, prefs.DeviceID(), logger.With("component", "queue"))
	if err := a.Queue.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Limiter = ratelimit.NewTokenBucket(a.Queue.Client(), cfg.QueueKeyPrefix+":ratelimit", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	adapter := serialport.New(cfg.SerialPort, cfg.SerialBaudRate)
	a.Printer = bluetooth.NewManager(adapter, prefs, bluetooth.Options{
		ConnectTimeout:   cfg.PrinterConnectTimeout,
		ReconnectTimeout: cfg.PrinterReconnectTimeout,
		SendTimeout:      cfg.PrinterSendTimeout,
		ChunkSize:        cfg.PrinterChunkSize,
		MaxPayload:       cfg.PrinterMaxPayload,
		ChunkDelay:       cfg.PrinterChunkDelay,
	}, logger.With("component", "printer"))
	a.stopGauge = a.Printer.Subscribe(func(st bluetooth.State) {
		if st.Connected {
			telemetry.PrinterConnected.Set(1)
		} else {
			telemetry.PrinterConnected.Set(0)
		}
	})

	logo, err := ticket.LoadLogo(cfg.TicketLogoPath)
	if err != nil {
		logger.Warn("ticket logo not loaded", "path", cfg.TicketLogoPath, "error", err)
	}
	sharer, err := export.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	platform := router.Platform{
		Mobile:     cfg.DeviceProfile == "mobile",
		CanShare:   cfg.DeviceCanShare,
		DirectLink: adapter.Supported(),
	}
	a.Router = router.New(router.Config{
		Platform:      platform,
		Printer:       a.Printer,
		Renderer:      ticket.NewRenderer(ticket.Shop{Name: cfg.ShopName, Logo: logo}, cfg.TicketPaperWidthMM),
		Sharer:        sharer,
		Surface:       &printsurface.Command{Args: cfg.PrintCommand, CancelExitCode: cfg.PrintCancelExitCode},
		Queue:         a.Queue,
		NativeTimeout: cfg.NativePrintTimeout,
		Logger:        logger.With("component", "router"),
	})

	logger.Info("ticket printing ready",
		"env", cfg.Env,
		"device_id", prefs.DeviceID(),
		"printer_method", prefs.Method(),
		"mobile", platform.Mobile,
		"direct_link", platform.DirectLink,
	)
	ok = true
	return a, nil
}

// API builds the HTTP server over this wiring.
func (a *App) API() *api.Server {
	return api.New(api.Deps{
		Queue:    a.Queue,
		Orders:   a.Store,
		Printer:  a.Router,
		Link:     a.Printer,
		Settings: a.Settings,
		Limiter:  a.Limiter,
		Logger:   a.Logger.With("component", "api"),
	})
}

// Listener builds the queue listener over this wiring.
func (a *App) Listener() *listener.Listener {
	return listener.New(listener.Config{
		Queue:       a.Queue,
		Orders:      a.Store,
		Printer:     a.Router,
		Preferences: a.Settings,
		Platform:    a.Router.Platform(),
		Logger:      a.Logger.With("component", "listener"),
	})
}

// Close releases every connection New opened.
func (a *App) Close() {
	if a.stopGauge != nil {
		a.stopGauge()
	}
	if a.Printer != nil {
		if err := a.Printer.Disconnect(); err != nil {
			a.Logger.Warn("printer disconnect", "error", err)
		}
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
