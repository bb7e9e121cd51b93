package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"drmsync/go-sync-agent/internal/config"
	"drmsync/go-sync-agent/internal/connectivity"
	"drmsync/go-sync-agent/internal/locations"
	"drmsync/go-sync-agent/internal/mqttbroker"
	"drmsync/go-sync-agent/internal/remote"
	"drmsync/go-sync-agent/internal/store"
	"drmsync/go-sync-agent/internal/syncer"
)

// App wires together the sync agent services and manages their lifecycle.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	coord   *syncer.Coordinator
	monitor *connectivity.Monitor
	broker  *mqttbroker.Broker
	places  *locations.Directory
	mdns    *zeroconf.Server
	ready   atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	subs := store.NewSubmissionStore(a.store)
	loaded, err := subs.LoadAll(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("submission queue loaded", "records", len(loaded))

	if a.cfg.LocationsPath != "" {
		dir, err := locations.LoadFile(a.cfg.LocationsPath)
		if err != nil {
			return err
		}
		a.places = dir
		a.logger.Info("location dataset loaded", "path", a.cfg.LocationsPath, "records", dir.TotalRecords())
	}

	if err := os.MkdirAll(a.cfg.ImageDir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}

	client := remote.New(a.cfg.ServerURL, a.cfg.RequestTimeout)
	a.monitor = connectivity.NewMonitor(connectivity.HTTPProber{URL: a.cfg.ProbeURL}, a.cfg.ProbeInterval, a.logger)
	a.coord = syncer.New(subs, client, a.monitor, a.logger, syncer.Options{
		RequestTimeout: a.cfg.RequestTimeout,
		AlwaysReupload: a.cfg.AlwaysReupload,
	})

	var brokerErrCh <-chan error
	if a.cfg.MQTTBindAddress != "" {
		broker := mqttbroker.New(a.logger)
		broker.SetPublishHandler(a.handleMQTTPublish)
		brokerErrCh, err = broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker
		a.coord.AddNotifier(syncer.NotifierFunc(a.publishEvent))
		a.monitor.OnTransition(func(bool) { a.publishAgentStatus() })
		a.publishAgentStatus()
	}
	defer a.stopBroker()

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var wg sync.WaitGroup
	workerErrCh := make(chan error, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.monitor.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		// The first drain decision needs the initial probe result.
		select {
		case <-a.monitor.Ready():
		case <-workerCtx.Done():
			return
		}
		if err := a.coord.Run(workerCtx); err != nil {
			workerErrCh <- fmt.Errorf("sync coordinator: %w", err)
		}
	}()

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	a.ready.Store(true)

	shutdown := func() error {
		a.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			err = fmt.Errorf("http server shutdown: %w", err)
		} else {
			a.logger.Info("http server stopped")
		}
		stopWorkers()
		wg.Wait()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			_ = shutdown()
			return err
		case err := <-workerErrCh:
			_ = shutdown()
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = shutdown()
				return err
			}
		}
	}
}

func (a *App) stopBroker() {
	if a.broker == nil {
		return
	}
	if err := a.broker.Stop(); err != nil {
		a.logger.Error("stop mqtt broker", "error", err)
		return
	}
	a.logger.Info("mqtt broker stopped")
}
