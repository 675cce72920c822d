// Package app assembles a cinder server from configuration: the metadata
// store, bundle stores, event fan-out, the state machine, the worker broker
// and dispatcher, and the HTTP API in front of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/seantiz/cinder/internal/api"
	"github.com/seantiz/cinder/internal/backend"
	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/config"
	"github.com/seantiz/cinder/internal/depgraph"
	"github.com/seantiz/cinder/internal/dispatch"
	"github.com/seantiz/cinder/internal/events"
	"github.com/seantiz/cinder/internal/lifecycle"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/storage"
	"github.com/seantiz/cinder/internal/store"
)

// LocalStore is the name of the disk store rooted at Config.BundleRoot.
const LocalStore = "local"

// App is a fully wired server.
type App struct {
	Store      store.Store
	Machine    *lifecycle.Machine
	Broker     *broker.Broker
	Dispatcher *dispatch.Dispatcher
	Gateway    *storage.Gateway
	Hub        *events.Hub
	Server     *api.Server

	amqp   *events.Connection
	logger *slog.Logger
}

// New opens the store and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	s, err := store.Open(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Store: s, Hub: events.NewHub(), logger: logger}

	var pub events.Publisher = a.Hub
	if cfg.AMQPURL != "" {
		conn, err := events.Dial(cfg.AMQPURL, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		a.amqp = conn
		pub = events.Multi{a.Hub, events.NewAMQPPublisher(conn, logger)}
	}

	a.Machine = lifecycle.New(s, depgraph.New(), pub, logger)
	if err := a.Machine.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load bundles: %w", err)
	}

	a.Broker = broker.New(broker.NewRegistry(), a.Machine, broker.Config{
		MaxCheckinWait:   cfg.CheckinWait,
		ReplyTimeout:     cfg.ReplyTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, logger)
	a.Dispatcher = dispatch.New(a.Machine, s, a.Broker, logger, cfg.DispatchInterval)

	a.Gateway, err = storage.New(s, a.Machine, backend.NewRegistry(), nil, logger, storage.Config{
		StagingDir:   cfg.StagingDir,
		BypassExpiry: cfg.BypassExpiry,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.registerStores(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.Server = api.NewServer(cfg.ListenAddr, api.Deps{
		Store:      s,
		Machine:    a.Machine,
		Broker:     a.Broker,
		Dispatcher: a.Dispatcher,
		Gateway:    a.Gateway,
		Hub:        a.Hub,
	}, logger)
	return a, nil
}

// registerStores activates the local disk store, the stores file and then
// any store created at runtime in an earlier process.
func (a *App) registerStores(ctx context.Context, cfg config.Config) error {
	local, err := a.Gateway.EnsureStore(ctx, &model.BundleStore{
		Name:        LocalStore,
		StorageType: model.StorageTypeDisk,
		URL:         cfg.BundleRoot,
	})
	if err != nil {
		return fmt.Errorf("register local store: %w", err)
	}
	defaultUUID := local.UUID

	if cfg.StoresFile != "" {
		f, err := config.LoadStores(cfg.StoresFile)
		if err != nil {
			return err
		}
		for _, e := range f.Stores {
			bs, err := a.Gateway.EnsureStore(ctx, e.BundleStore())
			if err != nil {
				return fmt.Errorf("register store %s: %w", e.Name, err)
			}
			if e.Default {
				defaultUUID = bs.UUID
			}
		}
	}
	if err := a.Gateway.Backends().SetDefault(defaultUUID); err != nil {
		return err
	}
	return a.Gateway.LoadStores(ctx)
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.Server.Router()
}

// Start launches the dispatcher loop.
func (a *App) Start(ctx context.Context) {
	a.Dispatcher.Start(ctx)
}

// Close stops background work and releases connections.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	var errs []error
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
