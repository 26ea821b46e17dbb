package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quickcover/auth"
	"quickcover/config"
	"quickcover/db"
	"quickcover/insurance"
	"quickcover/payment"
	"quickcover/sqlitestore"
	"quickcover/vehicle"
	"quickcover/wizard"
)

type tokenPurger interface {
	PurgeRevokedTokens(ctx context.Context) (int64, error)
}

// backend is the storage selected by configuration.
type backend struct {
	quotes   insurance.Store
	users    auth.Repository
	tokens   tokenPurger
	health   pinger
	migrated int
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, err
		}
		n, err := db.MigratePostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		users := auth.NewRepository(pool)
		return &backend{
			quotes:   insurance.NewService(pool, insurance.NewRepository(pool)),
			users:    users,
			tokens:   users,
			health:   pool,
			migrated: n,
			close:    pool.Close,
		}, nil

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		n, err := db.MigrateSQLite(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		store := sqlitestore.New(conn)
		return &backend{
			quotes:   store,
			users:    store,
			tokens:   store,
			health:   store,
			migrated: n,
			close:    func() { _ = conn.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

type app struct {
	cfg     config.Config
	logger  *zap.Logger
	backend *backend
	wizards *wizard.Registry
	server  *Server
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	authSvc := auth.NewService(b.users, cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL)
	wizards := wizard.NewRegistry(wizard.Dependencies{
		Pricer:   vehicle.NewService(vehicle.NewMockRegistry(cfg.Wizard.LookupDelay)),
		Accounts: authSvc,
		Quotes:   b.quotes,
		Payments: payment.NewSimulatedProcessor(cfg.Wizard.PaymentDelay),
		Logger:   logger.Named("wizard"),
	}, cfg.Wizard.SessionTTL)

	return &app{
		cfg:     cfg,
		logger:  logger,
		backend: b,
		wizards: wizards,
		server: &Server{
			authService: authSvc,
			quotes:      b.quotes,
			wizards:     wizards,
			health:      b.health,
			logger:      logger.Named("http"),
		},
	}, nil
}

// Run serves HTTP and sweeps idle wizards until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.server.Routes(),
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		IdleTimeout:       a.cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting http server",
			zap.String("addr", httpServer.Addr),
			zap.String("driver", a.cfg.Database.Driver),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.wizards.Run(gctx, a.cfg.Wizard.SweepInterval)
	})
	g.Go(func() error {
		return a.purgeTokens(gctx, a.cfg.Wizard.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// purgeTokens drops expired token revocations every interval.
func (a *app) purgeTokens(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.backend.tokens.PurgeRevokedTokens(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Warn("purge revoked tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Debug("purged revoked tokens", zap.Int64("count", n))
			}
		}
	}
}

func (a *app) Close() {
	a.backend.close()
}
