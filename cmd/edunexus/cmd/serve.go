package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/grpcapi"
	"edunexus.org/internal/httpapi"
	"edunexus.org/internal/obs"
	"edunexus.org/internal/tenant"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long: `Starts the HTTP API and, when grpc.addr is set, the gRPC listener. Both share
one authenticator and tenant access controller. The process drains in-flight
requests on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		obs.Init()
		obs.InitBuildInfo()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var (
			binder *tenant.Binder
			ready  httpapi.ReadyProbe
		)
		if st.pg != nil {
			if cfg.Database.AutoMigrate {
				if err := newMigrator(st.pg).Up(ctx); err != nil {
					return fmt.Errorf("auto-migrate: %w", err)
				}
				obs.Logger().Info("migrations applied")
			}
			binder = tenant.NewBinder(st.pg.DB(), tenant.WithBindTimeout(cfg.Tenant.BindTimeout))
			ready = httpapi.ReadyProbe{Ping: st.pg.Ping}
		}

		c, err := newCore(cfg, st, tokenConfig(cfg))
		if err != nil {
			return err
		}

		api := httpapi.New(httpapi.Options{
			Auth:           c.authn,
			Access:         c.access,
			Principals:     st.principals,
			Binder:         binder,
			Ready:          ready,
			Version:        obs.Version,
			Dev:            cfg.IsDev(),
			MetricsEnabled: cfg.HTTP.MetricsEnabled,
			MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
			CORSOrigins:    cfg.HTTP.CORSOrigins,
			RateRPS:        cfg.RateLimit.RPS,
			RateBurst:      cfg.RateLimit.Burst,
			AuthRPS:        cfg.RateLimit.AuthRPS,
			AuthBurst:      cfg.RateLimit.AuthBurst,
		})
		go api.RunJanitors(ctx)
		go auth.NewSweeper(c.sessions, cfg.Auth.SweepInterval).Run(ctx)

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 2)
		go func() {
			obs.Logger().Info("http listening", "addr", srv.Addr, "version", obs.Version, "env", cfg.Env)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
			}
		}()

		var stopGRPC func(context.Context)
		if cfg.GRPC.Addr != "" {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			hs := health.NewServer()
			gs := grpcapi.NewServer(grpcapi.NewAuthenticator(c.authn, c.access), hs)
			go grpcapi.WatchReadiness(ctx, hs, ready.Check, 10*time.Second)
			go func() {
				obs.Logger().Info("grpc listening", "addr", cfg.GRPC.Addr)
				if err := gs.Serve(lis); err != nil {
					errCh <- fmt.Errorf("grpc: %w", err)
				}
			}()
			stopGRPC = func(ctx context.Context) {
				// open health watches never finish on their own
				done := make(chan struct{})
				go func() {
					gs.GracefulStop()
					close(done)
				}()
				select {
				case <-done:
				case <-ctx.Done():
					gs.Stop()
				}
			}
		}

		select {
		case <-ctx.Done():
			obs.Logger().Info("shutting down")
		case err := <-errCh:
			obs.Logger().Error("server failed", "err", err)
			stop()
			defer func() { _ = srv.Close() }()
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if stopGRPC != nil {
			stopGRPC(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		obs.Logger().Info("stopped")
		return nil
	},
}
