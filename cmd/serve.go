package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/grpc"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/httpapi"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ratelimit"
)

const limiterCleanupInterval = time.Minute

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		Long: `Starts finrouter in server mode: the JSON/SSE API over HTTP and the
ChatService over gRPC, sharing one router, store and event bus.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
				cfg.Server.HTTPAddr = addr
			}
			if addr, _ := cmd.Flags().GetString("grpc-addr"); addr != "" {
				cfg.Server.GRPCAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Telemetry.OTLPEndpoint != "" {
				shutdown, err := observability.InitTracer(ctx, cfg.Telemetry.ServiceName, Version, cfg.Telemetry.OTLPEndpoint)
				if err != nil {
					return err
				}
				defer func() {
					flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
					defer cancel()
					if err := shutdown(flushCtx); err != nil {
						logger.Warn("tracer_shutdown_failed", "error", err.Error())
					}
				}()
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listen http %s: %w", cfg.Server.HTTPAddr, err)
			}
			grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				httpLis.Close()
				return fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
			}
			return serve(ctx, a, httpLis, grpcLis)
		},
	}
	cmd.Flags().String("http-addr", "", "HTTP listen address (default from config, :8080)")
	cmd.Flags().String("grpc-addr", "", "gRPC listen address (default from config, :50051)")
	return cmd
}

// serve runs both transports and the limiter cleanup until ctx is done or
// one of them fails. A clean shutdown returns nil.
func serve(ctx context.Context, a *app, httpLis, grpcLis net.Listener) error {
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: a.cfg.Server.RequestsPerMinute,
		RequestsPerHour:   a.cfg.Server.RequestsPerHour,
		BurstSize:         a.cfg.Server.BurstSize,
	})

	srv := &http.Server{
		Handler: httpapi.NewHandler(a.service, httpapi.Options{
			Bus:     a.bus,
			Limiter: limiter,
			Logger:  a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	chat := grpc.NewChatServer(a.service, a.bus, limiter, a.logger)
	grpcServer := grpc.NewGracefulServer(chat, grpcLis.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http_server_started", "address", httpLis.Addr().String())
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http_graceful_shutdown_incomplete", "error", err.Error())
			return srv.Close()
		}
		a.logger.Info("http_server_stopped")
		return nil
	})
	g.Go(func() error {
		return grpcServer.Serve(ctx, grpcLis)
	})
	g.Go(func() error {
		return limiter.Run(ctx, limiterCleanupInterval)
	})
	return g.Wait()
}
