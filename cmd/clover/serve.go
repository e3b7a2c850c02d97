package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/routes/entityset"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/routes/linking"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

func serveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the realtime linking loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), c)
		},
	}
}

func serve(ctx context.Context, c *cli) error {
	cfg := c.cfg
	logger := c.logger

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	checker := health.NewChecker(cfg.Version)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("")
	if cfg.OIDCIssuerURL != "" {
		auth, err := middleware.Authentication(ctx, logger, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("failed to set up authentication: %w", err)
		}
		api.Use(auth)
	} else {
		logger.Warn("No OIDC issuer configured, trusting the X-Roles header")
		api.Use(middleware.HeaderRolesAuth())
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	var consumer *kafka.Consumer
	s := startup.New(logger, cfg.StartupMaxAttempts)
	for _, dep := range a.dependencies() {
		s.AddDependency(dep)
	}
	s.AddDependency(startup.Func{
		Name:  "routes",
		After: []string{"services"},
		StartFunc: func(context.Context) error {
			if a.db != nil {
				checker.AddCheck("database", a.db.PingContext)
			}
			if a.redis != nil {
				checker.AddCheck("redis", a.redis.Ping)
			}
			if a.graph != nil {
				checker.AddCheck("graph", a.graph.VerifyConnectivity)
			}
			linking.NewHandler(a.feedback, a.linking, a.linker, cfg.AdminRole, logger).Register(api)
			entityset.NewHandler(a.linking, a.processor, logger).Register(api)
			return nil
		},
	})
	if cfg.LinkingEnabled {
		s.AddDependency(startup.Func{
			Name:      "linker",
			After:     []string{"services"},
			StartFunc: func(ctx context.Context) error { return a.linker.Start(ctx) },
			StopFunc:  func(context.Context) error { return a.linker.Stop() },
		})
	}
	if cfg.KafkaConsumerEnabled {
		s.AddDependency(startup.Func{
			Name:  "consumer",
			After: []string{"services"},
			StartFunc: func(ctx context.Context) error {
				var err error
				if consumer, err = kafka.NewConsumer(cfg.Consumer(), logger, a.processor.ProcessMessage); err != nil {
					return err
				}
				return consumer.Start(ctx)
			},
			StopFunc: func(context.Context) error {
				if consumer == nil {
					return nil
				}
				return consumer.Stop()
			},
		})
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	checker.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
	}
	checker.SetReady(false)

	stopCtx, cancel := shutdownContext()
	defer cancel()
	if shutdownErr := server.Shutdown(stopCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("Failed to shut down HTTP server")
	}
	if stopErr := s.Stop(stopCtx); stopErr != nil {
		logger.WithError(stopErr).Warn("Failed to stop dependencies")
	}
	a.close()
	if tracingErr := shutdownTracing(stopCtx); tracingErr != nil {
		logger.WithError(tracingErr).Warn("Failed to flush traces")
	}
	return err
}
