package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"marketplace/handlers"
	"marketplace/internal/auth"
	"marketplace/internal/config"
	"marketplace/internal/consul"
	"marketplace/internal/gateway"
	"marketplace/internal/health"
	"marketplace/internal/metrics"
	"marketplace/internal/orders"
	"marketplace/internal/outbox"
	"marketplace/internal/stores/kafka"
	"marketplace/internal/stores/postgres"
	"marketplace/pkg/logkey"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", slog.String(logkey.ERROR, err.Error()))
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := startApp(cfg); err != nil {
		slog.Error("service stopped", slog.String(logkey.ERROR, err.Error()))
		os.Exit(1)
	}
}

func startApp(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	/*
		//------------------------------------------------------//
		//                 Database + migrations                //
		//------------------------------------------------------//
	*/
	if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	pool, err := postgres.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}

	/*
		//------------------------------------------------------//
		//                 Consul + payment gateway             //
		//------------------------------------------------------//
	*/
	var consulClient *consulapi.Client
	if cfg.ConsulAddr != "" {
		consulClient, err = consul.NewClient(cfg.ConsulAddr)
		if err != nil {
			return err
		}
	}

	gw, err := newGateway(cfg, consulClient)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	keys, err := auth.NewKeys(cfg.JWTSecret)
	if err != nil {
		return err
	}

	coordinator := orders.NewCoordinator(store, gw, cfg.Currency, cfg.GatewayTimeout, m)
	reconciler := orders.NewReconciler(store, gw, m)

	h, err := handlers.NewHandler(coordinator, reconciler, store)
	if err != nil {
		return err
	}
	router, err := handlers.API(handlers.Config{
		EndpointPrefix: cfg.EndpointPrefix,
		GinMode:        cfg.GinMode,
		Keys:           keys,
		Metrics:        m,
	}, h)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	/*
		//------------------------------------------------------//
		//                 Outbox relay to Kafka                //
		//------------------------------------------------------//
	*/
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewConf(cfg.KafkaBrokers)
		if err != nil {
			return err
		}
		defer producer.Close()
		if err := producer.Ping(ctx); err != nil {
			slog.Warn("kafka not reachable yet, outbox events stay pending", slog.String(logkey.ERROR, err.Error()))
		}

		relay := outbox.NewRelay(store, producer, cfg.OutboxInterval, cfg.OutboxBatch, m)
		g.Go(func() error { return relay.Run(ctx) })
	} else {
		slog.Warn("KAFKA_BROKERS not set, outbox events stay pending")
	}

	/*
		//------------------------------------------------------//
		//                 gRPC health + registration           //
		//------------------------------------------------------//
	*/
	// Only the database decides serving status. A broker outage leaves events pending in the
	// outbox and is reported by the relay's metrics.
	grpcServer := grpc.NewServer()
	checker := health.NewChecker(store, cfg.ServiceName, 5*time.Second)
	checker.Register(grpcServer)
	g.Go(func() error { return checker.Run(ctx) })

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listening on grpc port: %w", err)
	}
	g.Go(func() error {
		slog.Info("grpc server started", slog.String("port", cfg.GRPCPort))
		return grpcServer.Serve(lis)
	})

	if consulClient != nil {
		httpPort, _ := strconv.Atoi(cfg.Port)
		grpcPort, _ := strconv.Atoi(cfg.GRPCPort)
		regID, err := consul.RegisterService(consulClient, cfg.ServiceName, cfg.ServiceHost, httpPort, grpcPort)
		if err != nil {
			return fmt.Errorf("registering with consul: %w", err)
		}
		defer func() {
			if err := consul.Deregister(consulClient, regID); err != nil {
				slog.Error("deregistering from consul", slog.String(logkey.ERROR, err.Error()))
			}
		}()
	}

	g.Go(func() error {
		slog.Info("http server started", slog.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newGateway(cfg *config.Config, consulClient *consulapi.Client) (gateway.Client, error) {
	switch cfg.PaymentProvider {
	case config.ProviderS2S:
		s2s := gateway.S2SConfig{
			BaseURL:       cfg.GatewayURL,
			APIKey:        cfg.GatewayAPIKey,
			WebhookSecret: cfg.GatewayWebhookSecret,
			Timeout:       cfg.GatewayTimeout,
		}
		if s2s.BaseURL == "" && consulClient != nil {
			s2s.Resolve = func(ctx context.Context) (string, error) {
				return consul.GetServiceAddress(ctx, consulClient, cfg.GatewayService)
			}
		}
		return gateway.NewS2S(s2s)
	default:
		return gateway.NewStripe(gateway.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Timeout:       cfg.GatewayTimeout,
		})
	}
}
