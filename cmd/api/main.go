package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/cache"
	"hireloop.dev/internal/config"
	"hireloop.dev/internal/httpapi"
	"hireloop.dev/internal/obs"
	"hireloop.dev/internal/queue"
	"hireloop.dev/internal/store/memory"
	"hireloop.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg := config.MustLoad(os.Getenv("HIRELOOP_CONFIG"))

	// Metrics registry and build info.
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credential store: Postgres when a DSN is configured, in-memory otherwise
	// (development only; production config requires a DSN).
	var (
		principals auth.PrincipalStore
		apiKeys    auth.APIKeyStore
		probe      httpapi.ReadyProbe
		pgStore    *pg.Store
	)
	if cfg.Postgres.DSN != "" {
		var err error
		pgStore, err = pg.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		principals, apiKeys, probe.Postgres = pgStore, pgStore, pgStore
	} else {
		mem := memory.New()
		principals, apiKeys = mem, mem
		obs.Warn("no postgres dsn configured, using in-memory store", map[string]any{"env": cfg.Env})
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	tokens := cache.NewRedis(rdb)
	probe.Redis = tokens

	codec := auth.NewCodec(auth.NewSecretTable(cfg.SecretConfig()), nil)
	svc, err := auth.NewService(principals, tokens, codec,
		auth.WithPasswords(auth.DefaultPasswords(cfg.RolePeppers())),
		auth.WithMailer(queue.NewMail(rdb, cfg.Redis.MailKey)),
		auth.WithAPIKeyStore(apiKeys),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	trusted, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	api := httpapi.New(svc, probe, httpapi.Config{
		Version: version,
		Cookies: httpapi.CookieConfig{
			Secure:      cfg.Cookies.Secure,
			Domain:      cfg.Cookies.Domain,
			RefreshPath: cfg.Cookies.RefreshPath,
		},
		AuthBurst:         cfg.RateLimit.AuthBurst,
		AuthPerSecond:     cfg.RateLimit.AuthPerSecond,
		APIKeyBurst:       cfg.RateLimit.APIKeyBurst,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		AllowLocalOrigins: !cfg.Production(),
		TrustedProxies:    trusted,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	health := httpapi.NewGRPCServer(probe, version)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go health.Watch(ctx, 10*time.Second)

	obs.Info("starting hireloop auth api", map[string]any{
		"version": version,
		"http":    srv.Addr,
		"grpc":    cfg.GRPC.Address,
		"env":     cfg.Env,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	_ = rdb.Close()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	obs.Info("stopped", nil)
}
