package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ursly.org/internal/entitlement"
	"ursly.org/internal/httpapi"
	"ursly.org/internal/obs"
	"ursly.org/internal/store/memory"
	"ursly.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("URSLY_COMMIT"))

	// Store selection: PostgreSQL when a DSN is set, in-memory for dev.
	var (
		store entitlement.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("URSLY_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Println("URSLY_PG_DSN not set; using in-memory store")
		store = memory.New()
	}

	opts := []entitlement.ServiceOption{}
	if raw := os.Getenv("URSLY_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse URSLY_CACHE_TTL: %v", err)
		}
		opts = append(opts, entitlement.WithCacheTTL(ttl))
	}
	svc, err := entitlement.NewService(store, opts...)
	if err != nil {
		log.Fatalf("entitlement service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.EnsureCatalog(ctx); err != nil {
		cancel()
		log.Fatalf("seed permission catalog: %v", err)
	}
	cancel()

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, svc, store)

	addr := os.Getenv("URSLY_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer()
	grpcAddr := os.Getenv("URSLY_GRPC_ADDR")
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting ursly-entitlements %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)
	grpcSrv.SetServing(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	grpcSrv.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcAddr != "" {
		grpcSrv.Stop()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
