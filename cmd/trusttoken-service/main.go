package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trusttokens/internal/api"
	"trusttokens/internal/engine"
	"trusttokens/internal/transport"
	"trusttokens/pkg/config"
	"trusttokens/pkg/logger"
	"trusttokens/pkg/middleware"
	"trusttokens/pkg/storage"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	persist := storage.MustOpen(cfg, log)

	coord := engine.New(log, persist, transport.NewHTTP(30*time.Second), engine.Options{
		IssuerCap:           cfg.IssuerCap,
		MaxRedirects:        cfg.MaxRedirects,
		MaxSigningDataBytes: cfg.MaxSigningDataBytes,
		StrictSigning:       cfg.StrictSigning,
	})

	if cfg.CommitmentSeedFile != "" {
		raw, err := os.ReadFile(cfg.CommitmentSeedFile)
		if err != nil {
			log.Fatalw("commitment seed read", "path", cfg.CommitmentSeedFile, "err", err)
		}
		seed, err := engine.ParseSeedYAML(raw)
		if err != nil {
			log.Fatalw("commitment seed parse", "path", cfg.CommitmentSeedFile, "err", err)
		}
		coord.SetCommitments(seed)
		log.Infow("commitment seed loaded", "issuers", len(seed))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	api.Register(r, coord, log)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("trusttoken-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("trusttoken-service stopped")
}
