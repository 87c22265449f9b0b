package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"tr069-acs/internal/acs"
	"tr069-acs/internal/api"
	"tr069-acs/internal/config"
	"tr069-acs/internal/events"
	"tr069-acs/internal/liveness"
	"tr069-acs/internal/store"
	"tr069-acs/internal/tasks"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid DATABASE_URL")
	}
	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open store")
	}
	defer db.Close()
	log.Info().Str("path", dbPath).Msg("store ready")

	hub := events.NewHub(log)
	go hub.Run()
	defer hub.Stop()

	queue := tasks.NewQueue(db)
	engine := acs.NewEngine(db, hub, log, cfg.SessionTimeout)
	apiHandler := api.NewHandler(db, queue, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweeper := liveness.NewSweeper(db, hub, log, cfg.OfflineThreshold, cfg.SweepInterval)
	go sweeper.Run(ctx)

	router := mux.NewRouter()
	router.Handle("/cwmp", engine).Methods("POST")
	router.HandleFunc("/ws", hub.ServeWS)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	apiHandler.Register(router)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      c.Handler(router),
		ReadTimeout:  cfg.SessionTimeout + 5*time.Second,
		WriteTimeout: cfg.SessionTimeout + 5*time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", cfg.ListenAddr()).
		Dur("offline_threshold", cfg.OfflineThreshold).
		Dur("session_timeout", cfg.SessionTimeout).
		Msg("ACS listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}
